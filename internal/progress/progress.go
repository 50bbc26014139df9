package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Phase names delivered to phase-change subscribers. One per client state
// machine transition.
const (
	PhaseInit         = "init"
	PhaseConnecting   = "connecting"
	PhaseRegistering  = "registering"
	PhaseReconnecting = "reconnecting"
	PhaseKeyExchange  = "key_exchange"
	PhaseTransferring = "transferring"
	PhaseVerifying    = "verifying"
	PhaseComplete     = "complete"
	PhaseFailed       = "failed"
)

// Callbacks is the hook surface for external consumers (GUI, API gateway).
// Nil callbacks are skipped. OnProgress fires after each chunk; OnPhaseChange
// fires on every state transition. Both are invoked from the transfer
// goroutine and must return quickly.
type Callbacks struct {
	OnProgress    func(bytesDone, bytesTotal int64, phase string)
	OnPhaseChange func(phase string)
}

// NotifyPhase reports a phase transition.
func (c *Callbacks) NotifyPhase(phase string) {
	if c != nil && c.OnPhaseChange != nil {
		c.OnPhaseChange(phase)
	}
}

// NotifyProgress reports byte progress within a phase.
func (c *Callbacks) NotifyProgress(done, total int64, phase string) {
	if c != nil && c.OnProgress != nil {
		c.OnProgress(done, total, phase)
	}
}

// Stats holds transfer statistics. Both counters are written from the
// transfer goroutine while the reporter goroutine reads them, hence
// atomics for each.
type Stats struct {
	TotalBytes       atomic.Int64
	TransferredBytes atomic.Int64
	StartTime        time.Time
	Filename         string
}

// GetTransferred atomically gets the current transferred bytes count
func (s *Stats) GetTransferred() int64 {
	return s.TransferredBytes.Load()
}

// Reporter handles console progress reporting
type Reporter struct {
	stats  *Stats
	ticker *time.Ticker
	done   chan struct{}
}

// NewReporter creates a new progress reporter
func NewReporter(stats *Stats) *Reporter {
	return &Reporter{
		stats:  stats,
		ticker: time.NewTicker(1 * time.Second),
		done:   make(chan struct{}),
	}
}

// Start begins progress reporting
func (r *Reporter) Start() {
	go r.reportLoop()
}

// Stop stops progress reporting
func (r *Reporter) Stop() {
	r.ticker.Stop()
	close(r.done)
	fmt.Println() // Print newline after progress bar
}

func (r *Reporter) reportLoop() {
	for {
		select {
		case <-r.ticker.C:
			r.showConsoleProgress()
		case <-r.done:
			return
		}
	}
}

func (r *Reporter) showConsoleProgress() {
	transferred := r.stats.GetTransferred()
	total := r.stats.TotalBytes.Load()
	if total == 0 {
		return
	}
	percent := float64(transferred) / float64(total) * 100

	const barWidth = 30
	completedWidth := int(float64(barWidth) * percent / 100)
	if completedWidth > barWidth {
		completedWidth = barWidth
	}
	progressBar := strings.Repeat("█", completedWidth) + strings.Repeat("░", barWidth-completedWidth)

	elapsed := time.Since(r.stats.StartTime).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(transferred) / 1024 / 1024 / elapsed
	}

	fmt.Printf("\r[%s] %.1f%% (%.2f/%.2f MB) at %.2f MB/s",
		progressBar,
		percent,
		float64(transferred)/1024/1024,
		float64(total)/1024/1024,
		rate)
}

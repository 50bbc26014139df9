package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallbacksNilSafe(t *testing.T) {
	var cb *Callbacks
	cb.NotifyPhase(PhaseInit)
	cb.NotifyProgress(1, 2, PhaseTransferring)

	cb = &Callbacks{}
	cb.NotifyPhase(PhaseInit)
	cb.NotifyProgress(1, 2, PhaseTransferring)
}

func TestCallbacksDeliver(t *testing.T) {
	var phases []string
	var done, total int64
	cb := &Callbacks{
		OnProgress:    func(d, tt int64, _ string) { done, total = d, tt },
		OnPhaseChange: func(p string) { phases = append(phases, p) },
	}

	cb.NotifyPhase(PhaseConnecting)
	cb.NotifyPhase(PhaseTransferring)
	cb.NotifyProgress(512, 1024, PhaseTransferring)

	assert.Equal(t, []string{PhaseConnecting, PhaseTransferring}, phases)
	assert.Equal(t, int64(512), done)
	assert.Equal(t, int64(1024), total)
}

// The transfer goroutine updates both counters while the reporter
// goroutine renders them; the race detector guards this pairing.
func TestStatsConcurrentWithReporter(t *testing.T) {
	stats := &Stats{StartTime: time.Now(), Filename: "f.bin"}
	r := NewReporter(stats)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 500; i++ {
			stats.TotalBytes.Store(500)
			stats.TransferredBytes.Store(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.showConsoleProgress()
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(500), stats.GetTransferred())
	assert.Equal(t, int64(500), stats.TotalBytes.Load())
}

package buffer

import (
	"fmt"
	"log/slog"
	"time"

	"cipherbackup/internal/errors"
	"cipherbackup/internal/protocol"
)

// Default tuning values for chunk size adaptation
const (
	DefaultMinChunkSize    = 1 * 1024
	DefaultMaxChunkSize    = 32 * 1024
	DefaultWindowSize      = 10
	DefaultMinPackets      = 8
	DefaultMinInterval     = 5 * time.Second
	DefaultGrowThreshold   = 0.15
	DefaultShrinkThreshold = 0.20
)

// Options configures a Manager. Zero fields take the defaults above.
type Options struct {
	MinChunkSize    int           // smallest ladder entry, power of two
	MaxChunkSize    int           // largest ladder entry, power of two
	WindowSize      int           // throughput samples in the moving average
	MinPackets      int           // packets required between adaptations
	MinInterval     time.Duration // time required between adaptations
	GrowThreshold   float64       // relative improvement required to grow
	ShrinkThreshold float64       // relative degradation required to shrink
}

func (o *Options) applyDefaults() {
	if o.MinChunkSize == 0 {
		o.MinChunkSize = DefaultMinChunkSize
	}
	if o.MaxChunkSize == 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.WindowSize == 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.MinPackets == 0 {
		o.MinPackets = DefaultMinPackets
	}
	if o.MinInterval == 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.GrowThreshold == 0 {
		o.GrowThreshold = DefaultGrowThreshold
	}
	if o.ShrinkThreshold == 0 {
		o.ShrinkThreshold = DefaultShrinkThreshold
	}
}

type sample struct {
	bytes    int64
	duration time.Duration
	ok       bool
}

// Manager picks the chunk size for one transfer and adapts it from
// throughput feedback. Growth and shrink are gated by packet-count and
// elapsed-time hysteresis so the size does not oscillate. A Manager is
// owned by a single transfer and is not safe for concurrent use.
type Manager struct {
	ladder []int
	rung   int

	window  []sample
	next    int
	samples int

	packetsSinceChange int
	lastChange         time.Time
	baseline           float64 // bytes/sec captured at the last change

	adaptations int
	opts        Options
}

// NewManager builds a manager with a power-of-two ladder from
// MinChunkSize up to MaxChunkSize, starting at the smallest entry.
func NewManager(opts Options) (*Manager, error) {
	opts.applyDefaults()

	if opts.MinChunkSize <= 0 || opts.MinChunkSize&(opts.MinChunkSize-1) != 0 {
		return nil, errors.NewValidationError("min_chunk_size", opts.MinChunkSize, "must be a positive power of two")
	}
	if opts.MaxChunkSize < opts.MinChunkSize || opts.MaxChunkSize&(opts.MaxChunkSize-1) != 0 {
		return nil, errors.NewValidationError("max_chunk_size", opts.MaxChunkSize, "must be a power of two >= min chunk size")
	}
	if opts.GrowThreshold <= 0 || opts.ShrinkThreshold <= 0 || opts.ShrinkThreshold >= 1 {
		return nil, errors.NewValidationError("thresholds", fmt.Sprintf("grow=%v shrink=%v", opts.GrowThreshold, opts.ShrinkThreshold), "grow must be > 0, shrink in (0,1)")
	}

	var ladder []int
	for size := opts.MinChunkSize; size <= opts.MaxChunkSize; size *= 2 {
		ladder = append(ladder, size)
	}

	return &Manager{
		ladder:     ladder,
		window:     make([]sample, opts.WindowSize),
		lastChange: time.Now(),
		opts:       opts,
	}, nil
}

// ChunkSize returns the current chunk size, always a ladder entry.
func (m *Manager) ChunkSize() int {
	return m.ladder[m.rung]
}

// Adaptations returns how many times the chunk size has changed.
func (m *Manager) Adaptations() int {
	return m.adaptations
}

// Record feeds one send result into the moving window and adapts the chunk
// size if both hysteresis gates allow it. A failed send counts as a
// zero-throughput sample.
func (m *Manager) Record(bytes int64, duration time.Duration, ok bool) {
	if !ok {
		bytes = 0
	}
	m.window[m.next] = sample{bytes: bytes, duration: duration, ok: ok}
	m.next = (m.next + 1) % len(m.window)
	if m.samples < len(m.window) {
		m.samples++
	}
	m.packetsSinceChange++

	m.maybeAdapt()
}

func (m *Manager) maybeAdapt() {
	if m.packetsSinceChange < m.opts.MinPackets {
		return
	}
	if time.Since(m.lastChange) < m.opts.MinInterval {
		return
	}

	avg := m.averageThroughput()
	if avg <= 0 {
		return
	}

	// First gate pass only captures the baseline; adaptation needs a
	// baseline to compare against.
	if m.baseline == 0 {
		m.baseline = avg
		return
	}

	switch {
	case avg > m.baseline*(1+m.opts.GrowThreshold) && m.rung < len(m.ladder)-1:
		m.rung++
		m.changed(avg, "grow")
	case avg < m.baseline*(1-m.opts.ShrinkThreshold) && m.rung > 0:
		m.rung--
		m.changed(avg, "shrink")
	}
}

func (m *Manager) changed(avg float64, direction string) {
	m.baseline = avg
	m.packetsSinceChange = 0
	m.lastChange = time.Now()
	m.adaptations++

	slog.Debug("Chunk size adapted",
		"direction", direction,
		"chunk_size_kb", m.ChunkSize()/1024,
		"throughput_mbps", avg/(1024*1024),
		"adaptations", m.adaptations)
}

// averageThroughput computes bytes/sec over the sample window.
func (m *Manager) averageThroughput() float64 {
	var bytes int64
	var elapsed time.Duration
	for i := 0; i < m.samples; i++ {
		bytes += m.window[i].bytes
		elapsed += m.window[i].duration
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}

// TotalPackets returns ceil(size / current chunk size), or a validation
// error if the count does not fit the uint16 wire field. Overflow is a
// pre-flight failure, never a wraparound.
func TotalPackets(size int64, chunkSize int) (uint16, error) {
	if size < 0 {
		return 0, errors.NewValidationError("file_size", size, "size must not be negative")
	}
	packets := (size + int64(chunkSize) - 1) / int64(chunkSize)
	if packets == 0 {
		packets = 1
	}
	if packets > protocol.MaxPacketCount {
		return 0, errors.NewValidationError("packet_count", packets,
			fmt.Sprintf("file needs %d packets, wire field caps at %d; increase chunk size", packets, protocol.MaxPacketCount))
	}
	return uint16(packets), nil
}

// TotalPackets is the per-manager form of the package function, using the
// current chunk size.
func (m *Manager) TotalPackets(size int64) (uint16, error) {
	return TotalPackets(size, m.ChunkSize())
}

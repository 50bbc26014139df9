package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLadderConstruction(t *testing.T) {
	m, err := NewManager(Options{MinChunkSize: 1024, MaxChunkSize: 32 * 1024})
	require.NoError(t, err)

	assert.Equal(t, []int{1024, 2048, 4096, 8192, 16384, 32768}, m.ladder)
	assert.Equal(t, 1024, m.ChunkSize())
}

func TestLadderValidation(t *testing.T) {
	_, err := NewManager(Options{MinChunkSize: 1000})
	assert.Error(t, err)

	_, err = NewManager(Options{MinChunkSize: 4096, MaxChunkSize: 2048})
	assert.Error(t, err)

	_, err = NewManager(Options{ShrinkThreshold: 1.5})
	assert.Error(t, err)
}

func TestNoAdaptationBeforePacketGate(t *testing.T) {
	m, err := NewManager(Options{
		MinPackets:  8,
		MinInterval: time.Nanosecond,
	})
	require.NoError(t, err)

	// Seven fast samples: packet gate not satisfied yet.
	for i := 0; i < 7; i++ {
		m.Record(32*1024, time.Millisecond, true)
	}
	assert.Equal(t, 0, m.Adaptations())
	assert.Equal(t, 1024, m.ChunkSize())
}

func TestNoAdaptationBeforeTimeGate(t *testing.T) {
	m, err := NewManager(Options{
		MinPackets:  2,
		MinInterval: time.Hour,
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		m.Record(32*1024, time.Millisecond, true)
	}
	assert.Equal(t, 0, m.Adaptations())
	assert.Equal(t, 1024, m.ChunkSize())
}

func TestGrowsOnImprovedThroughput(t *testing.T) {
	m, err := NewManager(Options{
		MinPackets:  4,
		MinInterval: time.Nanosecond,
		WindowSize:  4,
	})
	require.NoError(t, err)

	// Establish the baseline at ~1 MB/s.
	for i := 0; i < 4; i++ {
		m.Record(1024, time.Millisecond, true)
	}
	require.Equal(t, 0, m.Adaptations())

	// Window now shows a much higher rate than the captured baseline.
	for i := 0; i < 8 && m.Adaptations() == 0; i++ {
		m.Record(64*1024, time.Millisecond, true)
	}
	assert.Equal(t, 1, m.Adaptations())
	assert.Equal(t, 2048, m.ChunkSize())
}

func TestShrinksOnDegradedThroughput(t *testing.T) {
	m, err := NewManager(Options{
		MinPackets:  4,
		MinInterval: time.Nanosecond,
		WindowSize:  4,
	})
	require.NoError(t, err)

	// Grow one rung first so there is room to shrink.
	for i := 0; i < 4; i++ {
		m.Record(1024, time.Millisecond, true)
	}
	for i := 0; i < 8 && m.Adaptations() == 0; i++ {
		m.Record(64*1024, time.Millisecond, true)
	}
	require.Equal(t, 2048, m.ChunkSize())

	// Collapse the window to a fraction of the new baseline.
	for i := 0; i < 8 && m.Adaptations() == 1; i++ {
		m.Record(512, time.Millisecond, true)
	}
	assert.Equal(t, 2, m.Adaptations())
	assert.Equal(t, 1024, m.ChunkSize())
}

func TestChunkSizeStaysOnLadder(t *testing.T) {
	m, err := NewManager(Options{
		MinChunkSize: 1024,
		MaxChunkSize: 8 * 1024,
		MinPackets:   2,
		MinInterval:  time.Nanosecond,
		WindowSize:   3,
	})
	require.NoError(t, err)

	onLadder := map[int]bool{1024: true, 2048: true, 4096: true, 8192: true}
	for i := 0; i < 500; i++ {
		// Erratic feedback must never push the size off the ladder.
		if i%3 == 0 {
			m.Record(256*1024, time.Millisecond, true)
		} else if i%3 == 1 {
			m.Record(128, 10*time.Millisecond, true)
		} else {
			m.Record(0, 5*time.Millisecond, false)
		}
		assert.True(t, onLadder[m.ChunkSize()], "chunk size %d not on ladder", m.ChunkSize())
	}
}

func TestFailedSendsCountAsZeroThroughput(t *testing.T) {
	m, err := NewManager(Options{
		MinPackets:  4,
		MinInterval: time.Nanosecond,
		WindowSize:  4,
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		m.Record(64*1024, time.Millisecond, true)
	}
	// All failures: average collapses, but size is already at the floor.
	for i := 0; i < 8; i++ {
		m.Record(64*1024, time.Millisecond, false)
	}
	assert.Equal(t, 1024, m.ChunkSize())
}

func TestTotalPackets(t *testing.T) {
	n, err := TotalPackets(10*1024, 1024)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), n)

	n, err = TotalPackets(10*1024+1, 1024)
	require.NoError(t, err)
	assert.Equal(t, uint16(11), n)

	// An empty payload still travels as one packet.
	n, err = TotalPackets(0, 1024)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), n)
}

func TestTotalPacketsCapIsValidationFailure(t *testing.T) {
	// 65536 packets needed: one past the wire field.
	_, err := TotalPackets(65536*1024, 1024)
	require.Error(t, err)

	// Exactly at the cap is fine.
	n, err := TotalPackets(65535*1024, 1024)
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), n)
}

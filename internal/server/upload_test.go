package server

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherbackup/internal/errors"
	"cipherbackup/internal/protocol"
)

func chunkPacket(filename string, index, count uint16, chunk []byte) *protocol.ChunkPayload {
	return &protocol.ChunkPayload{
		OrigFileSize: 100,
		PacketIndex:  index,
		PacketCount:  count,
		Filename:     filename,
		Chunk:        chunk,
	}
}

func TestIngestInOrder(t *testing.T) {
	tbl := NewUploadTable()
	id := protocol.ClientID{1}

	chunks := [][]byte{
		bytes.Repeat([]byte{'a'}, 32),
		bytes.Repeat([]byte{'b'}, 32),
		bytes.Repeat([]byte{'c'}, 7),
	}

	var total int
	for i, c := range chunks {
		assembled, origSize, done, err := tbl.Ingest(id, 1, chunkPacket("f.bin", uint16(i+1), 3, c))
		require.NoError(t, err)
		total += len(c)

		if i < len(chunks)-1 {
			assert.False(t, done)
			assert.Nil(t, assembled)
			assert.Equal(t, 1, tbl.Len())
		} else {
			assert.True(t, done)
			assert.Equal(t, uint32(100), origSize)
			// Assembled length is the sum of the ingested chunk lengths.
			assert.Len(t, assembled, total)
			assert.Equal(t, bytes.Join(chunks, nil), assembled)
			// Completed uploads leave the table immediately.
			assert.Equal(t, 0, tbl.Len())
		}
	}
}

func TestIngestSinglePacket(t *testing.T) {
	tbl := NewUploadTable()

	assembled, _, done, err := tbl.Ingest(protocol.ClientID{1}, 1, chunkPacket("f.bin", 1, 1, []byte("all of it")))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte("all of it"), assembled)
}

func TestIngestOutOfOrder(t *testing.T) {
	tbl := NewUploadTable()
	id := protocol.ClientID{1}

	_, _, _, err := tbl.Ingest(id, 1, chunkPacket("f.bin", 1, 3, []byte("one")))
	require.NoError(t, err)

	// Skipping packet 2 kills the upload.
	_, _, _, err = tbl.Ingest(id, 1, chunkPacket("f.bin", 3, 3, []byte("three")))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProtocol)
	assert.Equal(t, 0, tbl.Len())
}

func TestIngestWithoutPacketOne(t *testing.T) {
	tbl := NewUploadTable()

	_, _, _, err := tbl.Ingest(protocol.ClientID{1}, 1, chunkPacket("f.bin", 2, 3, []byte("two")))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProtocol)
}

func TestIngestDisagreeingTotals(t *testing.T) {
	tbl := NewUploadTable()
	id := protocol.ClientID{1}

	_, _, _, err := tbl.Ingest(id, 1, chunkPacket("f.bin", 1, 3, []byte("one")))
	require.NoError(t, err)

	pkt := chunkPacket("f.bin", 2, 4, []byte("two")) // count changed mid-flight
	_, _, _, err = tbl.Ingest(id, 1, pkt)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProtocol)
	assert.Equal(t, 0, tbl.Len())
}

func TestPacketOneRestartsTransfer(t *testing.T) {
	tbl := NewUploadTable()
	id := protocol.ClientID{1}

	_, _, _, err := tbl.Ingest(id, 1, chunkPacket("f.bin", 1, 2, []byte("stale")))
	require.NoError(t, err)

	// A checksum-mismatch retransmission starts over at packet 1; the
	// stale bytes must not leak into the new assembly.
	_, _, _, err = tbl.Ingest(id, 1, chunkPacket("f.bin", 1, 2, []byte("fresh-")))
	require.NoError(t, err)
	assembled, _, done, err := tbl.Ingest(id, 1, chunkPacket("f.bin", 2, 2, []byte("bytes")))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte("fresh-bytes"), assembled)
}

func TestIngestRejectsForeignOwner(t *testing.T) {
	tbl := NewUploadTable()
	id := protocol.ClientID{1}

	_, _, _, err := tbl.Ingest(id, 1, chunkPacket("f.bin", 1, 2, []byte("one")))
	require.NoError(t, err)

	// Same client identity on a second live connection.
	_, _, _, err = tbl.Ingest(id, 2, chunkPacket("f.bin", 1, 2, []byte("one")))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrServer)

	// The owning connection is unaffected.
	_, _, done, err := tbl.Ingest(id, 1, chunkPacket("f.bin", 2, 2, []byte("two")))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDistinctFilesDoNotConflict(t *testing.T) {
	tbl := NewUploadTable()
	id := protocol.ClientID{1}

	_, _, _, err := tbl.Ingest(id, 1, chunkPacket("a.bin", 1, 2, []byte("a1")))
	require.NoError(t, err)
	_, _, _, err = tbl.Ingest(id, 2, chunkPacket("b.bin", 1, 2, []byte("b1")))
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
}

func TestReleaseOwnerAllowsTakeover(t *testing.T) {
	tbl := NewUploadTable()
	id := protocol.ClientID{1}

	_, _, _, err := tbl.Ingest(id, 1, chunkPacket("f.bin", 1, 2, []byte("one")))
	require.NoError(t, err)

	// Connection 1 dies; a reconnect restarts the transfer from packet 1.
	tbl.ReleaseOwner(1)
	_, _, _, err = tbl.Ingest(id, 2, chunkPacket("f.bin", 1, 2, []byte("ONE")))
	require.NoError(t, err)
	assembled, _, done, err := tbl.Ingest(id, 2, chunkPacket("f.bin", 2, 2, []byte("TWO")))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte("ONETWO"), assembled)
}

func TestDrop(t *testing.T) {
	tbl := NewUploadTable()
	id := protocol.ClientID{1}

	_, _, _, err := tbl.Ingest(id, 1, chunkPacket("f.bin", 1, 2, []byte("one")))
	require.NoError(t, err)

	tbl.Drop(id, "f.bin")
	assert.Equal(t, 0, tbl.Len())
}

func TestRemoveStale(t *testing.T) {
	tbl := NewUploadTable()
	id := protocol.ClientID{1}

	_, _, _, err := tbl.Ingest(id, 1, chunkPacket("old.bin", 1, 2, []byte("x")))
	require.NoError(t, err)
	_, _, _, err = tbl.Ingest(id, 1, chunkPacket("new.bin", 1, 2, []byte("y")))
	require.NoError(t, err)

	tbl.mu.Lock()
	tbl.uploads[uploadKey{id: id, filename: "old.bin"}].lastActivity = time.Now().Add(-time.Hour)
	tbl.mu.Unlock()

	assert.Equal(t, 1, tbl.RemoveStale(2*time.Minute))
	assert.Equal(t, 1, tbl.Len())
}

package server

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cipherbackup/internal/errors"
	"cipherbackup/internal/protocol"
)

type uploadKey struct {
	id       protocol.ClientID
	filename string
}

// PartialUpload is the in-progress reassembly buffer for one file from one
// client. Packets apply in strictly increasing index order; the buffer is
// exclusively owned by the ingesting connection while that connection
// lives.
type PartialUpload struct {
	data         []byte // accumulated ciphertext
	origSize     uint32
	packetCount  uint16
	nextIndex    uint16
	owner        uint64 // connection id, 0 when unowned
	lastActivity time.Time
}

// UploadTable is the shared (client, filename) -> PartialUpload map. Like
// the session registry, every mutation happens under the table lock and
// the lock is released before any network I/O.
type UploadTable struct {
	mu      sync.Mutex
	uploads map[uploadKey]*PartialUpload
}

// NewUploadTable creates an empty upload table.
func NewUploadTable() *UploadTable {
	return &UploadTable{uploads: make(map[uploadKey]*PartialUpload)}
}

// Ingest applies one chunk packet for the given connection. Packet 1
// creates (or, for a retransmission by the same owner, resets) the upload;
// any other index must equal the expected next index. When the final
// packet lands, the assembled ciphertext is returned and the upload is
// destroyed.
//
// A key owned by a different live connection is rejected so a client
// reconnecting mid-transfer cannot corrupt the buffer.
func (t *UploadTable) Ingest(id protocol.ClientID, conn uint64, pkt *protocol.ChunkPayload) (assembled []byte, origSize uint32, done bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := uploadKey{id: id, filename: pkt.Filename}
	up, exists := t.uploads[key]

	if exists && up.owner != 0 && up.owner != conn {
		return nil, 0, false, errors.NewServerError("ingest_chunk",
			fmt.Sprintf("transfer of %q already in progress on another connection", pkt.Filename))
	}

	if pkt.PacketIndex == 1 {
		// Fresh transfer or full retransmission after a checksum
		// mismatch; either way the buffer starts over.
		up = &PartialUpload{
			origSize:    pkt.OrigFileSize,
			packetCount: pkt.PacketCount,
			nextIndex:   1,
			owner:       conn,
		}
		t.uploads[key] = up
	} else if !exists {
		return nil, 0, false, errors.NewProtocolError("ingest_chunk",
			fmt.Sprintf("packet %d for %q without a packet 1", pkt.PacketIndex, pkt.Filename), nil)
	}

	if pkt.PacketIndex != up.nextIndex {
		delete(t.uploads, key)
		return nil, 0, false, errors.NewProtocolError("ingest_chunk",
			fmt.Sprintf("out-of-order packet %d for %q, expected %d", pkt.PacketIndex, pkt.Filename, up.nextIndex), nil)
	}
	if pkt.PacketCount != up.packetCount || pkt.OrigFileSize != up.origSize {
		delete(t.uploads, key)
		return nil, 0, false, errors.NewProtocolError("ingest_chunk",
			fmt.Sprintf("packet %d for %q disagrees with the declared totals", pkt.PacketIndex, pkt.Filename), nil)
	}

	up.data = append(up.data, pkt.Chunk...)
	up.nextIndex++
	up.owner = conn
	up.lastActivity = time.Now()

	if pkt.PacketIndex == up.packetCount {
		delete(t.uploads, key)
		return up.data, up.origSize, true, nil
	}
	return nil, 0, false, nil
}

// Drop destroys an upload on explicit abort or retry.
func (t *UploadTable) Drop(id protocol.ClientID, filename string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.uploads, uploadKey{id: id, filename: filename})
}

// ReleaseOwner releases ownership of every upload held by a closing
// connection. The buffers stay for the staleness sweep; a reconnecting
// client restarting at packet 1 takes them over.
func (t *UploadTable) ReleaseOwner(conn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, up := range t.uploads {
		if up.owner == conn {
			up.owner = 0
		}
	}
}

// Len returns the number of in-progress uploads.
func (t *UploadTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.uploads)
}

// RemoveStale drops uploads with no activity inside the staleness window,
// bounding memory held for dead transfers.
func (t *UploadTable) RemoveStale(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for key, up := range t.uploads {
		if up.lastActivity.Before(cutoff) {
			delete(t.uploads, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Dropped stale partial uploads", "removed", removed, "remaining", len(t.uploads))
	}
	return removed
}

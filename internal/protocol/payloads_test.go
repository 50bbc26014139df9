package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cberrors "cipherbackup/internal/errors"
)

func TestChunkPayloadRoundTrip(t *testing.T) {
	pkt := &ChunkPayload{
		OrigFileSize: 10240,
		PacketIndex:  3,
		PacketCount:  10,
		Filename:     "notes.txt",
		Chunk:        []byte("encrypted chunk bytes"),
	}

	wire, err := pkt.Encode()
	require.NoError(t, err)
	assert.Len(t, wire, ChunkHeaderSize+len(pkt.Chunk))

	got, err := DecodeChunkPayload(wire)
	require.NoError(t, err)
	assert.Equal(t, pkt.OrigFileSize, got.OrigFileSize)
	assert.Equal(t, pkt.PacketIndex, got.PacketIndex)
	assert.Equal(t, pkt.PacketCount, got.PacketCount)
	assert.Equal(t, pkt.Filename, got.Filename)
	assert.Equal(t, pkt.Chunk, got.Chunk)
}

func TestChunkPayloadLengthMismatch(t *testing.T) {
	pkt := &ChunkPayload{
		OrigFileSize: 100,
		PacketIndex:  1,
		PacketCount:  1,
		Filename:     "f.bin",
		Chunk:        []byte("0123456789"),
	}
	wire, err := pkt.Encode()
	require.NoError(t, err)

	// Declared chunk length no longer matches the bytes present.
	_, err = DecodeChunkPayload(wire[:len(wire)-1])
	require.Error(t, err)
	assert.ErrorIs(t, err, cberrors.ErrProtocol)
}

func TestChunkPayloadRejectsZeroIndex(t *testing.T) {
	pkt := &ChunkPayload{PacketIndex: 0, PacketCount: 5, Filename: "f"}
	_, err := pkt.Encode()
	assert.Error(t, err)

	pkt = &ChunkPayload{PacketIndex: 6, PacketCount: 5, Filename: "f"}
	_, err = pkt.Encode()
	assert.Error(t, err)
}

func TestKeyExchangePayloadRoundTrip(t *testing.T) {
	key := make([]byte, PublicKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	p := &KeyExchangePayload{Name: "alice", PublicKey: key}

	wire, err := p.Encode()
	require.NoError(t, err)
	require.Len(t, wire, MaxNameLen+PublicKeySize)

	got, err := DecodeKeyExchangePayload(wire)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, key, got.PublicKey)
}

func TestKeyExchangePayloadRejectsShortKey(t *testing.T) {
	p := &KeyExchangePayload{Name: "alice", PublicKey: []byte("too short")}
	_, err := p.Encode()
	assert.Error(t, err)
}

func TestKeySentPayloadRoundTrip(t *testing.T) {
	var id ClientID
	id[0] = 0x42
	p := &KeySentPayload{ClientID: id, WrappedKey: []byte("wrapped session key material")}

	got, err := DecodeKeySentPayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, id, got.ClientID)
	assert.Equal(t, p.WrappedKey, got.WrappedKey)
}

func TestChecksumPayloadRoundTrip(t *testing.T) {
	p := &ChecksumPayload{Filename: "notes.txt", Checksum: 0xDEADBEEF}

	wire, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodeChecksumPayload(wire)
	require.NoError(t, err)
	assert.Equal(t, p.Filename, got.Filename)
	assert.Equal(t, p.Checksum, got.Checksum)
}

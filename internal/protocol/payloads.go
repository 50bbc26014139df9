package protocol

import (
	"encoding/binary"
	"fmt"

	"cipherbackup/internal/errors"
)

// ChunkPayload is the payload of a CodeSendFileChunk request:
// enc_chunk_len[4] orig_file_len[4] packet_index[2] packet_count[2]
// filename[255, zero-padded] chunk[enc_chunk_len], all integers
// little-endian. Packet indices are 1-based.
type ChunkPayload struct {
	OrigFileSize uint32
	PacketIndex  uint16
	PacketCount  uint16
	Filename     string
	Chunk        []byte
}

// Encode serializes the chunk payload into wire format.
func (p *ChunkPayload) Encode() ([]byte, error) {
	nameField, err := EncodeName(p.Filename)
	if err != nil {
		return nil, err
	}
	if p.PacketIndex == 0 || p.PacketIndex > p.PacketCount {
		return nil, errors.NewValidationError("packet_index", p.PacketIndex,
			fmt.Sprintf("index must be in 1..%d", p.PacketCount))
	}

	buf := make([]byte, ChunkHeaderSize+len(p.Chunk))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(p.Chunk)))
	binary.LittleEndian.PutUint32(buf[4:], p.OrigFileSize)
	binary.LittleEndian.PutUint16(buf[8:], p.PacketIndex)
	binary.LittleEndian.PutUint16(buf[10:], p.PacketCount)
	copy(buf[12:12+MaxNameLen], nameField)
	copy(buf[ChunkHeaderSize:], p.Chunk)
	return buf, nil
}

// DecodeChunkPayload parses a CodeSendFileChunk payload. The declared chunk
// length must match the bytes actually present.
func DecodeChunkPayload(payload []byte) (*ChunkPayload, error) {
	if len(payload) < ChunkHeaderSize {
		return nil, errors.NewProtocolError("decode_chunk",
			fmt.Sprintf("chunk payload is %d bytes, need at least %d", len(payload), ChunkHeaderSize), nil)
	}

	chunkLen := binary.LittleEndian.Uint32(payload[0:])
	if int(chunkLen) != len(payload)-ChunkHeaderSize {
		return nil, errors.NewProtocolError("decode_chunk",
			fmt.Sprintf("declared chunk length %d does not match %d payload bytes",
				chunkLen, len(payload)-ChunkHeaderSize), nil)
	}

	name, err := DecodeName(payload[12 : 12+MaxNameLen])
	if err != nil {
		return nil, err
	}

	p := &ChunkPayload{
		OrigFileSize: binary.LittleEndian.Uint32(payload[4:]),
		PacketIndex:  binary.LittleEndian.Uint16(payload[8:]),
		PacketCount:  binary.LittleEndian.Uint16(payload[10:]),
		Filename:     name,
		Chunk:        payload[ChunkHeaderSize:],
	}
	if p.PacketIndex == 0 || p.PacketIndex > p.PacketCount {
		return nil, errors.NewProtocolError("decode_chunk",
			fmt.Sprintf("packet index %d out of range 1..%d", p.PacketIndex, p.PacketCount), nil)
	}
	return p, nil
}

// KeyExchangePayload is the payload of a CodeSendPublicKey request:
// name[255, zero-padded] public_key[160].
type KeyExchangePayload struct {
	Name      string
	PublicKey []byte
}

func (p *KeyExchangePayload) Encode() ([]byte, error) {
	nameField, err := EncodeName(p.Name)
	if err != nil {
		return nil, err
	}
	if len(p.PublicKey) != PublicKeySize {
		return nil, errors.NewValidationError("public_key", len(p.PublicKey),
			fmt.Sprintf("public key must be exactly %d bytes", PublicKeySize))
	}

	buf := make([]byte, MaxNameLen+PublicKeySize)
	copy(buf, nameField)
	copy(buf[MaxNameLen:], p.PublicKey)
	return buf, nil
}

func DecodeKeyExchangePayload(payload []byte) (*KeyExchangePayload, error) {
	if len(payload) != MaxNameLen+PublicKeySize {
		return nil, errors.NewProtocolError("decode_key_exchange",
			fmt.Sprintf("payload is %d bytes, want %d", len(payload), MaxNameLen+PublicKeySize), nil)
	}
	name, err := DecodeName(payload[:MaxNameLen])
	if err != nil {
		return nil, err
	}
	return &KeyExchangePayload{Name: name, PublicKey: payload[MaxNameLen:]}, nil
}

// KeySentPayload is the payload of CodeKeySent and CodeReconnectKeySent
// responses: client_id[16] followed by the OAEP-wrapped session key.
type KeySentPayload struct {
	ClientID   ClientID
	WrappedKey []byte
}

func (p *KeySentPayload) Encode() []byte {
	buf := make([]byte, ClientIDSize+len(p.WrappedKey))
	copy(buf, p.ClientID[:])
	copy(buf[ClientIDSize:], p.WrappedKey)
	return buf
}

func DecodeKeySentPayload(payload []byte) (*KeySentPayload, error) {
	if len(payload) <= ClientIDSize {
		return nil, errors.NewProtocolError("decode_key_sent",
			fmt.Sprintf("payload is %d bytes, need more than %d", len(payload), ClientIDSize), nil)
	}
	p := &KeySentPayload{WrappedKey: payload[ClientIDSize:]}
	copy(p.ClientID[:], payload[:ClientIDSize])
	return p, nil
}

// ChecksumPayload is the payload of a CodeFileChecksum response:
// filename[255, zero-padded] checksum[4].
type ChecksumPayload struct {
	Filename string
	Checksum uint32
}

func (p *ChecksumPayload) Encode() ([]byte, error) {
	nameField, err := EncodeName(p.Filename)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, MaxNameLen+ChecksumSize)
	copy(buf, nameField)
	binary.LittleEndian.PutUint32(buf[MaxNameLen:], p.Checksum)
	return buf, nil
}

func DecodeChecksumPayload(payload []byte) (*ChecksumPayload, error) {
	if len(payload) != MaxNameLen+ChecksumSize {
		return nil, errors.NewProtocolError("decode_checksum",
			fmt.Sprintf("payload is %d bytes, want %d", len(payload), MaxNameLen+ChecksumSize), nil)
	}
	name, err := DecodeName(payload[:MaxNameLen])
	if err != nil {
		return nil, err
	}
	return &ChecksumPayload{
		Filename: name,
		Checksum: binary.LittleEndian.Uint32(payload[MaxNameLen:]),
	}, nil
}

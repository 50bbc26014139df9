package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"cipherbackup/internal/errors"
)

// Protocol version carried in every header
const (
	Version = 1
)

// Request codes (client to server)
const (
	CodeRegister      uint16 = 1025
	CodeSendPublicKey uint16 = 1026
	CodeReconnect     uint16 = 1027
	CodeSendFileChunk uint16 = 1028
	CodeCRCOK         uint16 = 1029
	CodeCRCRetry      uint16 = 1030
	CodeCRCAbort      uint16 = 1031
)

// Response codes (server to client)
const (
	CodeRegisterOK       uint16 = 1600
	CodeRegisterFail     uint16 = 1601
	CodeKeySent          uint16 = 1602
	CodeFileChecksum     uint16 = 1603
	CodeAck              uint16 = 1604
	CodeReconnectKeySent uint16 = 1605
	CodeReconnectFail    uint16 = 1606
	CodeGenericError     uint16 = 1607
)

// Wire size constants
const (
	ClientIDSize     = 16
	MaxNameLen       = 255
	PublicKeySize    = 160
	SymmetricKeySize = 32
	ChecksumSize     = 4

	RequestHeaderSize  = ClientIDSize + 1 + 2 + 4 // 23 bytes
	ResponseHeaderSize = 1 + 2 + 4                // 7 bytes

	// Fixed prefix of a file-chunk payload before the chunk bytes
	ChunkHeaderSize = 4 + 4 + 2 + 2 + MaxNameLen

	// Packet count travels in a uint16; files needing more packets are
	// rejected before transfer starts.
	MaxPacketCount = 65535

	// Upper bound on a declared payload so a hostile header cannot force
	// an arbitrarily large allocation.
	MaxPayloadSize = 4 * 1024 * 1024
)

// ClientID is the 16-byte opaque client identifier carried in every
// request header. The zero value is used before registration.
type ClientID [ClientIDSize]byte

// RequestHeader is the fixed 23-byte little-endian request header.
type RequestHeader struct {
	ClientID    ClientID
	Version     byte
	Code        uint16
	PayloadSize uint32
}

// ResponseHeader is the fixed 7-byte little-endian response header.
type ResponseHeader struct {
	Version     byte
	Code        uint16
	PayloadSize uint32
}

// WriteRequest encodes and writes one request frame.
func WriteRequest(w io.Writer, id ClientID, code uint16, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return errors.NewValidationError("payload_size", len(payload), "payload exceeds protocol maximum")
	}

	buf := make([]byte, RequestHeaderSize+len(payload))
	copy(buf[0:ClientIDSize], id[:])
	buf[ClientIDSize] = Version
	binary.LittleEndian.PutUint16(buf[ClientIDSize+1:], code)
	binary.LittleEndian.PutUint32(buf[ClientIDSize+3:], uint32(len(payload)))
	copy(buf[RequestHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return errors.NewNetworkError("write_request", "", err)
	}
	return nil
}

// ReadRequest reads exactly one request frame. The payload read either
// completes the declared length or the frame is malformed; a short stream
// is fatal to the connection, not retryable.
func ReadRequest(r io.Reader) (RequestHeader, []byte, error) {
	var hdr RequestHeader

	raw := make([]byte, RequestHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		if err == io.EOF {
			return hdr, nil, io.EOF
		}
		return hdr, nil, errors.NewProtocolError("read_request", "malformed header: short read", err)
	}

	copy(hdr.ClientID[:], raw[0:ClientIDSize])
	hdr.Version = raw[ClientIDSize]
	hdr.Code = binary.LittleEndian.Uint16(raw[ClientIDSize+1:])
	hdr.PayloadSize = binary.LittleEndian.Uint32(raw[ClientIDSize+3:])

	if hdr.Version != Version {
		return hdr, nil, errors.NewProtocolError("read_request",
			fmt.Sprintf("protocol version mismatch: got %d, want %d", hdr.Version, Version), nil)
	}
	if hdr.PayloadSize > MaxPayloadSize {
		return hdr, nil, errors.NewProtocolError("read_request",
			fmt.Sprintf("declared payload size %d exceeds maximum", hdr.PayloadSize), nil)
	}

	payload := make([]byte, hdr.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hdr, nil, errors.NewProtocolError("read_request", "malformed frame: stream closed before declared payload length", err)
	}
	return hdr, payload, nil
}

// WriteResponse encodes and writes one response frame.
func WriteResponse(w io.Writer, code uint16, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return errors.NewValidationError("payload_size", len(payload), "payload exceeds protocol maximum")
	}

	buf := make([]byte, ResponseHeaderSize+len(payload))
	buf[0] = Version
	binary.LittleEndian.PutUint16(buf[1:], code)
	binary.LittleEndian.PutUint32(buf[3:], uint32(len(payload)))
	copy(buf[ResponseHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return errors.NewNetworkError("write_response", "", err)
	}
	return nil
}

// ReadResponse reads exactly one response frame.
func ReadResponse(r io.Reader) (ResponseHeader, []byte, error) {
	var hdr ResponseHeader

	raw := make([]byte, ResponseHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return hdr, nil, errors.NewNetworkError("read_response", "", err)
	}

	hdr.Version = raw[0]
	hdr.Code = binary.LittleEndian.Uint16(raw[1:])
	hdr.PayloadSize = binary.LittleEndian.Uint32(raw[3:])

	if hdr.Version != Version {
		return hdr, nil, errors.NewProtocolError("read_response",
			fmt.Sprintf("protocol version mismatch: got %d, want %d", hdr.Version, Version), nil)
	}
	if hdr.PayloadSize > MaxPayloadSize {
		return hdr, nil, errors.NewProtocolError("read_response",
			fmt.Sprintf("declared payload size %d exceeds maximum", hdr.PayloadSize), nil)
	}

	payload := make([]byte, hdr.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hdr, nil, errors.NewProtocolError("read_response", "malformed frame: stream closed before declared payload length", err)
	}
	return hdr, payload, nil
}

// ValidateName checks a client name against the protocol constraints:
// non-empty, at most MaxNameLen bytes, valid printable UTF-8, no NUL.
func ValidateName(name string) error {
	if name == "" {
		return errors.NewValidationError("name", name, "name must not be empty")
	}
	if len(name) > MaxNameLen {
		return errors.NewValidationError("name", name, "name exceeds 255 bytes")
	}
	if !utf8.ValidString(name) {
		return errors.NewValidationError("name", name, "name is not valid UTF-8")
	}
	if strings.ContainsRune(name, 0) {
		return errors.NewValidationError("name", name, "name contains NUL byte")
	}
	return nil
}

// EncodeName packs a name into the fixed 255-byte zero-padded wire field.
func EncodeName(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	field := make([]byte, MaxNameLen)
	copy(field, name)
	return field, nil
}

// DecodeName unpacks a fixed 255-byte name field, trimming the zero padding.
func DecodeName(field []byte) (string, error) {
	if len(field) != MaxNameLen {
		return "", errors.NewProtocolError("decode_name",
			fmt.Sprintf("name field is %d bytes, want %d", len(field), MaxNameLen), nil)
	}
	name := field
	if i := indexZero(field); i >= 0 {
		name = field[:i]
	}
	s := string(name)
	if err := ValidateName(s); err != nil {
		return "", err
	}
	return s, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

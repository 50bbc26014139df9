package errors

import (
	"errors"
	"fmt"
)

// Error kinds for the different categories of failures. Callers classify
// with errors.Is against these sentinels.
var (
	ErrNetwork        = errors.New("network error")
	ErrProtocol       = errors.New("protocol error")
	ErrCrypto         = errors.New("crypto error")
	ErrIntegrity      = errors.New("integrity error")
	ErrAuthentication = errors.New("authentication error")
	ErrServer         = errors.New("server error")
	ErrFileSystem     = errors.New("file system error")
	ErrValidation     = errors.New("validation error")
)

// NetworkError represents connect/read/write failures. These are the only
// errors the client retries at file/reconnect level.
type NetworkError struct {
	Op   string
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("network error during %s to %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// ProtocolError represents malformed frames, version mismatches and
// out-of-order packets. Fatal to the connection, never retried blindly.
type ProtocolError struct {
	Op      string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error during %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// CryptoError represents key generation, wrapping and decryption failures.
// Fatal to the attempt.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto error during %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

func (e *CryptoError) Is(target error) bool {
	return target == ErrCrypto
}

// IntegrityError is a checksum mismatch that survived all retries.
type IntegrityError struct {
	Filename string
	Expected uint32
	Actual   uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error for %s: checksum %08x, expected %08x",
		e.Filename, e.Actual, e.Expected)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// AuthenticationError covers duplicate names and unknown identities on
// reconnect. Triggers fallback to fresh registration, not fatal.
type AuthenticationError struct {
	Op      string
	Name    string
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error during %s for %q: %s", e.Op, e.Name, e.Message)
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

// ServerError is a generic server-side failure surfaced to the client.
// File-level retry applies.
type ServerError struct {
	Op      string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error during %s: %s", e.Op, e.Message)
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServer
}

// FileSystemError represents local file system failures.
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("file system error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error {
	return e.Err
}

func (e *FileSystemError) Is(target error) bool {
	return target == ErrFileSystem
}

// ValidationError represents configuration and pre-flight validation errors.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s='%v': %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Helper functions for creating errors

func NewNetworkError(op, addr string, err error) error {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

func NewProtocolError(op, message string, err error) error {
	return &ProtocolError{Op: op, Message: message, Err: err}
}

func NewCryptoError(op string, err error) error {
	return &CryptoError{Op: op, Err: err}
}

func NewIntegrityError(filename string, expected, actual uint32) error {
	return &IntegrityError{Filename: filename, Expected: expected, Actual: actual}
}

func NewAuthenticationError(op, name, message string) error {
	return &AuthenticationError{Op: op, Name: name, Message: message}
}

func NewServerError(op, message string) error {
	return &ServerError{Op: op, Message: message}
}

func NewFileSystemError(op, path string, err error) error {
	return &FileSystemError{Op: op, Path: path, Err: err}
}

func NewValidationError(field string, value interface{}, message string) error {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Kind returns the short taxonomy name for an error, for user-visible
// reporting. Unknown errors report as "unknown".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrCrypto):
		return "crypto"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrServer):
		return "server"
	case errors.Is(err, ErrFileSystem):
		return "filesystem"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "unknown"
	}
}

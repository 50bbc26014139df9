package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"cipherbackup/internal/errors"
	"cipherbackup/internal/protocol"
)

// RSA-1024 keeps the PKCS#1 DER encoding under the fixed 160-byte wire
// field. The key size is a protocol contract, not a tunable.
const rsaKeyBits = 1024

// GenerateKeyPair generates a fresh RSA key pair for registration.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, errors.NewCryptoError("generate_key_pair", err)
	}
	return key, nil
}

// MarshalPublicKey serializes a public key to the fixed 160-byte wire
// form: PKCS#1 DER, right-padded with zero bytes. An encoding longer than
// the field is truncated from the end, preserving the wire contract.
func MarshalPublicKey(pub *rsa.PublicKey) []byte {
	der := x509.MarshalPKCS1PublicKey(pub)
	wire := make([]byte, protocol.PublicKeySize)
	copy(wire, der)
	return wire
}

// UnmarshalPublicKey parses a fixed-length public key field, using the DER
// outer length to strip the zero padding.
func UnmarshalPublicKey(wire []byte) (*rsa.PublicKey, error) {
	if len(wire) != protocol.PublicKeySize {
		return nil, errors.NewCryptoError("unmarshal_public_key",
			fmt.Errorf("public key field is %d bytes, want %d", len(wire), protocol.PublicKeySize))
	}

	n, err := derEncodedLength(wire)
	if err != nil {
		return nil, errors.NewCryptoError("unmarshal_public_key", err)
	}

	pub, err := x509.ParsePKCS1PublicKey(wire[:n])
	if err != nil {
		return nil, errors.NewCryptoError("unmarshal_public_key", err)
	}
	return pub, nil
}

// derEncodedLength returns the total byte length of the DER SEQUENCE at the
// start of b, so trailing zero padding can be discarded deterministically.
func derEncodedLength(b []byte) (int, error) {
	if len(b) < 2 || b[0] != 0x30 {
		return 0, fmt.Errorf("not a DER sequence")
	}
	switch l := b[1]; {
	case l < 0x80:
		return 2 + int(l), nil
	case l == 0x81:
		if len(b) < 3 {
			return 0, fmt.Errorf("truncated DER length")
		}
		return 3 + int(b[2]), nil
	case l == 0x82:
		if len(b) < 4 {
			return 0, fmt.Errorf("truncated DER length")
		}
		n := 4 + int(b[2])<<8 + int(b[3])
		if n > len(b) {
			return 0, fmt.Errorf("DER length %d exceeds field", n)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported DER length form 0x%02x", b[1])
	}
}

// NewSessionKey generates a fresh 32-byte symmetric session key. The server
// calls this on every key exchange; keys are never reused across sessions.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, protocol.SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.NewCryptoError("new_session_key", err)
	}
	return key, nil
}

// WrapSessionKey encrypts a session key under the client's public key using
// RSA-OAEP with SHA-256.
func WrapSessionKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	if len(key) != protocol.SymmetricKeySize {
		return nil, errors.NewCryptoError("wrap_session_key",
			fmt.Errorf("session key is %d bytes, want %d", len(key), protocol.SymmetricKeySize))
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, errors.NewCryptoError("wrap_session_key", err)
	}
	return wrapped, nil
}

// UnwrapSessionKey decrypts a wrapped session key with the client's private
// key and rejects any result that is not exactly 32 bytes.
func UnwrapSessionKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, errors.NewCryptoError("unwrap_session_key", err)
	}
	if len(key) != protocol.SymmetricKeySize {
		return nil, errors.NewCryptoError("unwrap_session_key",
			fmt.Errorf("decrypted session key is %d bytes, want %d", len(key), protocol.SymmetricKeySize))
	}
	return key, nil
}

// MarshalPrivateKey serializes a private key for the identity file.
func MarshalPrivateKey(priv *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(priv)
}

// ParsePrivateKey parses a private key stored in the identity file.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, errors.NewCryptoError("parse_private_key", err)
	}
	return priv, nil
}

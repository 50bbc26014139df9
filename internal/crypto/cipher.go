package crypto

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"cipherbackup/internal/errors"
	"cipherbackup/internal/protocol"
)

// Cipher encrypts and decrypts whole file contents under one 32-byte
// session key.
//
// Legacy mode is AES-256-CBC with PKCS#7 padding and an all-zero IV, for
// wire compatibility with the original protocol. The zero IV leaks
// equal-plaintext-prefix information when a key is reused across messages;
// it is kept only behind the legacy flag. Modern mode is
// XChaCha20-Poly1305 with a random nonce carried in front of the
// ciphertext.
type Cipher struct {
	key    []byte
	legacy bool
}

// NewCipher creates a cipher for the given session key.
func NewCipher(key []byte, legacy bool) (*Cipher, error) {
	if len(key) != protocol.SymmetricKeySize {
		return nil, errors.NewCryptoError("new_cipher",
			fmt.Errorf("session key is %d bytes, want %d", len(key), protocol.SymmetricKeySize))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Cipher{key: k, legacy: legacy}, nil
}

// Encrypt encrypts a full plaintext.
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	if c.legacy {
		return c.encryptCBC(plain)
	}
	return c.encryptAEAD(plain)
}

// Decrypt decrypts a full ciphertext.
func (c *Cipher) Decrypt(ct []byte) ([]byte, error) {
	if c.legacy {
		return c.decryptCBC(ct)
	}
	return c.decryptAEAD(ct)
}

func (c *Cipher) encryptCBC(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errors.NewCryptoError("encrypt", err)
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	iv := make([]byte, aes.BlockSize) // zero IV, protocol contract
	stdcipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func (c *Cipher) decryptCBC(ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errors.NewCryptoError("decrypt", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errors.NewCryptoError("decrypt",
			fmt.Errorf("ciphertext length %d is not a positive multiple of the block size", len(ct)))
	}

	out := make([]byte, len(ct))
	iv := make([]byte, aes.BlockSize)
	stdcipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	return pkcs7Unpad(out, aes.BlockSize)
}

func (c *Cipher) encryptAEAD(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, errors.NewCryptoError("encrypt", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.NewCryptoError("encrypt", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *Cipher) decryptAEAD(ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, errors.NewCryptoError("decrypt", err)
	}
	if len(ct) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.NewCryptoError("decrypt",
			fmt.Errorf("ciphertext length %d is too short", len(ct)))
	}

	nonce, sealed := ct[:aead.NonceSize()], ct[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.NewCryptoError("decrypt", err)
	}
	return plain, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.NewCryptoError("unpad",
			fmt.Errorf("padded length %d is not a positive multiple of %d", len(data), blockSize))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, errors.NewCryptoError("unpad", fmt.Errorf("invalid padding byte %d", pad))
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.NewCryptoError("unpad", fmt.Errorf("inconsistent padding"))
		}
	}
	return data[:len(data)-pad], nil
}

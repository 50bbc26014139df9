package identity

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"cipherbackup/internal/config"
	"cipherbackup/internal/crypto"
	"cipherbackup/internal/errors"
	"cipherbackup/internal/protocol"
)

// Identity is the client's persisted registration material: the name it
// registered under, the server-assigned 16-byte identifier, and the RSA
// private key whose public half the server holds. Its presence on disk is
// what makes the client attempt reconnection instead of registration.
type Identity struct {
	Name       string    `json:"name"`
	ClientID   string    `json:"client_id"`   // hex
	PrivateKey string    `json:"private_key"` // base64 PKCS#1 DER
	SavedAt    time.Time `json:"saved_at"`
	Version    int       `json:"version"`
}

// New builds an identity record from live key material.
func New(name string, id protocol.ClientID, priv *rsa.PrivateKey) *Identity {
	return &Identity{
		Name:       name,
		ClientID:   hex.EncodeToString(id[:]),
		PrivateKey: base64.StdEncoding.EncodeToString(crypto.MarshalPrivateKey(priv)),
		Version:    1,
	}
}

// ID decodes the stored client identifier.
func (id *Identity) ID() (protocol.ClientID, error) {
	var out protocol.ClientID
	raw, err := hex.DecodeString(id.ClientID)
	if err != nil || len(raw) != protocol.ClientIDSize {
		return out, errors.NewValidationError("client_id", id.ClientID, "stored identifier is not 16 hex-encoded bytes")
	}
	copy(out[:], raw)
	return out, nil
}

// Key decodes the stored private key.
func (id *Identity) Key() (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(id.PrivateKey)
	if err != nil {
		return nil, errors.NewValidationError("private_key", "", "stored key is not valid base64")
	}
	return crypto.ParsePrivateKey(der)
}

// Save writes the identity file. The key material is secret, hence 0600.
func Save(id *Identity, path string) error {
	id.SavedAt = time.Now()
	id.Version = 1

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return errors.NewFileSystemError("marshal_identity", path, err)
	}

	if err := os.WriteFile(path, data, config.IdentityPerms); err != nil {
		return errors.NewFileSystemError("write_identity", path, err)
	}
	return nil
}

// Load reads the identity file. A missing file still satisfies
// errors.Is(err, fs.ErrNotExist); callers treat it as "register fresh".
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewFileSystemError("read_identity", path, err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, errors.NewFileSystemError("unmarshal_identity", path, err)
	}
	if id.Version == 0 {
		id.Version = 1
	}
	return &id, nil
}

// Remove deletes a stored identity, forcing fresh registration next run.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewFileSystemError("remove_identity", path, err)
	}
	return nil
}

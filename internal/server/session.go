package server

import (
	"crypto/rsa"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cipherbackup/internal/errors"
	"cipherbackup/internal/protocol"
)

// SessionState tracks how far a client has progressed.
type SessionState int

const (
	StateRegistered SessionState = iota
	StateKeyExchanged
	StateTransferring
)

// ClientSession binds a client identifier to its name, public key and
// current symmetric session key. The identifier is immutable once
// assigned and stable across reconnects; the session key is regenerated
// on every key exchange.
type ClientSession struct {
	ID         protocol.ClientID
	Name       string
	PublicKey  *rsa.PublicKey
	SessionKey []byte // nil until exchanged
	LastSeen   time.Time
	State      SessionState
}

// Registry is the shared identifier -> session map. All mutating access
// goes through lock-guarded methods; the lock is never held across
// network I/O, so one slow client cannot stall the others. Lookups return
// copies, never the internal record.
type Registry struct {
	mu     sync.RWMutex
	byID   map[protocol.ClientID]*ClientSession
	byName map[string]protocol.ClientID
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[protocol.ClientID]*ClientSession),
		byName: make(map[string]protocol.ClientID),
	}
}

// Register allocates a session for a new name. Duplicate names are
// rejected; each name maps to exactly one identifier.
func (r *Registry) Register(name string) (protocol.ClientID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[name]; taken {
		return protocol.ClientID{}, errors.NewAuthenticationError("register", name, "name already registered")
	}

	// uuid.New is effectively collision-free; the loop handles the
	// astronomical case by regenerating rather than overwriting.
	var id protocol.ClientID
	for {
		id = protocol.ClientID(uuid.New())
		if _, exists := r.byID[id]; !exists {
			break
		}
	}

	r.byID[id] = &ClientSession{
		ID:       id,
		Name:     name,
		LastSeen: time.Now(),
		State:    StateRegistered,
	}
	r.byName[name] = id
	return id, nil
}

// Lookup returns a copy of the session, if present.
func (r *Registry) Lookup(id protocol.ClientID) (ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	if !ok {
		return ClientSession{}, false
	}
	return *s, true
}

// SetKeys stores the client's public key and a fresh session key after a
// registration-path key exchange.
func (r *Registry) SetKeys(id protocol.ClientID, pub *rsa.PublicKey, sessionKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return errors.NewAuthenticationError("set_keys", "", "unknown client identifier")
	}
	s.PublicKey = pub
	s.SessionKey = sessionKey
	s.State = StateKeyExchanged
	s.LastSeen = time.Now()
	return nil
}

// SetSessionKey replaces the session key after a reconnect-path key
// exchange, keeping the stored public key.
func (r *Registry) SetSessionKey(id protocol.ClientID, sessionKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return errors.NewAuthenticationError("set_session_key", "", "unknown client identifier")
	}
	s.SessionKey = sessionKey
	s.State = StateKeyExchanged
	s.LastSeen = time.Now()
	return nil
}

// MarkTransferring records that file chunks are flowing on this session.
func (r *Registry) MarkTransferring(id protocol.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byID[id]; ok {
		s.State = StateTransferring
		s.LastSeen = time.Now()
	}
}

// Touch updates the last-seen timestamp.
func (r *Registry) Touch(id protocol.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byID[id]; ok {
		s.LastSeen = time.Now()
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// RemoveExpired drops sessions idle longer than maxIdle and returns how
// many were removed.
func (r *Registry) RemoveExpired(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, s := range r.byID {
		if s.LastSeen.Before(cutoff) {
			delete(r.byID, id)
			delete(r.byName, s.Name)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Expired idle sessions", "removed", removed, "remaining", len(r.byID))
	}
	return removed
}

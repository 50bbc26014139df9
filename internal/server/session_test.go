package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherbackup/internal/crypto"
	"cipherbackup/internal/errors"
	"cipherbackup/internal/protocol"
)

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	r := NewRegistry()

	seen := make(map[protocol.ClientID]bool)
	for _, name := range []string{"alice", "bob", "carol"} {
		id, err := r.Register(name)
		require.NoError(t, err)
		assert.NotEqual(t, protocol.ClientID{}, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 3, r.Count())
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()

	first, err := r.Register("alice")
	require.NoError(t, err)

	_, err = r.Register("alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthentication)

	// The original registration is untouched.
	s, ok := r.Lookup(first)
	require.True(t, ok)
	assert.Equal(t, "alice", s.Name)
	assert.Equal(t, 1, r.Count())
}

func TestLookupReturnsCopy(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register("alice")
	require.NoError(t, err)

	s, ok := r.Lookup(id)
	require.True(t, ok)
	s.Name = "mallory"

	again, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "alice", again.Name)
}

func TestLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup(protocol.ClientID{1, 2, 3})
	assert.False(t, ok)
}

func TestSetKeysAdvancesState(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register("alice")
	require.NoError(t, err)

	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	key, err := crypto.NewSessionKey()
	require.NoError(t, err)

	require.NoError(t, r.SetKeys(id, &priv.PublicKey, key))

	s, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, StateKeyExchanged, s.State)
	assert.Equal(t, key, s.SessionKey)
	assert.NotNil(t, s.PublicKey)
}

func TestSetSessionKeyKeepsPublicKey(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register("alice")
	require.NoError(t, err)

	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	first, err := crypto.NewSessionKey()
	require.NoError(t, err)
	require.NoError(t, r.SetKeys(id, &priv.PublicKey, first))

	// Reconnect path: a fresh session key, same public key.
	second, err := crypto.NewSessionKey()
	require.NoError(t, err)
	require.NoError(t, r.SetSessionKey(id, second))

	s, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, second, s.SessionKey)
	assert.Equal(t, priv.PublicKey.N, s.PublicKey.N)
}

func TestSetKeysUnknownID(t *testing.T) {
	r := NewRegistry()
	err := r.SetKeys(protocol.ClientID{9}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthentication)

	err = r.SetSessionKey(protocol.ClientID{9}, nil)
	assert.ErrorIs(t, err, errors.ErrAuthentication)
}

func TestMarkTransferring(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register("alice")
	require.NoError(t, err)

	r.MarkTransferring(id)
	s, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, StateTransferring, s.State)

	// Unknown identifiers are a no-op.
	r.MarkTransferring(protocol.ClientID{9})
}

func TestRemoveExpired(t *testing.T) {
	r := NewRegistry()
	idle, err := r.Register("idle")
	require.NoError(t, err)
	active, err := r.Register("active")
	require.NoError(t, err)

	// Age the idle session past the cutoff by hand.
	r.mu.Lock()
	r.byID[idle].LastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	assert.Equal(t, 1, r.RemoveExpired(10*time.Minute))

	_, ok := r.Lookup(idle)
	assert.False(t, ok)
	_, ok = r.Lookup(active)
	assert.True(t, ok)

	// The expired name is free again.
	_, err = r.Register("idle")
	assert.NoError(t, err)
}

func TestTouchDefersExpiry(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register("alice")
	require.NoError(t, err)

	r.mu.Lock()
	r.byID[id].LastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.Touch(id)
	assert.Equal(t, 0, r.RemoveExpired(10*time.Minute))
}

// Package store adapts the namespaced KV contract to the storage
// interfaces the ratchet engine requires: local identity, trusted peer
// identities, pre-keys, signed pre-keys, and sessions. Adapters are
// stateless; every operation round-trips the KV store, which remains
// the single source of truth.
package store

import (
	"errors"
	"strconv"

	"github.com/pjdhoorn/mercury-go/internal/kv"
	"github.com/pjdhoorn/mercury-go/internal/ratchet"
)

// KV namespaces. All client state lives in these five.
const (
	nsAccount    = "account"
	nsIdentities = "identities"
	nsPreKeys    = "preKeys"
	nsSignedKeys = "signedPreKeys"
	nsSessions   = "sessions"
)

// Account keys within nsAccount.
const (
	keyIdentityKeyPair    = "identityKeyPair"
	keyRegistrationID     = "registrationId"
	keyPreKeyLastID       = "preKeyLastId"
	keySignedPreKeyLastID = "signedPreKeyLastId"
)

// ErrNotRegistered is returned when an operation needs the local
// account state (identity key pair, registration id) before it exists.
var ErrNotRegistered = errors.New("store: account not registered")

// Store exposes all adapter methods over one injected KV store.
type Store struct {
	kv kv.Store
}

// Compile-time checks that Store satisfies the engine's contracts.
var (
	_ ratchet.SessionStore      = (*Store)(nil)
	_ ratchet.IdentityStore     = (*Store)(nil)
	_ ratchet.PreKeyStore       = (*Store)(nil)
	_ ratchet.SignedPreKeyStore = (*Store)(nil)
)

// New wraps the given KV store.
func New(s kv.Store) *Store {
	return &Store{kv: s}
}

func idKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// counter reads a uint32 counter from the account namespace, returning
// 0 when the counter has never been set.
func (s *Store) counter(key string) (uint32, error) {
	data, err := s.kv.Get(nsAccount, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(string(data), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (s *Store) setCounter(key string, v uint32) error {
	return s.kv.Set(nsAccount, key, []byte(strconv.FormatUint(uint64(v), 10)))
}

package store

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/pjdhoorn/mercury-go/internal/kv"
	"github.com/pjdhoorn/mercury-go/internal/ratchet"
)

// ErrNoSuchKey is returned when a pre-key or signed pre-key id has no
// stored record.
var ErrNoSuchKey = errors.New("store: no such key")

// LoadPreKey returns the one-time pre-key with the given id.
func (s *Store) LoadPreKey(id uint32) (*ratchet.PreKeyRecord, error) {
	data, err := s.kv.Get(nsPreKeys, idKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("store: pre-key %d: %w", id, ErrNoSuchKey)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load pre-key %d: %w", id, err)
	}
	return ratchet.DeserializePreKeyRecord(data)
}

// StorePreKey persists a one-time pre-key.
func (s *Store) StorePreKey(rec *ratchet.PreKeyRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return err
	}
	if err := s.kv.Set(nsPreKeys, idKey(rec.ID), data); err != nil {
		return fmt.Errorf("store: save pre-key %d: %w", rec.ID, err)
	}
	return nil
}

// ContainsPreKey reports whether a pre-key with the given id exists.
func (s *Store) ContainsPreKey(id uint32) (bool, error) {
	return s.kv.Has(nsPreKeys, idKey(id))
}

// RemovePreKey deletes a one-time pre-key. Removing an absent id is
// not an error; each key is consumed at most once either way.
func (s *Store) RemovePreKey(id uint32) error {
	err := s.kv.Remove(nsPreKeys, idKey(id))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("store: remove pre-key %d: %w", id, err)
	}
	return nil
}

// PreKeyLastID returns the highest pre-key id handed out so far, 0
// when none have been generated.
func (s *Store) PreKeyLastID() (uint32, error) {
	return s.counter(keyPreKeyLastID)
}

// SetPreKeyLastID persists the pre-key id counter.
func (s *Store) SetPreKeyLastID(id uint32) error {
	return s.setCounter(keyPreKeyLastID, id)
}

// LoadSignedPreKey returns the signed pre-key with the given id.
func (s *Store) LoadSignedPreKey(id uint32) (*ratchet.SignedPreKeyRecord, error) {
	data, err := s.kv.Get(nsSignedKeys, idKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("store: signed pre-key %d: %w", id, ErrNoSuchKey)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load signed pre-key %d: %w", id, err)
	}
	return ratchet.DeserializeSignedPreKeyRecord(data)
}

// StoreSignedPreKey persists a signed pre-key.
func (s *Store) StoreSignedPreKey(rec *ratchet.SignedPreKeyRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return err
	}
	if err := s.kv.Set(nsSignedKeys, idKey(rec.ID), data); err != nil {
		return fmt.Errorf("store: save signed pre-key %d: %w", rec.ID, err)
	}
	return nil
}

// ContainsSignedPreKey reports whether a signed pre-key with the given
// id exists.
func (s *Store) ContainsSignedPreKey(id uint32) (bool, error) {
	return s.kv.Has(nsSignedKeys, idKey(id))
}

// RemoveSignedPreKey deletes a signed pre-key.
func (s *Store) RemoveSignedPreKey(id uint32) error {
	err := s.kv.Remove(nsSignedKeys, idKey(id))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("store: remove signed pre-key %d: %w", id, err)
	}
	return nil
}

// SignedPreKeyIDs lists the ids of all stored signed pre-keys. Old
// records stay loadable after rotation so in-flight handshakes against
// the previous key still complete.
func (s *Store) SignedPreKeyIDs() ([]uint32, error) {
	keys, err := s.kv.Keys(nsSignedKeys)
	if err != nil {
		return nil, fmt.Errorf("store: list signed pre-keys: %w", err)
	}
	ids := make([]uint32, 0, len(keys))
	for _, k := range keys {
		v, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("store: signed pre-key key %q: %w", k, err)
		}
		ids = append(ids, uint32(v))
	}
	return ids, nil
}

// SignedPreKeyLastID returns the highest signed pre-key id handed out
// so far, 0 when none have been generated.
func (s *Store) SignedPreKeyLastID() (uint32, error) {
	return s.counter(keySignedPreKeyLastID)
}

// SetSignedPreKeyLastID persists the signed pre-key id counter.
func (s *Store) SetSignedPreKeyLastID(id uint32) error {
	return s.setCounter(keySignedPreKeyLastID, id)
}

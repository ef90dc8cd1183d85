package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pjdhoorn/mercury-go/internal/kv"
	"github.com/pjdhoorn/mercury-go/internal/ratchet"
)

// IdentityKeyPair returns the local identity key pair, or nil when the
// account has not been registered yet.
func (s *Store) IdentityKeyPair() (*ratchet.IdentityKeyPair, error) {
	data, err := s.kv.Get(nsAccount, keyIdentityKeyPair)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load identity key pair: %w", err)
	}
	return ratchet.DeserializeIdentityKeyPair(data)
}

// SetIdentityKeyPair persists the local identity key pair.
func (s *Store) SetIdentityKeyPair(ik *ratchet.IdentityKeyPair) error {
	if err := s.kv.Set(nsAccount, keyIdentityKeyPair, ik.Serialize()); err != nil {
		return fmt.Errorf("store: save identity key pair: %w", err)
	}
	return nil
}

// LocalRegistrationID returns the account's registration id.
func (s *Store) LocalRegistrationID() (uint32, error) {
	data, err := s.kv.Get(nsAccount, keyRegistrationID)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, ErrNotRegistered
	}
	if err != nil {
		return 0, fmt.Errorf("store: load registration id: %w", err)
	}
	var id uint32
	if _, err := fmt.Sscanf(string(data), "%d", &id); err != nil {
		return 0, fmt.Errorf("store: parse registration id: %w", err)
	}
	return id, nil
}

// SetLocalRegistrationID persists the account's registration id.
func (s *Store) SetLocalRegistrationID(id uint32) error {
	if err := s.setCounter(keyRegistrationID, id); err != nil {
		return fmt.Errorf("store: save registration id: %w", err)
	}
	return nil
}

// SaveIdentity records identityKey as the trusted key for addr,
// replacing any previously recorded key. A nil key deletes the record,
// which resets the address to trust-on-first-use.
func (s *Store) SaveIdentity(addr ratchet.Address, identityKey []byte) error {
	if identityKey == nil {
		err := s.kv.Remove(nsIdentities, addr.String())
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("store: delete identity %s: %w", addr, err)
		}
		return nil
	}
	if err := s.kv.Set(nsIdentities, addr.String(), identityKey); err != nil {
		return fmt.Errorf("store: save identity %s: %w", addr, err)
	}
	return nil
}

// GetIdentity returns the recorded identity key for addr, or nil when
// none has been recorded.
func (s *Store) GetIdentity(addr ratchet.Address) ([]byte, error) {
	data, err := s.kv.Get(nsIdentities, addr.String())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load identity %s: %w", addr, err)
	}
	return data, nil
}

// IsTrustedIdentity reports whether identityKey may be used for addr:
// true when no key is recorded yet or the recorded key matches exactly.
func (s *Store) IsTrustedIdentity(addr ratchet.Address, identityKey []byte) (bool, error) {
	recorded, err := s.GetIdentity(addr)
	if err != nil {
		return false, err
	}
	if recorded == nil {
		return true, nil
	}
	return bytes.Equal(recorded, identityKey), nil
}

package store

import (
	"github.com/pjdhoorn/mercury-go/internal/ratchet"
)

// GeneratePreKeys generates count fresh one-time pre-keys with ids
// continuing after the persisted counter, stores them, and advances
// the counter. The counter moves only after the whole batch is stored;
// a mid-batch failure leaves orphan records above the counter, which
// the next batch overwrites before any of them could be published.
func (s *Store) GeneratePreKeys(count int) ([]*ratchet.PreKeyRecord, error) {
	lastID, err := s.PreKeyLastID()
	if err != nil {
		return nil, err
	}
	records := make([]*ratchet.PreKeyRecord, 0, count)
	for i := 1; i <= count; i++ {
		rec, err := ratchet.GeneratePreKey(lastID + uint32(i))
		if err != nil {
			return nil, err
		}
		if err := s.StorePreKey(rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := s.SetPreKeyLastID(lastID + uint32(count)); err != nil {
		return nil, err
	}
	return records, nil
}

// RotateSignedPreKey generates, signs, and stores a new signed pre-key
// with the next id. Previous records are kept so handshakes already in
// flight against the old key still complete; callers prune them on
// their own schedule.
func (s *Store) RotateSignedPreKey() (*ratchet.SignedPreKeyRecord, error) {
	identity, err := s.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, ErrNotRegistered
	}
	lastID, err := s.SignedPreKeyLastID()
	if err != nil {
		return nil, err
	}
	rec, err := ratchet.GenerateSignedPreKey(identity, lastID+1)
	if err != nil {
		return nil, err
	}
	if err := s.StoreSignedPreKey(rec); err != nil {
		return nil, err
	}
	if err := s.SetSignedPreKeyLastID(rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pjdhoorn/mercury-go/internal/kv"
	"github.com/pjdhoorn/mercury-go/internal/ratchet"
)

// sessionEntry is the stored value for one address: the serialized
// session plus an opaque per-user blob callers may attach (profile
// data, conversation settings). The blob survives session updates.
type sessionEntry struct {
	Session    json.RawMessage `json:"session"`
	UserRecord []byte          `json:"userRecord,omitempty"`
}

// LoadSession returns the session for addr, or nil when none exists.
func (s *Store) LoadSession(addr ratchet.Address) (*ratchet.Session, error) {
	sess, _, err := s.LoadSessionRecord(addr)
	return sess, err
}

// LoadSessionRecord returns the session and attached user record for
// addr. Both are nil when no session exists.
func (s *Store) LoadSessionRecord(addr ratchet.Address) (*ratchet.Session, []byte, error) {
	data, err := s.kv.Get(nsSessions, addr.String())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store: load session %s: %w", addr, err)
	}
	var entry sessionEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, nil, fmt.Errorf("store: decode session %s: %w", addr, err)
	}
	sess, err := ratchet.DeserializeSession(entry.Session)
	if err != nil {
		return nil, nil, err
	}
	return sess, entry.UserRecord, nil
}

// StoreSession persists the session for addr, preserving any attached
// user record.
func (s *Store) StoreSession(addr ratchet.Address, session *ratchet.Session) error {
	_, userRecord, err := s.LoadSessionRecord(addr)
	if err != nil {
		return err
	}
	return s.StoreSessionRecord(addr, session, userRecord)
}

// StoreSessionRecord persists the session for addr together with an
// opaque user record.
func (s *Store) StoreSessionRecord(addr ratchet.Address, session *ratchet.Session, userRecord []byte) error {
	raw, err := session.Serialize()
	if err != nil {
		return err
	}
	data, err := json.Marshal(sessionEntry{Session: raw, UserRecord: userRecord})
	if err != nil {
		return fmt.Errorf("store: encode session %s: %w", addr, err)
	}
	if err := s.kv.Set(nsSessions, addr.String(), data); err != nil {
		return fmt.Errorf("store: save session %s: %w", addr, err)
	}
	return nil
}

// ContainsSession reports whether a session exists for addr.
func (s *Store) ContainsSession(addr ratchet.Address) (bool, error) {
	return s.kv.Has(nsSessions, addr.String())
}

// DeleteSession removes the session for addr. Deleting an absent
// session is not an error.
func (s *Store) DeleteSession(addr ratchet.Address) error {
	err := s.kv.Remove(nsSessions, addr.String())
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("store: delete session %s: %w", addr, err)
	}
	return nil
}

// DeleteAllSessions removes every session for the given user across
// all devices and returns how many were deleted.
func (s *Store) DeleteAllSessions(userID string) (int, error) {
	ids, err := s.DeviceIDs(userID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.DeleteSession(ratchet.NewAddress(userID, id)); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// DeviceIDs lists the device ids of every stored session for the given
// user, sorted ascending. This is the fan-out set for multi-device
// delivery.
func (s *Store) DeviceIDs(userID string) ([]uint32, error) {
	keys, err := s.kv.Keys(nsSessions)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	prefix := userID + "."
	var ids []uint32
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		v, err := strconv.ParseUint(k[len(prefix):], 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(v))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

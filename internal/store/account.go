package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pjdhoorn/mercury-go/internal/kv"
)

const keyAccount = "credentials"

// Account holds the server-assigned credentials for the local device.
type Account struct {
	UserID   string `json:"userId"`
	DeviceID uint32 `json:"deviceId"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// SaveAccount persists the account credentials.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	return s.kv.Set(nsAccount, keyAccount, data)
}

// LoadAccount returns the stored account, or nil when none is saved.
func (s *Store) LoadAccount() (*Account, error) {
	data, err := s.kv.Get(nsAccount, keyAccount)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return &acct, nil
}

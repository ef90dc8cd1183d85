package ratchet

import (
	"encoding/json"
	"fmt"
)

// Session is the full cryptographic state between the local device and
// one remote address. It is owned by the session store; this package
// loads, mutates, and stores it within single operations.
type Session struct {
	RemoteIdentityKey    []byte `json:"remoteIdentityKey"`
	RemoteRegistrationID uint32 `json:"remoteRegistrationId"`

	// AD binds both identities into every AEAD invocation:
	// initiator identity key followed by responder identity key.
	AD []byte `json:"ad"`

	State state `json:"state"`

	// Pending holds the pre-key handshake material that must accompany
	// every outgoing message until the peer's first reply proves the
	// session is established on both ends.
	Pending *PendingPreKey `json:"pending,omitempty"`
}

// PendingPreKey is the X3DH handshake data repeated in outgoing
// pre-key messages.
type PendingPreKey struct {
	PreKeyID       *uint32 `json:"preKeyId,omitempty"`
	SignedPreKeyID uint32  `json:"signedPreKeyId"`
	BaseKey        []byte  `json:"baseKey"`
}

// Serialize encodes the session for storage.
func (s *Session) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// DeserializeSession decodes a stored session record.
func DeserializeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("ratchet: decode session: %w", err)
	}
	return &s, nil
}

// SessionStore persists sessions keyed by address.
type SessionStore interface {
	// LoadSession returns the session for addr, or nil when none exists.
	LoadSession(addr Address) (*Session, error)
	StoreSession(addr Address, session *Session) error
}

// IdentityStore provides the local identity and records peer identities.
type IdentityStore interface {
	// IdentityKeyPair returns the local identity, or nil when the
	// account has not been initialized.
	IdentityKeyPair() (*IdentityKeyPair, error)
	LocalRegistrationID() (uint32, error)
	// SaveIdentity records identityKey as the trusted key for addr.
	SaveIdentity(addr Address, identityKey []byte) error
	// IsTrustedIdentity reports whether identityKey may be used for
	// addr: true when no key is recorded (trust on first use) or the
	// recorded key matches byte for byte.
	IsTrustedIdentity(addr Address, identityKey []byte) (bool, error)
}

// PreKeyStore persists one-time pre-keys.
type PreKeyStore interface {
	LoadPreKey(id uint32) (*PreKeyRecord, error)
	RemovePreKey(id uint32) error
}

// SignedPreKeyStore persists signed pre-keys.
type SignedPreKeyStore interface {
	LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error)
}

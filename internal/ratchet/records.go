package ratchet

import (
	"encoding/json"
	"fmt"
	"time"
)

// PreKeyRecord is a stored one-time pre-key.
type PreKeyRecord struct {
	ID      uint32  `json:"id"`
	KeyPair KeyPair `json:"keyPair"`
}

// GeneratePreKey produces a one-time pre-key with the given id.
func GeneratePreKey(id uint32) (*PreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &PreKeyRecord{ID: id, KeyPair: *kp}, nil
}

// Serialize encodes the record for storage.
func (r *PreKeyRecord) Serialize() ([]byte, error) {
	return json.Marshal(r)
}

// DeserializePreKeyRecord decodes a stored pre-key record.
func DeserializePreKeyRecord(data []byte) (*PreKeyRecord, error) {
	var r PreKeyRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("ratchet: decode pre-key record: %w", err)
	}
	return &r, nil
}

// SignedPreKeyRecord is a stored signed pre-key: a medium-lived key pair
// whose public half is signed by the identity key.
type SignedPreKeyRecord struct {
	ID        uint32  `json:"id"`
	KeyPair   KeyPair `json:"keyPair"`
	Signature []byte  `json:"signature"`
	CreatedAt int64   `json:"createdAt"` // UnixMilli
}

// GenerateSignedPreKey produces a signed pre-key with the given id,
// signed by the identity key pair.
func GenerateSignedPreKey(identity *IdentityKeyPair, id uint32) (*SignedPreKeyRecord, error) {
	if identity == nil {
		return nil, ErrNoIdentity
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyRecord{
		ID:        id,
		KeyPair:   *kp,
		Signature: identity.Sign(kp.Public[:]),
		CreatedAt: time.Now().UnixMilli(),
	}, nil
}

// Serialize encodes the record for storage.
func (r *SignedPreKeyRecord) Serialize() ([]byte, error) {
	return json.Marshal(r)
}

// DeserializeSignedPreKeyRecord decodes a stored signed pre-key record.
func DeserializeSignedPreKeyRecord(data []byte) (*SignedPreKeyRecord, error) {
	var r SignedPreKeyRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("ratchet: decode signed pre-key record: %w", err)
	}
	return &r, nil
}

// PreKeyBundle is the public key material published by one device so a
// peer can establish a session without interaction.
type PreKeyBundle struct {
	RegistrationID uint32
	DeviceID       uint32

	// One-time pre-key; nil when the device has run out.
	PreKeyID *uint32
	PreKey   []byte

	SignedPreKeyID        uint32
	SignedPreKey          []byte
	SignedPreKeySignature []byte

	IdentityKey []byte
}

package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 agreement key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair produces a fresh clamped X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("ratchet: generate key: %w", err)
	}
	clamp(&kp.Private)

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ratchet: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

func clamp(priv *[32]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// Agree performs X25519 agreement between our private key and a peer public key.
func (kp *KeyPair) Agree(peer []byte) ([]byte, error) {
	shared, err := curve25519.X25519(kp.Private[:], peer)
	if err != nil {
		return nil, fmt.Errorf("ratchet: agree: %w", err)
	}
	return shared, nil
}

// IdentityKeyPair is a long-lived account identity: an Ed25519 signing
// pair for pre-key signatures plus an X25519 pair for key agreement.
type IdentityKeyPair struct {
	SigningKey ed25519.PrivateKey
	DH         KeyPair
}

const (
	// IdentityKeySize is the length of a serialized public identity key:
	// Ed25519 public key followed by X25519 public key.
	IdentityKeySize = ed25519.PublicKeySize + 32

	identityPrivSize = ed25519.SeedSize + 32
)

// GenerateIdentityKeyPair produces a fresh identity key pair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	_, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchet: generate signing key: %w", err)
	}
	dh, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{SigningKey: signPriv, DH: *dh}, nil
}

// PublicKey returns the serialized public identity key. This is the
// byte string that peers record for trust-on-first-use comparison.
func (ik *IdentityKeyPair) PublicKey() []byte {
	out := make([]byte, 0, IdentityKeySize)
	out = append(out, ik.SigningKey.Public().(ed25519.PublicKey)...)
	out = append(out, ik.DH.Public[:]...)
	return out
}

// Sign signs message with the identity's Ed25519 key.
func (ik *IdentityKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(ik.SigningKey, message)
}

// Serialize returns the private serialized form: Ed25519 seed followed
// by the X25519 private key.
func (ik *IdentityKeyPair) Serialize() []byte {
	out := make([]byte, 0, identityPrivSize)
	out = append(out, ik.SigningKey.Seed()...)
	out = append(out, ik.DH.Private[:]...)
	return out
}

// DeserializeIdentityKeyPair reconstructs an identity key pair from its
// serialized private form.
func DeserializeIdentityKeyPair(data []byte) (*IdentityKeyPair, error) {
	if len(data) != identityPrivSize {
		return nil, fmt.Errorf("ratchet: identity key pair must be %d bytes, got %d", identityPrivSize, len(data))
	}
	ik := &IdentityKeyPair{SigningKey: ed25519.NewKeyFromSeed(data[:ed25519.SeedSize])}
	copy(ik.DH.Private[:], data[ed25519.SeedSize:])

	pub, err := curve25519.X25519(ik.DH.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ratchet: derive public key: %w", err)
	}
	copy(ik.DH.Public[:], pub)
	return ik, nil
}

// identityDHKey extracts the X25519 half of a serialized public identity key.
func identityDHKey(identityKey []byte) ([]byte, error) {
	if len(identityKey) != IdentityKeySize {
		return nil, fmt.Errorf("ratchet: identity key must be %d bytes, got %d", IdentityKeySize, len(identityKey))
	}
	return identityKey[ed25519.PublicKeySize:], nil
}

// identitySigningKey extracts the Ed25519 half of a serialized public identity key.
func identitySigningKey(identityKey []byte) (ed25519.PublicKey, error) {
	if len(identityKey) != IdentityKeySize {
		return nil, fmt.Errorf("ratchet: identity key must be %d bytes, got %d", IdentityKeySize, len(identityKey))
	}
	return ed25519.PublicKey(identityKey[:ed25519.PublicKeySize]), nil
}

// VerifySignedPreKey checks a signed pre-key signature against the
// signing half of a serialized public identity key.
func VerifySignedPreKey(identityKey, signedPreKeyPub, signature []byte) bool {
	signKey, err := identitySigningKey(identityKey)
	if err != nil {
		return false
	}
	return ed25519.Verify(signKey, signedPreKeyPub, signature)
}

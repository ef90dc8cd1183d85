package ratchet

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned when decrypting or encrypting for an
	// address that has no established session.
	ErrNoSession = errors.New("ratchet: no session")

	// ErrBadCiphertext is returned when a message fails authentication
	// or cannot be parsed.
	ErrBadCiphertext = errors.New("ratchet: bad ciphertext")

	// ErrBadSignature is returned when a signed pre-key signature does
	// not verify against the peer's identity key.
	ErrBadSignature = errors.New("ratchet: bad signed pre-key signature")

	// ErrNoIdentity is returned when the local identity key pair has not
	// been generated yet.
	ErrNoIdentity = errors.New("ratchet: no local identity key pair")
)

// UntrustedIdentityError reports that a peer presented an identity key
// that differs from the one previously recorded for its address.
type UntrustedIdentityError struct {
	Address     Address
	IdentityKey []byte
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("ratchet: untrusted identity for %s", e.Address)
}

package ratchet

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// x3dh derives the shared session root key. The initiator combines its
// identity and ephemeral keys with the responder's identity, signed
// pre-key, and optional one-time pre-key:
//
//	DH1 = DH(IKa, SPKb)
//	DH2 = DH(EKa, IKb)
//	DH3 = DH(EKa, SPKb)
//	DH4 = DH(EKa, OPKb)   (when a one-time pre-key is present)
//
// The responder mirrors each agreement with its own private keys.

func initiatorRoot(ourIK, ourEph *KeyPair, peerIdentityDH, peerSPK, peerOPK []byte) ([]byte, error) {
	dh1, err := ourIK.Agree(peerSPK)
	if err != nil {
		return nil, err
	}
	dh2, err := ourEph.Agree(peerIdentityDH)
	if err != nil {
		return nil, err
	}
	dh3, err := ourEph.Agree(peerSPK)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 4*keySize)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)

	if peerOPK != nil {
		dh4, err := ourEph.Agree(peerOPK)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4...)
	}
	return deriveRoot(concat), nil
}

func responderRoot(ourIK, ourSPK, ourOPK *KeyPair, peerIdentityDH, peerEph []byte) ([]byte, error) {
	dh1, err := ourSPK.Agree(peerIdentityDH)
	if err != nil {
		return nil, err
	}
	dh2, err := ourIK.Agree(peerEph)
	if err != nil {
		return nil, err
	}
	dh3, err := ourSPK.Agree(peerEph)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 4*keySize)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)

	if ourOPK != nil {
		dh4, err := ourOPK.Agree(peerEph)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4...)
	}
	return deriveRoot(concat), nil
}

func deriveRoot(dhConcat []byte) []byte {
	r := hkdf.New(sha256.New, dhConcat, nil, []byte("mercury/x3dh"))
	root := make([]byte, keySize)
	_, _ = io.ReadFull(r, root)
	return root
}

package ratchet

import "fmt"

// ProcessPreKeyBundle establishes a session with addr as the initiator,
// using the peer's published pre-key bundle. The resulting session stays
// in the pre-key phase (outgoing messages carry the handshake) until the
// peer's first reply is decrypted.
func ProcessPreKeyBundle(bundle *PreKeyBundle, addr Address, sessions SessionStore, identities IdentityStore) error {
	trusted, err := identities.IsTrustedIdentity(addr, bundle.IdentityKey)
	if err != nil {
		return fmt.Errorf("ratchet: check identity: %w", err)
	}
	if !trusted {
		return &UntrustedIdentityError{Address: addr, IdentityKey: bundle.IdentityKey}
	}

	if !VerifySignedPreKey(bundle.IdentityKey, bundle.SignedPreKey, bundle.SignedPreKeySignature) {
		return ErrBadSignature
	}

	ik, err := identities.IdentityKeyPair()
	if err != nil {
		return err
	}
	if ik == nil {
		return ErrNoIdentity
	}

	peerDH, err := identityDHKey(bundle.IdentityKey)
	if err != nil {
		return err
	}

	eph, err := GenerateKeyPair()
	if err != nil {
		return err
	}

	root, err := initiatorRoot(&ik.DH, eph, peerDH, bundle.SignedPreKey, bundle.PreKey)
	if err != nil {
		return fmt.Errorf("ratchet: x3dh: %w", err)
	}

	// Seed the sending chain against the peer's signed pre-key, which
	// acts as its initial ratchet key.
	sending, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	dh, err := sending.Agree(bundle.SignedPreKey)
	if err != nil {
		return err
	}
	newRK, sendCK := kdfRK(root, dh)

	session := &Session{
		RemoteIdentityKey:    bundle.IdentityKey,
		RemoteRegistrationID: bundle.RegistrationID,
		AD:                   append(ik.PublicKey(), bundle.IdentityKey...),
		State: state{
			RootKey:   newRK,
			DHPriv:    sending.Private[:],
			DHPub:     sending.Public[:],
			PeerDHPub: bundle.SignedPreKey,
			SendCK:    sendCK,
		},
		Pending: &PendingPreKey{
			PreKeyID:       bundle.PreKeyID,
			SignedPreKeyID: bundle.SignedPreKeyID,
			BaseKey:        eph.Public[:],
		},
	}

	if err := identities.SaveIdentity(addr, bundle.IdentityKey); err != nil {
		return err
	}
	return sessions.StoreSession(addr, session)
}

// Encrypt encrypts plaintext for addr using its stored session, which is
// loaded, advanced, and stored back within this call.
func Encrypt(plaintext []byte, addr Address, sessions SessionStore, identities IdentityStore) (*CiphertextMessage, error) {
	session, err := sessions.LoadSession(addr)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoSession
	}

	trusted, err := identities.IsTrustedIdentity(addr, session.RemoteIdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, &UntrustedIdentityError{Address: addr, IdentityKey: session.RemoteIdentityKey}
	}

	h, ct, err := session.State.encrypt(session.AD, plaintext)
	if err != nil {
		return nil, err
	}
	whisper := marshalWhisper(whisperMessage{Header: h, Ciphertext: ct})

	msg := &CiphertextMessage{Type: MessageTypeWhisper, Serialized: whisper}

	if session.Pending != nil {
		ik, err := identities.IdentityKeyPair()
		if err != nil {
			return nil, err
		}
		if ik == nil {
			return nil, ErrNoIdentity
		}
		regID, err := identities.LocalRegistrationID()
		if err != nil {
			return nil, err
		}
		msg = &CiphertextMessage{
			Type: MessageTypePreKey,
			Serialized: marshalPreKeyMessage(preKeyMessage{
				RegistrationID: regID,
				PreKeyID:       session.Pending.PreKeyID,
				SignedPreKeyID: session.Pending.SignedPreKeyID,
				BaseKey:        session.Pending.BaseKey,
				IdentityKey:    ik.PublicKey(),
				Message:        whisper,
			}),
		}
	}

	if err := sessions.StoreSession(addr, session); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecryptMessage decrypts a regular ratchet message from addr. A
// successful decrypt marks the session fully established.
func DecryptMessage(data []byte, addr Address, sessions SessionStore, identities IdentityStore) ([]byte, error) {
	session, err := sessions.LoadSession(addr)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoSession
	}

	trusted, err := identities.IsTrustedIdentity(addr, session.RemoteIdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, &UntrustedIdentityError{Address: addr, IdentityKey: session.RemoteIdentityKey}
	}

	wm, err := unmarshalWhisper(data)
	if err != nil {
		return nil, err
	}
	plaintext, err := session.State.decrypt(session.AD, wm.Header, wm.Ciphertext)
	if err != nil {
		return nil, err
	}

	// The peer can only produce ratchet messages once it holds the
	// session, so the handshake no longer needs repeating.
	session.Pending = nil

	if err := sessions.StoreSession(addr, session); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// DecryptPreKeyMessage decrypts the first message of a session initiated
// by the peer, building the responder-side session from our stored
// pre-keys. The one-time pre-key named in the message is consumed.
func DecryptPreKeyMessage(data []byte, addr Address, sessions SessionStore, identities IdentityStore, preKeys PreKeyStore, signedPreKeys SignedPreKeyStore) ([]byte, error) {
	msg, err := unmarshalPreKeyMessage(data)
	if err != nil {
		return nil, err
	}

	trusted, err := identities.IsTrustedIdentity(addr, msg.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, &UntrustedIdentityError{Address: addr, IdentityKey: msg.IdentityKey}
	}

	wm, err := unmarshalWhisper(msg.Message)
	if err != nil {
		return nil, err
	}

	// A repeated handshake message for a session we already hold
	// decrypts against the existing state; only build a fresh session
	// when that fails (new handshake or session reset).
	if existing, err := sessions.LoadSession(addr); err != nil {
		return nil, err
	} else if existing != nil {
		if plaintext, err := existing.State.decrypt(existing.AD, wm.Header, wm.Ciphertext); err == nil {
			if err := sessions.StoreSession(addr, existing); err != nil {
				return nil, err
			}
			return plaintext, nil
		}
	}

	ik, err := identities.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	if ik == nil {
		return nil, ErrNoIdentity
	}

	spk, err := signedPreKeys.LoadSignedPreKey(msg.SignedPreKeyID)
	if err != nil {
		return nil, fmt.Errorf("ratchet: signed pre-key %d: %w", msg.SignedPreKeyID, err)
	}

	var opk *KeyPair
	if msg.PreKeyID != nil {
		rec, err := preKeys.LoadPreKey(*msg.PreKeyID)
		if err != nil {
			return nil, fmt.Errorf("ratchet: pre-key %d: %w", *msg.PreKeyID, err)
		}
		opk = &rec.KeyPair
	}

	peerDH, err := identityDHKey(msg.IdentityKey)
	if err != nil {
		return nil, err
	}

	root, err := responderRoot(&ik.DH, &spk.KeyPair, opk, peerDH, msg.BaseKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh: %w", err)
	}

	session := &Session{
		RemoteIdentityKey:    msg.IdentityKey,
		RemoteRegistrationID: msg.RegistrationID,
		AD:                   append(append([]byte(nil), msg.IdentityKey...), ik.PublicKey()...),
		State: state{
			RootKey: root,
			// Our signed pre-key doubles as the initial ratchet key;
			// the first decrypt steps the receiving chain against the
			// initiator's ratchet key from the message header.
			DHPriv: spk.KeyPair.Private[:],
			DHPub:  spk.KeyPair.Public[:],
		},
	}

	plaintext, err := session.State.decrypt(session.AD, wm.Header, wm.Ciphertext)
	if err != nil {
		return nil, err
	}

	if err := identities.SaveIdentity(addr, msg.IdentityKey); err != nil {
		return nil, err
	}
	if msg.PreKeyID != nil {
		if err := preKeys.RemovePreKey(*msg.PreKeyID); err != nil {
			return nil, err
		}
	}
	if err := sessions.StoreSession(addr, session); err != nil {
		return nil, err
	}
	return plaintext, nil
}

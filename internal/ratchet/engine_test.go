package ratchet

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// memStore implements the four store interfaces in memory. Sessions
// round-trip through their serialized form on every load and store,
// the way a real backend holds them.
type memStore struct {
	identity *IdentityKeyPair
	regID    uint32
	trusted  map[Address][]byte
	sessions map[Address][]byte
	preKeys  map[uint32]*PreKeyRecord
	signed   map[uint32]*SignedPreKeyRecord
}

func newMemStore(t *testing.T, regID uint32) *memStore {
	t.Helper()
	ik, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pk, err := GeneratePreKey(1)
	if err != nil {
		t.Fatal(err)
	}
	spk, err := GenerateSignedPreKey(ik, 1)
	if err != nil {
		t.Fatal(err)
	}
	return &memStore{
		identity: ik,
		regID:    regID,
		trusted:  map[Address][]byte{},
		sessions: map[Address][]byte{},
		preKeys:  map[uint32]*PreKeyRecord{1: pk},
		signed:   map[uint32]*SignedPreKeyRecord{1: spk},
	}
}

func (m *memStore) IdentityKeyPair() (*IdentityKeyPair, error) { return m.identity, nil }
func (m *memStore) LocalRegistrationID() (uint32, error)       { return m.regID, nil }

func (m *memStore) SaveIdentity(addr Address, identityKey []byte) error {
	m.trusted[addr] = identityKey
	return nil
}

func (m *memStore) IsTrustedIdentity(addr Address, identityKey []byte) (bool, error) {
	recorded, ok := m.trusted[addr]
	return !ok || bytes.Equal(recorded, identityKey), nil
}

func (m *memStore) LoadSession(addr Address) (*Session, error) {
	data, ok := m.sessions[addr]
	if !ok {
		return nil, nil
	}
	return DeserializeSession(data)
}

func (m *memStore) StoreSession(addr Address, session *Session) error {
	data, err := session.Serialize()
	if err != nil {
		return err
	}
	m.sessions[addr] = data
	return nil
}

func (m *memStore) LoadPreKey(id uint32) (*PreKeyRecord, error) {
	rec, ok := m.preKeys[id]
	if !ok {
		return nil, fmt.Errorf("no pre-key %d", id)
	}
	return rec, nil
}

func (m *memStore) RemovePreKey(id uint32) error {
	delete(m.preKeys, id)
	return nil
}

func (m *memStore) LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error) {
	rec, ok := m.signed[id]
	if !ok {
		return nil, fmt.Errorf("no signed pre-key %d", id)
	}
	return rec, nil
}

// bundle publishes the store's current key material for deviceID.
func (m *memStore) bundle(deviceID uint32) *PreKeyBundle {
	b := &PreKeyBundle{
		RegistrationID:        m.regID,
		DeviceID:              deviceID,
		SignedPreKeyID:        1,
		SignedPreKey:          m.signed[1].KeyPair.Public[:],
		SignedPreKeySignature: m.signed[1].Signature,
		IdentityKey:           m.identity.PublicKey(),
	}
	if pk, ok := m.preKeys[1]; ok {
		id := pk.ID
		b.PreKeyID = &id
		b.PreKey = pk.KeyPair.Public[:]
	}
	return b
}

var (
	aliceAddr = NewAddress("alice", 1)
	bobAddr   = NewAddress("bob", 1)
)

func TestHandshakeAndRatchetAdvance(t *testing.T) {
	alice := newMemStore(t, 100)
	bob := newMemStore(t, 200)

	if err := ProcessPreKeyBundle(bob.bundle(1), bobAddr, alice, alice); err != nil {
		t.Fatal(err)
	}

	// Until bob replies, every outgoing message repeats the handshake.
	for i := 0; i < 2; i++ {
		body := fmt.Sprintf("hello %d", i)
		msg, err := Encrypt([]byte(body), bobAddr, alice, alice)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Type != MessageTypePreKey {
			t.Fatalf("message %d: type = %d, want %d", i, msg.Type, MessageTypePreKey)
		}
		plaintext, err := DecryptPreKeyMessage(msg.Serialized, aliceAddr, bob, bob, bob, bob)
		if err != nil {
			t.Fatal(err)
		}
		if string(plaintext) != body {
			t.Errorf("message %d: got %q, want %q", i, plaintext, body)
		}
	}

	// The named one-time pre-key is consumed by the first handshake.
	if _, ok := bob.preKeys[1]; ok {
		t.Error("one-time pre-key not consumed")
	}

	// Bob's reply is a regular ratchet message, and decrypting it moves
	// alice out of the pre-key phase.
	reply, err := Encrypt([]byte("hi back"), aliceAddr, bob, bob)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != MessageTypeWhisper {
		t.Fatalf("reply type = %d, want %d", reply.Type, MessageTypeWhisper)
	}
	plaintext, err := DecryptMessage(reply.Serialized, bobAddr, alice, alice)
	if err != nil {
		t.Fatal(err)
	}
	if string(plaintext) != "hi back" {
		t.Errorf("reply = %q", plaintext)
	}

	// Several more rounds in both directions advance the DH ratchet.
	for round := 0; round < 5; round++ {
		body := fmt.Sprintf("ping %d", round)
		msg, err := Encrypt([]byte(body), bobAddr, alice, alice)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Type != MessageTypeWhisper {
			t.Fatalf("round %d: type = %d after establishment", round, msg.Type)
		}
		got, err := DecryptMessage(msg.Serialized, aliceAddr, bob, bob)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if string(got) != body {
			t.Errorf("round %d: got %q", round, got)
		}

		pong, err := Encrypt([]byte(body+" pong"), aliceAddr, bob, bob)
		if err != nil {
			t.Fatal(err)
		}
		got, err = DecryptMessage(pong.Serialized, bobAddr, alice, alice)
		if err != nil {
			t.Fatalf("round %d pong: %v", round, err)
		}
		if string(got) != body+" pong" {
			t.Errorf("round %d pong: got %q", round, got)
		}
	}
}

func establish(t *testing.T, alice, bob *memStore) {
	t.Helper()
	if err := ProcessPreKeyBundle(bob.bundle(1), bobAddr, alice, alice); err != nil {
		t.Fatal(err)
	}
	msg, err := Encrypt([]byte("open"), bobAddr, alice, alice)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptPreKeyMessage(msg.Serialized, aliceAddr, bob, bob, bob, bob); err != nil {
		t.Fatal(err)
	}
	reply, err := Encrypt([]byte("ack"), aliceAddr, bob, bob)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptMessage(reply.Serialized, bobAddr, alice, alice); err != nil {
		t.Fatal(err)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice := newMemStore(t, 100)
	bob := newMemStore(t, 200)
	establish(t, alice, bob)

	var msgs []*CiphertextMessage
	for i := 0; i < 3; i++ {
		msg, err := Encrypt([]byte(fmt.Sprintf("m%d", i)), bobAddr, alice, alice)
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, msg)
	}

	// Deliver the last message first; the skipped message keys decrypt
	// the earlier two afterwards.
	for _, i := range []int{2, 0, 1} {
		got, err := DecryptMessage(msgs[i].Serialized, aliceAddr, bob, bob)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if string(got) != fmt.Sprintf("m%d", i) {
			t.Errorf("message %d: got %q", i, got)
		}
	}
}

func TestTamperedCiphertextRejected(t *testing.T) {
	alice := newMemStore(t, 100)
	bob := newMemStore(t, 200)
	establish(t, alice, bob)

	msg, err := Encrypt([]byte("secret"), bobAddr, alice, alice)
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), msg.Serialized...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := DecryptMessage(tampered, aliceAddr, bob, bob); err == nil {
		t.Fatal("tampered message decrypted")
	}

	// The untouched original still decrypts.
	if _, err := DecryptMessage(msg.Serialized, aliceAddr, bob, bob); err != nil {
		t.Fatal(err)
	}
}

func TestUntrustedIdentityRejected(t *testing.T) {
	alice := newMemStore(t, 100)
	bob := newMemStore(t, 200)

	other, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	// Alice has a different key on record for bob's address.
	alice.trusted[bobAddr] = other.PublicKey()
	err = ProcessPreKeyBundle(bob.bundle(1), bobAddr, alice, alice)
	var untrusted *UntrustedIdentityError
	if !errors.As(err, &untrusted) {
		t.Fatalf("got %v, want UntrustedIdentityError", err)
	}

	// And the mirror case on the receiving side.
	alice.trusted = map[Address][]byte{}
	if err := ProcessPreKeyBundle(bob.bundle(1), bobAddr, alice, alice); err != nil {
		t.Fatal(err)
	}
	msg, err := Encrypt([]byte("hi"), bobAddr, alice, alice)
	if err != nil {
		t.Fatal(err)
	}
	bob.trusted[aliceAddr] = other.PublicKey()
	_, err = DecryptPreKeyMessage(msg.Serialized, aliceAddr, bob, bob, bob, bob)
	if !errors.As(err, &untrusted) {
		t.Fatalf("got %v, want UntrustedIdentityError", err)
	}
}

func TestTamperedBundleSignature(t *testing.T) {
	alice := newMemStore(t, 100)
	bob := newMemStore(t, 200)

	bundle := bob.bundle(1)
	bundle.SignedPreKeySignature = append([]byte(nil), bundle.SignedPreKeySignature...)
	bundle.SignedPreKeySignature[0] ^= 0x01
	if err := ProcessPreKeyBundle(bundle, bobAddr, alice, alice); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestDecryptWithoutSession(t *testing.T) {
	bob := newMemStore(t, 200)
	if _, err := DecryptMessage([]byte{0x01}, aliceAddr, bob, bob); !errors.Is(err, ErrNoSession) {
		t.Fatalf("got %v, want ErrNoSession", err)
	}
}

func TestBundleWithoutOneTimeKey(t *testing.T) {
	alice := newMemStore(t, 100)
	bob := newMemStore(t, 200)

	// Bob has run out of one-time pre-keys.
	delete(bob.preKeys, 1)

	if err := ProcessPreKeyBundle(bob.bundle(1), bobAddr, alice, alice); err != nil {
		t.Fatal(err)
	}
	msg, err := Encrypt([]byte("no opk"), bobAddr, alice, alice)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptPreKeyMessage(msg.Serialized, aliceAddr, bob, bob, bob, bob)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "no opk" {
		t.Errorf("got %q", got)
	}
}

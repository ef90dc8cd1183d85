package service

import (
	"context"
	"testing"
	"time"

	"github.com/pjdhoorn/mercury-go/internal/kv"
	"github.com/pjdhoorn/mercury-go/internal/ratchet"
	"github.com/pjdhoorn/mercury-go/internal/store"
	"github.com/pjdhoorn/mercury-go/internal/wire"
)

// newAccount creates an in-memory store with a registered account:
// identity key pair, registration id, one-time pre-keys, and a signed
// pre-key.
func newAccount(t *testing.T, registrationID uint32) *store.Store {
	t.Helper()
	st := store.New(kv.NewMemory())
	initAccount(t, st, registrationID)
	return st
}

// initAccount registers an account on an existing store.
func initAccount(t *testing.T, st *store.Store, registrationID uint32) {
	t.Helper()
	ik, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetIdentityKeyPair(ik); err != nil {
		t.Fatal(err)
	}
	if err := st.SetLocalRegistrationID(registrationID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GeneratePreKeys(2); err != nil {
		t.Fatal(err)
	}
	if _, err := st.RotateSignedPreKey(); err != nil {
		t.Fatal(err)
	}
}

// bundleFor builds the pre-key bundle a peer would fetch for this
// account's device.
func bundleFor(t *testing.T, st *store.Store, deviceID uint32) *ratchet.PreKeyBundle {
	t.Helper()
	ik, err := st.IdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	regID, err := st.LocalRegistrationID()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := st.LoadSignedPreKey(1)
	if err != nil {
		t.Fatal(err)
	}
	pk, err := st.LoadPreKey(1)
	if err != nil {
		t.Fatal(err)
	}
	id := pk.ID
	return &ratchet.PreKeyBundle{
		RegistrationID:        regID,
		DeviceID:              deviceID,
		PreKeyID:              &id,
		PreKey:                pk.KeyPair.Public[:],
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.KeyPair.Public[:],
		SignedPreKeySignature: spk.Signature,
		IdentityKey:           ik.PublicKey(),
	}
}

// encryptEnvelope encrypts content from the sender's store to the peer
// address and wraps it in a wire envelope. A session is established
// from bundle when none exists yet.
func encryptEnvelope(t *testing.T, senderStore *store.Store, bundle *ratchet.PreKeyBundle,
	peer ratchet.Address, senderUserID string, senderDevice uint32, content *wire.Content,
) []byte {
	t.Helper()
	session, err := senderStore.LoadSession(peer)
	if err != nil {
		t.Fatal(err)
	}
	if session == nil {
		if err := ratchet.ProcessPreKeyBundle(bundle, peer, senderStore, senderStore); err != nil {
			t.Fatal(err)
		}
	}
	msg, err := ratchet.Encrypt(padMessage(wire.MarshalContent(content)), peer, senderStore, senderStore)
	if err != nil {
		t.Fatal(err)
	}
	return wire.MarshalEnvelope(&wire.Envelope{
		Type:         envelopeTypeFor(msg.Type),
		SourceUserID: senderUserID,
		SourceDevice: senderDevice,
		Timestamp:    uint64(time.Now().UnixMilli()),
		Content:      msg.Serialized,
	})
}

func handleOnce(t *testing.T, r *Receiver, verb, path string, body []byte) uint32 {
	t.Helper()
	var status uint32
	r.Handle(context.Background(), &wire.SocketRequestMessage{
		ID:   1,
		Verb: verb,
		Path: path,
		Body: body,
	}, func(st uint32, msg string, body []byte) error {
		status = st
		return nil
	})
	return status
}

func expectEvent[T Event](t *testing.T, ch <-chan Event) T {
	t.Helper()
	select {
	case ev := <-ch:
		typed, ok := ev.(T)
		if !ok {
			t.Fatalf("got event %T, want %T", ev, *new(T))
		}
		return typed
	case <-time.After(time.Second):
		t.Fatalf("no event of type %T", *new(T))
		panic("unreachable")
	}
}

func expectNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiverMalformedEnvelope(t *testing.T) {
	bob := newAccount(t, 100)
	events := NewEvents()
	ch, unsub := events.Subscribe(16)
	defer unsub()

	r := NewReceiver(bob, events, NewAddrLocks(), "bob", 1, nil)

	// Truncated tag bytes cannot parse as an envelope.
	status := handleOnce(t, r, "PUT", "/api/v1/message", []byte{0x0a, 0xff, 0xff})
	if status != 400 {
		t.Errorf("status = %d, want 400", status)
	}
	expectNoEvent(t, ch)

	// The receiver keeps running: a valid receipt envelope after the
	// malformed one still produces its event.
	receipt := wire.MarshalEnvelope(&wire.Envelope{
		Type:         wire.EnvelopeReceipt,
		SourceUserID: "alice",
		SourceDevice: 1,
		Timestamp:    1700000000000,
	})
	if status := handleOnce(t, r, "PUT", "/api/v1/message", receipt); status != 200 {
		t.Errorf("status = %d, want 200", status)
	}
	ev := expectEvent[DeliveryReceiptEvent](t, ch)
	if ev.Sender != "alice" || ev.Device != 1 {
		t.Errorf("receipt from %s.%d", ev.Sender, ev.Device)
	}
}

func TestReceiverDecryptsDataMessage(t *testing.T) {
	alice := newAccount(t, 100)
	bob := newAccount(t, 200)

	events := NewEvents()
	ch, unsub := events.Subscribe(16)
	defer unsub()
	r := NewReceiver(bob, events, NewAddrLocks(), "bob", 1, nil)

	bobAddr := ratchet.NewAddress("bob", 1)
	bundle := bundleFor(t, bob, 1)

	for i, body := range []string{"hello", "world"} {
		env := encryptEnvelope(t, alice, bundle, bobAddr, "alice", 2, &wire.Content{
			DataMessage: &wire.DataMessage{Body: body, Timestamp: uint64(1700000000000 + i)},
		})
		if status := handleOnce(t, r, "PUT", "/api/v1/message", env); status != 200 {
			t.Fatalf("message %d: status = %d", i, status)
		}
		ev := expectEvent[MessageEvent](t, ch)
		if ev.Message.Body != body {
			t.Errorf("message %d: body = %q, want %q", i, ev.Message.Body, body)
		}
		if ev.Sender != "alice" || ev.Device != 2 {
			t.Errorf("message %d: sender %s.%d", i, ev.Sender, ev.Device)
		}
	}

	// The handshake established a session bob can answer on.
	ok, err := bob.ContainsSession(ratchet.NewAddress("alice", 2))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("no session stored for alice.2 after pre-key message")
	}
}

func TestReceiverSyncMessages(t *testing.T) {
	// Device 2 of bob's own account syncs to device 1.
	otherDevice := newAccount(t, 100)
	bob := newAccount(t, 200)

	events := NewEvents()
	ch, unsub := events.Subscribe(16)
	defer unsub()
	r := NewReceiver(bob, events, NewAddrLocks(), "bob", 1, nil)

	bobAddr := ratchet.NewAddress("bob", 1)
	bundle := bundleFor(t, bob, 1)

	env := encryptEnvelope(t, otherDevice, bundle, bobAddr, "bob", 2, &wire.Content{
		SyncMessage: &wire.SyncMessage{
			Sent: &wire.SyncSent{
				Destination: "carol",
				Timestamp:   1700000000000,
				Message:     &wire.DataMessage{Body: "synced"},
			},
			Read: []*wire.SyncRead{
				{Sender: "carol", Timestamp: 1},
				{Sender: "dave", Timestamp: 2},
			},
		},
	})
	if status := handleOnce(t, r, "PUT", "/api/v1/message", env); status != 200 {
		t.Fatalf("status = %d", status)
	}

	sent := expectEvent[SyncSentEvent](t, ch)
	if sent.Destination != "carol" || sent.Message.Body != "synced" {
		t.Errorf("sync sent: dest=%s body=%q", sent.Destination, sent.Message.Body)
	}
	reads := expectEvent[ReadReceiptsEvent](t, ch)
	if len(reads.Reads) != 2 {
		t.Errorf("got %d read receipts, want 2", len(reads.Reads))
	}
}

func TestReceiverDropsForeignSync(t *testing.T) {
	alice := newAccount(t, 100)
	bob := newAccount(t, 200)

	events := NewEvents()
	ch, unsub := events.Subscribe(16)
	defer unsub()
	r := NewReceiver(bob, events, NewAddrLocks(), "bob", 1, nil)

	env := encryptEnvelope(t, alice, bundleFor(t, bob, 1), ratchet.NewAddress("bob", 1),
		"alice", 1, &wire.Content{
			SyncMessage: &wire.SyncMessage{
				Sent: &wire.SyncSent{Destination: "bob", Message: &wire.DataMessage{Body: "forged"}},
			},
		})
	if status := handleOnce(t, r, "PUT", "/api/v1/message", env); status != 200 {
		t.Fatalf("status = %d", status)
	}
	expectNoEvent(t, ch)
}

func TestReceiverIdentityChange(t *testing.T) {
	alice := newAccount(t, 100)
	bob := newAccount(t, 200)

	events := NewEvents()
	ch, unsub := events.Subscribe(16)
	defer unsub()
	r := NewReceiver(bob, events, NewAddrLocks(), "bob", 1, nil)

	// Bob has recorded a different key for alice.2 before her first
	// message arrives.
	aliceAddr := ratchet.NewAddress("alice", 2)
	other, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.SaveIdentity(aliceAddr, other.PublicKey()); err != nil {
		t.Fatal(err)
	}

	env := encryptEnvelope(t, alice, bundleFor(t, bob, 1), ratchet.NewAddress("bob", 1),
		"alice", 2, &wire.Content{DataMessage: &wire.DataMessage{Body: "hi"}})
	if status := handleOnce(t, r, "PUT", "/api/v1/message", env); status != 200 {
		t.Fatalf("status = %d", status)
	}

	ev := expectEvent[IdentityChangeEvent](t, ch)
	if ev.Address != aliceAddr {
		t.Errorf("identity change for %s, want %s", ev.Address, aliceAddr)
	}
}

func TestReceiverEndSessionDeletesUnderLock(t *testing.T) {
	alice := newAccount(t, 100)
	bkv := newBlockingKV("sessions")
	bob := store.New(bkv)
	initAccount(t, bob, 200)

	events := NewEvents()
	ch, unsub := events.Subscribe(16)
	defer unsub()
	locks := NewAddrLocks()
	r := NewReceiver(bob, events, locks, "bob", 1, nil)

	env := encryptEnvelope(t, alice, bundleFor(t, bob, 1), ratchet.NewAddress("bob", 1),
		"alice", 2, &wire.Content{
			DataMessage: &wire.DataMessage{Body: "bye", Flags: wire.DataMessageFlagEndSession},
		})

	handled := make(chan uint32, 1)
	go func() {
		handled <- handleOnce(t, r, "PUT", "/api/v1/message", env)
	}()

	<-bkv.entered

	// The session teardown is still in progress; the address lock must
	// be held so a concurrent encrypt cannot store the session back.
	aliceAddr := ratchet.NewAddress("alice", 2)
	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock(aliceAddr)
		unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("address lock free while the session delete was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(bkv.release)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("address lock never released")
	}
	if status := <-handled; status != 200 {
		t.Fatalf("status = %d", status)
	}

	ok, err := bob.ContainsSession(aliceAddr)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("session survived the end-session message")
	}
	ev := expectEvent[MessageEvent](t, ch)
	if ev.Message.Flags&wire.DataMessageFlagEndSession == 0 {
		t.Errorf("message flags = %d", ev.Message.Flags)
	}
}

func TestReceiverQueueEmpty(t *testing.T) {
	bob := newAccount(t, 200)
	events := NewEvents()
	ch, unsub := events.Subscribe(16)
	defer unsub()
	r := NewReceiver(bob, events, NewAddrLocks(), "bob", 1, nil)

	if status := handleOnce(t, r, "PUT", "/api/v1/queue/empty", nil); status != 200 {
		t.Fatalf("status = %d", status)
	}
	expectEvent[QueueEmptyEvent](t, ch)
}

package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pjdhoorn/mercury-go/internal/directory"
	"github.com/pjdhoorn/mercury-go/internal/kv"
	"github.com/pjdhoorn/mercury-go/internal/ratchet"
	"github.com/pjdhoorn/mercury-go/internal/store"
	"github.com/pjdhoorn/mercury-go/internal/wire"
)

var rawB64 = base64.StdEncoding.WithPadding(base64.NoPadding)

// blockingKV wraps an in-memory store and stalls Remove calls in one
// namespace until release is closed. The first stalled call closes
// entered.
type blockingKV struct {
	kv.Store
	ns      string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingKV(ns string) *blockingKV {
	return &blockingKV{
		Store:   kv.NewMemory(),
		ns:      ns,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingKV) Remove(namespace, key string) error {
	if namespace == b.ns {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.Store.Remove(namespace, key)
}

// apiServer is a fake key/message server backed by per-device account
// stores. Devices listed in missing serve 404 for their bundle.
type apiServer struct {
	t       *testing.T
	user    string
	devices map[uint32]*store.Store
	missing map[uint32]bool

	mu          sync.Mutex
	bundleCalls map[uint32]int
	sent        []directory.OutgoingMessageList
	putStatuses []int // scripted status per PUT, then 200
	putBodies   []string
}

func newAPIServer(t *testing.T, user string, devices map[uint32]*store.Store) *apiServer {
	return &apiServer{
		t:           t,
		user:        user,
		devices:     devices,
		missing:     make(map[uint32]bool),
		bundleCalls: make(map[uint32]int),
	}
}

func (a *apiServer) deviceInfo(deviceID uint32) directory.PreKeyDeviceInfo {
	st := a.devices[deviceID]
	bundle := bundleFor(a.t, st, deviceID)
	info := directory.PreKeyDeviceInfo{
		DeviceID:       deviceID,
		RegistrationID: bundle.RegistrationID,
		SignedPreKey: &directory.SignedPreKeyEntity{
			KeyID:     bundle.SignedPreKeyID,
			PublicKey: rawB64.EncodeToString(bundle.SignedPreKey),
			Signature: rawB64.EncodeToString(bundle.SignedPreKeySignature),
		},
	}
	if bundle.PreKeyID != nil {
		info.PreKey = &directory.PreKeyEntity{
			KeyID:     *bundle.PreKeyID,
			PublicKey: rawB64.EncodeToString(bundle.PreKey),
		}
	}
	return info
}

func (a *apiServer) identityKey() string {
	for _, st := range a.devices {
		ik, err := st.IdentityKeyPair()
		if err != nil {
			a.t.Fatal(err)
		}
		return rawB64.EncodeToString(ik.PublicKey())
	}
	a.t.Fatal("no devices")
	return ""
}

func (a *apiServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v2/keys/"+a.user+"/"):
		a.serveKeys(w, r, strings.TrimPrefix(r.URL.Path, "/v2/keys/"+a.user+"/"))
	case r.Method == http.MethodPut && r.URL.Path == "/v1/messages/"+a.user:
		a.serveMessages(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *apiServer) serveKeys(w http.ResponseWriter, r *http.Request, device string) {
	resp := directory.PreKeyResponse{IdentityKey: a.identityKey()}
	if device == "*" {
		for id := range a.devices {
			resp.Devices = append(resp.Devices, a.deviceInfo(id))
		}
		for id := range a.missing {
			resp.Devices = append(resp.Devices, directory.PreKeyDeviceInfo{
				DeviceID: id,
				SignedPreKey: &directory.SignedPreKeyEntity{
					PublicKey: rawB64.EncodeToString(make([]byte, 32)),
					Signature: rawB64.EncodeToString(make([]byte, 64)),
				},
			})
		}
		json.NewEncoder(w).Encode(resp)
		return
	}
	id, err := strconv.ParseUint(device, 10, 32)
	if err != nil {
		http.Error(w, "bad device", http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.bundleCalls[uint32(id)]++
	a.mu.Unlock()
	if a.missing[uint32(id)] {
		http.NotFound(w, r)
		return
	}
	if _, ok := a.devices[uint32(id)]; !ok {
		http.NotFound(w, r)
		return
	}
	resp.Devices = append(resp.Devices, a.deviceInfo(uint32(id)))
	json.NewEncoder(w).Encode(resp)
}

func (a *apiServer) serveMessages(w http.ResponseWriter, r *http.Request) {
	var list directory.OutgoingMessageList
	if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.sent = append(a.sent, list)
	status := http.StatusOK
	body := ""
	if len(a.putStatuses) > 0 {
		status = a.putStatuses[0]
		a.putStatuses = a.putStatuses[1:]
		if len(a.putBodies) > 0 {
			body = a.putBodies[0]
			a.putBodies = a.putBodies[1:]
		}
	}
	a.mu.Unlock()
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (a *apiServer) sentLists() []directory.OutgoingMessageList {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]directory.OutgoingMessageList(nil), a.sent...)
}

func newTestSender(t *testing.T, srv *httptest.Server, localStore *store.Store) *Sender {
	t.Helper()
	tr := directory.NewTransport(srv.URL, nil, nil)
	api := directory.NewClient(tr, &directory.BasicAuth{Username: "alice.1", Password: "pw"}, nil)
	return NewSender(localStore, api, NewAddrLocks(), "alice", 1, nil)
}

// decryptOutgoing decrypts one outgoing message on the receiving
// device's store and returns the content.
func decryptOutgoing(t *testing.T, st *store.Store, senderAddr ratchet.Address, msg directory.OutgoingMessage) *wire.Content {
	t.Helper()
	data, err := directory.DecodeContent(msg.Content)
	if err != nil {
		t.Fatal(err)
	}
	var plaintext []byte
	switch msg.Type {
	case wire.EnvelopePreKeyBundle:
		plaintext, err = ratchet.DecryptPreKeyMessage(data, senderAddr, st, st, st, st)
	case wire.EnvelopeCiphertext:
		plaintext, err = ratchet.DecryptMessage(data, senderAddr, st, st)
	default:
		t.Fatalf("unexpected message type %d", msg.Type)
	}
	if err != nil {
		t.Fatal(err)
	}
	content, err := wire.UnmarshalContent(stripPadding(plaintext))
	if err != nil {
		t.Fatal(err)
	}
	return content
}

func TestSendFanOutWithMissingBundle(t *testing.T) {
	alice := newAccount(t, 100)
	bobDevices := map[uint32]*store.Store{
		1: newAccount(t, 201),
		2: newAccount(t, 202),
	}
	api := newAPIServer(t, "bob", bobDevices)
	api.missing[3] = true // listed but bundle fetch fails
	srv := httptest.NewServer(api)
	defer srv.Close()

	snd := newTestSender(t, srv, alice)
	results, err := snd.SendDataMessage(context.Background(),
		[]Recipient{{UserID: "bob"}},
		&wire.DataMessage{Body: "fan out"}, false)
	if err != nil {
		t.Fatal(err)
	}

	var ok, failed int
	for _, res := range results {
		if res.OK() {
			ok++
		} else {
			failed++
			if res.Address.DeviceID != 3 {
				t.Errorf("unexpected failure for %s: %v", res.Address, res.Err)
			}
		}
	}
	if ok != 2 || failed != 1 {
		t.Fatalf("got %d ok, %d failed, want 2 ok, 1 failed: %+v", ok, failed, results)
	}

	lists := api.sentLists()
	if len(lists) != 1 {
		t.Fatalf("got %d message lists, want 1", len(lists))
	}
	if len(lists[0].Messages) != 2 {
		t.Fatalf("got %d messages in list, want 2", len(lists[0].Messages))
	}

	// Both reachable devices can decrypt what was transmitted.
	senderAddr := ratchet.NewAddress("alice", 1)
	for _, msg := range lists[0].Messages {
		content := decryptOutgoing(t, bobDevices[msg.DestinationDeviceID], senderAddr, msg)
		if content.DataMessage == nil || content.DataMessage.Body != "fan out" {
			t.Errorf("device %d decrypted %+v", msg.DestinationDeviceID, content)
		}
	}
}

func TestSendStaleDeviceRebuildsAndRetries(t *testing.T) {
	alice := newAccount(t, 100)
	bobDevices := map[uint32]*store.Store{1: newAccount(t, 201)}
	api := newAPIServer(t, "bob", bobDevices)
	api.putStatuses = []int{http.StatusGone}
	api.putBodies = []string{`{"staleDevices":[1]}`}
	srv := httptest.NewServer(api)
	defer srv.Close()

	snd := newTestSender(t, srv, alice)
	results, err := snd.SendDataMessage(context.Background(),
		[]Recipient{{UserID: "bob", DeviceID: 1}},
		&wire.DataMessage{Body: "retry me"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].OK() {
		t.Fatalf("results = %+v", results)
	}

	lists := api.sentLists()
	if len(lists) != 2 {
		t.Fatalf("got %d PUTs, want 2 (original + retry)", len(lists))
	}
	// The retry re-established the session, so the bundle was fetched
	// twice and the second message restarts the handshake.
	if n := api.bundleCalls[1]; n != 2 {
		t.Errorf("bundle fetched %d times, want 2", n)
	}
	if lists[1].Messages[0].Type != wire.EnvelopePreKeyBundle {
		t.Errorf("retry message type = %d, want pre-key", lists[1].Messages[0].Type)
	}
}

func TestSendStaleSessionDeleteHoldsAddressLock(t *testing.T) {
	bkv := newBlockingKV("sessions")
	alice := store.New(bkv)
	initAccount(t, alice, 100)
	bobDevices := map[uint32]*store.Store{1: newAccount(t, 201)}
	api := newAPIServer(t, "bob", bobDevices)
	api.putStatuses = []int{http.StatusGone}
	api.putBodies = []string{`{"staleDevices":[1]}`}
	srv := httptest.NewServer(api)
	defer srv.Close()

	tr := directory.NewTransport(srv.URL, nil, nil)
	client := directory.NewClient(tr, &directory.BasicAuth{Username: "alice.1", Password: "pw"}, nil)
	locks := NewAddrLocks()
	snd := NewSender(alice, client, locks, "alice", 1, nil)

	type outcome struct {
		results []SendResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		results, err := snd.SendDataMessage(context.Background(),
			[]Recipient{{UserID: "bob", DeviceID: 1}},
			&wire.DataMessage{Body: "rebuild"}, false)
		done <- outcome{results, err}
	}()

	<-bkv.entered

	// The stale session is mid-delete; a concurrent encrypt for the
	// same address must wait instead of storing the session back.
	bobAddr := ratchet.NewAddress("bob", 1)
	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock(bobAddr)
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

	out := <-done
	if out.err != nil {
		t.Fatal(out.err)
	}
	if len(out.results) != 1 || !out.results[0].OK() {
		t.Fatalf("results = %+v", out.results)
	}
	if got := len(api.sentLists()); got != 2 {
		t.Errorf("got %d PUTs, want 2 (original + retry)", got)
	}
}

func TestSendSecondFailureIsTerminal(t *testing.T) {
	alice := newAccount(t, 100)
	bobDevices := map[uint32]*store.Store{1: newAccount(t, 201)}
	api := newAPIServer(t, "bob", bobDevices)
	api.putStatuses = []int{http.StatusGone, http.StatusGone}
	api.putBodies = []string{`{"staleDevices":[1]}`, `{"staleDevices":[1]}`}
	srv := httptest.NewServer(api)
	defer srv.Close()

	snd := newTestSender(t, srv, alice)
	results, err := snd.SendDataMessage(context.Background(),
		[]Recipient{{UserID: "bob", DeviceID: 1}},
		&wire.DataMessage{Body: "doomed"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].OK() {
		t.Fatalf("results = %+v", results)
	}
	var stale *directory.StaleDevicesError
	if !errors.As(results[0].Err, &stale) {
		t.Errorf("result error = %v, want StaleDevicesError", results[0].Err)
	}
	if len(api.sentLists()) != 2 {
		t.Errorf("got %d PUTs, want exactly 2", len(api.sentLists()))
	}
}

func TestSendRequiresRegistration(t *testing.T) {
	unregistered := store.New(kv.NewMemory())
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	snd := newTestSender(t, srv, unregistered)
	_, err := snd.SendDataMessage(context.Background(),
		[]Recipient{{UserID: "bob"}}, &wire.DataMessage{Body: "x"}, false)
	if !errors.Is(err, store.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestSendLeavesMessageUnmodified(t *testing.T) {
	alice := newAccount(t, 100)
	bobDevices := map[uint32]*store.Store{1: newAccount(t, 201)}
	api := newAPIServer(t, "bob", bobDevices)
	srv := httptest.NewServer(api)
	defer srv.Close()

	snd := newTestSender(t, srv, alice)
	dm := &wire.DataMessage{Body: "stamped"}
	results, err := snd.SendDataMessage(context.Background(),
		[]Recipient{{UserID: "bob", DeviceID: 1}}, dm, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Timestamp == 0 {
		t.Fatalf("results = %+v", results)
	}

	// The send timestamp goes on the wire, not on the caller's message.
	if dm.Timestamp != 0 {
		t.Errorf("caller's message timestamp = %d, want 0", dm.Timestamp)
	}
	content := decryptOutgoing(t, bobDevices[1], ratchet.NewAddress("alice", 1),
		api.sentLists()[0].Messages[0])
	if content.DataMessage.Timestamp != results[0].Timestamp {
		t.Errorf("delivered timestamp = %d, want %d",
			content.DataMessage.Timestamp, results[0].Timestamp)
	}
}

func TestConcurrentSendsStaySerialized(t *testing.T) {
	alice := newAccount(t, 100)
	bobDevices := map[uint32]*store.Store{1: newAccount(t, 201)}
	api := newAPIServer(t, "bob", bobDevices)
	srv := httptest.NewServer(api)
	defer srv.Close()

	snd := newTestSender(t, srv, alice)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results, err := snd.SendDataMessage(context.Background(),
				[]Recipient{{UserID: "bob", DeviceID: 1}},
				&wire.DataMessage{Body: fmt.Sprintf("msg-%d", i)}, false)
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
			if len(results) != 1 || !results[0].OK() {
				t.Errorf("send %d: results = %+v", i, results)
			}
		}(i)
	}
	wg.Wait()

	// Every transmitted message must decrypt cleanly: interleaved
	// session updates would corrupt the ratchet state.
	senderAddr := ratchet.NewAddress("alice", 1)
	got := make(map[string]bool)
	for _, list := range api.sentLists() {
		for _, msg := range list.Messages {
			content := decryptOutgoing(t, bobDevices[1], senderAddr, msg)
			got[content.DataMessage.Body] = true
		}
	}
	if len(got) != n {
		t.Fatalf("decrypted %d distinct messages, want %d", len(got), n)
	}
}

func TestSyncToSelf(t *testing.T) {
	alice := newAccount(t, 100)
	aliceDevice2 := newAccount(t, 102)
	bobDevices := map[uint32]*store.Store{1: newAccount(t, 201)}

	bobAPI := newAPIServer(t, "bob", bobDevices)
	selfAPI := newAPIServer(t, "alice", map[uint32]*store.Store{2: aliceDevice2})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/bob") {
			bobAPI.ServeHTTP(w, r)
			return
		}
		selfAPI.ServeHTTP(w, r)
	}))
	defer srv.Close()

	// A session with our own second device already exists, so no
	// directory device lookup is needed.
	if err := ratchet.ProcessPreKeyBundle(bundleFor(t, aliceDevice2, 2),
		ratchet.NewAddress("alice", 2), alice, alice); err != nil {
		t.Fatal(err)
	}

	snd := newTestSender(t, srv, alice)
	results, err := snd.SendDataMessage(context.Background(),
		[]Recipient{{UserID: "bob", DeviceID: 1}},
		&wire.DataMessage{Body: "original"}, true)
	if err != nil {
		t.Fatal(err)
	}

	var gotSelf bool
	for _, res := range results {
		if res.Address.UserID == "alice" {
			gotSelf = true
			if res.Address.DeviceID != 2 || !res.OK() {
				t.Errorf("self result = %+v", res)
			}
		}
	}
	if !gotSelf {
		t.Fatal("no sync result for own device")
	}

	lists := selfAPI.sentLists()
	if len(lists) != 1 {
		t.Fatalf("got %d sync lists, want 1", len(lists))
	}
	content := decryptOutgoing(t, aliceDevice2, ratchet.NewAddress("alice", 1), lists[0].Messages[0])
	sent := content.SyncMessage.Sent
	if sent == nil || sent.Destination != "bob" || sent.Message.Body != "original" {
		t.Fatalf("sync content = %+v", content.SyncMessage)
	}
}

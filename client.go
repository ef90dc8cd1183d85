// Package mercury provides a high-level client for the Mercury
// end-to-end encrypted messaging platform.
package mercury

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pjdhoorn/mercury-go/internal/directory"
	"github.com/pjdhoorn/mercury-go/internal/kv"
	"github.com/pjdhoorn/mercury-go/internal/ratchet"
	"github.com/pjdhoorn/mercury-go/internal/service"
	"github.com/pjdhoorn/mercury-go/internal/socket"
	"github.com/pjdhoorn/mercury-go/internal/store"
	"github.com/pjdhoorn/mercury-go/internal/wire"
)

const (
	defaultAPIURL = "https://chat.mercury.im"
	defaultWSURL  = "wss://chat.mercury.im"

	registerPreKeyCount = 100
)

// KV is the key/value backend the client persists keys, sessions, and
// credentials in. The default is a SQLite database in the user data
// directory; kv backends for Redis and in-memory use exist as well.
type KV = kv.Store

// Event is a typed notification from the receive loop. Subscribe
// returns a channel of these; switch on the concrete type.
type Event = service.Event

// Event types published by the receive loop.
type (
	MessageEvent         = service.MessageEvent
	DeliveryReceiptEvent = service.DeliveryReceiptEvent
	ReadReceiptsEvent    = service.ReadReceiptsEvent
	SyncSentEvent        = service.SyncSentEvent
	SyncRequestEvent     = service.SyncRequestEvent
	IdentityChangeEvent  = service.IdentityChangeEvent
	QueueEmptyEvent      = service.QueueEmptyEvent
	ErrorEvent           = service.ErrorEvent
)

// Recipient names a send target: a whole user (DeviceID 0) or one
// specific device.
type Recipient = service.Recipient

// SendResult is the per-device outcome of a send.
type SendResult = service.SendResult

// DataMessage is the plaintext message payload.
type DataMessage = wire.DataMessage

// DeviceInfo describes one registered device of the account.
type DeviceInfo = directory.DeviceInfo

// Client is the main entry point for interacting with Mercury.
type Client struct {
	apiURL    string
	wsURL     string
	tlsConfig *tls.Config
	logger    *log.Logger
	dbPath    string
	kvStore   kv.Store

	store    *store.Store
	account  *store.Account
	api      *directory.Client
	events   *service.Events
	locks    *service.AddrLocks
	sender   *service.Sender
	receiver *service.Receiver
	mux      *socket.Mux
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithKV sets the key/value backend for persistent storage. If not
// set, a SQLite database in the default data directory is opened on
// Load or Register.
func WithKV(s KV) Option {
	return func(c *Client) { c.kvStore = s }
}

// WithEndpoints overrides the default REST API and WebSocket URLs.
// Empty values keep the defaults.
func WithEndpoints(apiURL, wsURL string) Option {
	return func(c *Client) {
		if apiURL != "" {
			c.apiURL = apiURL
		}
		if wsURL != "" {
			c.wsURL = wsURL
		}
	}
}

// WithTLSConfig overrides the TLS configuration used for connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDBPath overrides the SQLite database path. Ignored when WithKV
// is given.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// OpenRedisKV opens a Redis-backed KV store for WithKV.
func OpenRedisKV(addr string) (KV, error) {
	return kv.OpenRedis(addr, "mercury")
}

// NewClient creates a new Mercury client. Call Register to create an
// account or Load to open an existing one before connecting.
func NewClient(opts ...Option) *Client {
	c := &Client{
		apiURL: defaultAPIURL,
		wsURL:  defaultWSURL,
	}
	for _, o := range opts {
		o(c)
	}
	c.api = directory.NewClient(directory.NewTransport(c.apiURL, c.tlsConfig, c.logger), nil, c.logger)
	c.events = service.NewEvents()
	c.locks = service.NewAddrLocks()
	return c
}

// Load opens the store and loads the account credentials saved by an
// earlier Register.
func (c *Client) Load() error {
	if err := c.openStore(); err != nil {
		return fmt.Errorf("mercury: open store: %w", err)
	}
	acct, err := c.store.LoadAccount()
	if err != nil {
		return fmt.Errorf("mercury: load account: %w", err)
	}
	if acct == nil {
		return fmt.Errorf("mercury: no account found (register first)")
	}
	c.account = acct
	c.initService()
	return nil
}

// Register creates a new account: it generates the identity key pair
// and registration id, registers with the server under name, uploads
// an initial pre-key batch, and persists the assigned credentials.
func (c *Client) Register(ctx context.Context, name string) error {
	if err := c.openStore(); err != nil {
		return fmt.Errorf("mercury: open store: %w", err)
	}
	if acct, err := c.store.LoadAccount(); err != nil {
		return fmt.Errorf("mercury: load account: %w", err)
	} else if acct != nil {
		return fmt.Errorf("mercury: already registered as %s.%d", acct.UserID, acct.DeviceID)
	}

	ik, err := c.ensureIdentity()
	if err != nil {
		return err
	}
	regID := generateRegistrationID()
	if err := c.store.SetLocalRegistrationID(regID); err != nil {
		return fmt.Errorf("mercury: store registration id: %w", err)
	}

	// The password travels in the auth header; the server binds it to
	// the account it creates.
	password := generatePassword()
	c.api.SetAuth(&directory.BasicAuth{Username: name, Password: password})
	resp, err := c.api.RegisterAccount(ctx, &directory.RegisterRequest{
		RegistrationID:  regID,
		FetchesMessages: true,
		Name:            name,
	})
	if err != nil {
		return fmt.Errorf("mercury: register account: %w", err)
	}
	if _, err := uuid.Parse(resp.UserID); err != nil {
		return fmt.Errorf("mercury: server returned invalid user id %q: %w", resp.UserID, err)
	}

	c.account = &store.Account{
		UserID:   resp.UserID,
		DeviceID: resp.DeviceID,
		Password: password,
		Name:     name,
	}
	c.initService()

	preKeys, err := c.store.GeneratePreKeys(registerPreKeyCount)
	if err != nil {
		return fmt.Errorf("mercury: generate pre-keys: %w", err)
	}
	signed, err := c.store.RotateSignedPreKey()
	if err != nil {
		return fmt.Errorf("mercury: rotate signed pre-key: %w", err)
	}
	if err := c.api.RegisterKeys(ctx, directory.NewKeyUpload(ik.PublicKey(), preKeys, signed)); err != nil {
		return fmt.Errorf("mercury: upload keys: %w", err)
	}

	if err := c.store.SaveAccount(c.account); err != nil {
		return fmt.Errorf("mercury: save account: %w", err)
	}
	logf(c.logger, "registered as %s.%d", c.account.UserID, c.account.DeviceID)
	return nil
}

// RefreshPreKeys generates and uploads a fresh one-time pre-key batch
// together with the current signed pre-key. Use this when the server
// runs low on keys for this device.
func (c *Client) RefreshPreKeys(ctx context.Context, count int) error {
	if c.account == nil {
		return errNotLoaded()
	}
	ik, err := c.store.IdentityKeyPair()
	if err != nil {
		return fmt.Errorf("mercury: identity key pair: %w", err)
	}
	preKeys, err := c.store.GeneratePreKeys(count)
	if err != nil {
		return fmt.Errorf("mercury: generate pre-keys: %w", err)
	}
	lastID, err := c.store.SignedPreKeyLastID()
	if err != nil {
		return fmt.Errorf("mercury: signed pre-key id: %w", err)
	}
	signed, err := c.store.LoadSignedPreKey(lastID)
	if err != nil {
		return fmt.Errorf("mercury: load signed pre-key: %w", err)
	}
	if err := c.api.RegisterKeys(ctx, directory.NewKeyUpload(ik.PublicKey(), preKeys, signed)); err != nil {
		return fmt.Errorf("mercury: upload keys: %w", err)
	}
	return nil
}

// Connect opens the authenticated WebSocket and starts the receive
// loop. Incoming messages surface through Subscribe. There is no
// automatic reconnect: when the connection fails, a Disconnected or
// failed state is entered and Connect may be called again.
func (c *Client) Connect(ctx context.Context) error {
	if c.account == nil {
		return errNotLoaded()
	}
	return c.mux.Connect(ctx)
}

// Disconnect closes the WebSocket and rejects all pending requests.
func (c *Client) Disconnect() error {
	if c.mux == nil {
		return nil
	}
	return c.mux.Disconnect()
}

// Subscribe registers an event channel with the given buffer size.
// Events are dropped for subscribers whose buffer is full. The
// returned function unsubscribes and closes the channel.
func (c *Client) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.Subscribe(buffer)
}

// Send encrypts and delivers a text message to every device of the
// recipient user, and syncs it to the account's other devices. It
// returns one result per device.
func (c *Client) Send(ctx context.Context, recipient string, text string) ([]SendResult, error) {
	if _, err := uuid.Parse(recipient); err != nil {
		return nil, fmt.Errorf("mercury: invalid recipient %q (expected user id): %w", recipient, err)
	}
	dm := &wire.DataMessage{
		Body:      text,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
	return c.SendMessage(ctx, []Recipient{{UserID: recipient}}, dm, true)
}

// SendMessage is the lower-level send: an explicit payload, explicit
// recipient devices, and control over self-sync.
func (c *Client) SendMessage(ctx context.Context, recipients []Recipient, dm *DataMessage, syncToSelf bool) ([]SendResult, error) {
	if c.account == nil {
		return nil, errNotLoaded()
	}
	return c.sender.SendDataMessage(ctx, recipients, dm, syncToSelf)
}

// Devices lists the registered devices of this account.
func (c *Client) Devices(ctx context.Context) ([]DeviceInfo, error) {
	if c.account == nil {
		return nil, errNotLoaded()
	}
	return c.api.GetDevices(ctx)
}

// UserID returns the server-assigned user id, or "" before Load or
// Register.
func (c *Client) UserID() string {
	if c.account == nil {
		return ""
	}
	return c.account.UserID
}

// DeviceID returns the device id assigned during registration.
func (c *Client) DeviceID() uint32 {
	if c.account == nil {
		return 0
	}
	return c.account.DeviceID
}

// IdentityKey returns the local public identity key bytes.
func (c *Client) IdentityKey() ([]byte, error) {
	if c.store == nil {
		return nil, errNotLoaded()
	}
	ik, err := c.store.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	if ik == nil {
		return nil, fmt.Errorf("mercury: no identity key generated yet")
	}
	return ik.PublicKey(), nil
}

// Close disconnects and closes the underlying store.
func (c *Client) Close() error {
	if err := c.Disconnect(); err != nil {
		logf(c.logger, "disconnect on close: %v", err)
	}
	if closer, ok := c.kvStore.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// initService wires the sender, receiver, and mux once credentials
// are known (called from Load and Register).
func (c *Client) initService() {
	auth := &directory.BasicAuth{
		Username: fmt.Sprintf("%s.%d", c.account.UserID, c.account.DeviceID),
		Password: c.account.Password,
	}
	c.api.SetAuth(auth)
	c.sender = service.NewSender(c.store, c.api, c.locks, c.account.UserID, c.account.DeviceID, c.logger)
	c.receiver = service.NewReceiver(c.store, c.events, c.locks, c.account.UserID, c.account.DeviceID, c.logger)
	c.mux = socket.NewMux(c.wsURL+"/v1/websocket/",
		socket.WithHandler(c.receiver.Handle),
		socket.WithHeaders(buildWebSocketHeaders(auth)),
		socket.WithTLSConfig(c.tlsConfig),
		socket.WithMuxLogger(c.logger),
	)
}

func (c *Client) openStore() error {
	if c.kvStore == nil {
		dbPath := c.dbPath
		if dbPath == "" {
			dbPath = filepath.Join(kv.DefaultDataDir(), "mercury.db")
		}
		s, err := kv.OpenSQLite(dbPath)
		if err != nil {
			return err
		}
		c.kvStore = s
	}
	c.store = store.New(c.kvStore)
	return nil
}

// ensureIdentity returns the identity key pair, generating and storing
// one when the account has none yet.
func (c *Client) ensureIdentity() (*ratchet.IdentityKeyPair, error) {
	ik, err := c.store.IdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("mercury: identity key pair: %w", err)
	}
	if ik != nil {
		return ik, nil
	}
	ik, err = ratchet.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("mercury: generate identity: %w", err)
	}
	if err := c.store.SetIdentityKeyPair(ik); err != nil {
		return nil, fmt.Errorf("mercury: store identity: %w", err)
	}
	return ik, nil
}

func errNotLoaded() error {
	return fmt.Errorf("mercury: not loaded (call Register or Load first)")
}

// buildWebSocketHeaders constructs the HTTP headers for the
// authenticated WebSocket.
func buildWebSocketHeaders(auth *directory.BasicAuth) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
		[]byte(auth.Username+":"+auth.Password)))
	h.Set("X-Mercury-Agent", "mercury-go")
	return h
}

// generateRegistrationID generates a random 14-bit registration id
// (1-16384).
func generateRegistrationID() uint32 {
	var buf [4]byte
	rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])&0x3FFF + 1
}

// generatePassword generates a random 24-byte password,
// base64url-encoded.
func generatePassword() string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

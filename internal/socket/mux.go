package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pjdhoorn/mercury-go/internal/wire"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second

	// handlerQueueSize bounds how many inbound requests may wait for
	// the handler before reads stall.
	handlerQueueSize = 64
)

// ErrDisconnected is returned for requests that cannot complete
// because the connection is down or was torn down while they were in
// flight.
var ErrDisconnected = errors.New("socket: disconnected")

// State is the connection lifecycle state of a Mux.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	// StateFailed means the last connection attempt or established
	// connection failed. Connect may be called again to retry.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler processes one inbound request frame. Respond sends the
// response exactly once; later calls are no-ops.
type Handler func(ctx context.Context, req *wire.SocketRequestMessage, respond Responder)

// Responder sends the response for one inbound request. body is
// optional response payload; nil sends an empty response.
type Responder func(status uint32, message string, body []byte) error

// Mux multiplexes request/response frames over one framed WebSocket.
// Outgoing requests get unique correlation ids and their responses are
// matched back to the waiting caller; inbound requests are queued to
// the handler in arrival order.
type Mux struct {
	url     string
	tlsConf *tls.Config
	headers http.Header
	handler Handler
	logger  *log.Logger

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	nextID atomic.Uint64

	mu         sync.Mutex
	state      State
	conn       *Conn
	pending    map[uint64]chan *wire.SocketResponseMessage
	stop       context.CancelFunc
	done       chan struct{}
	dialCancel context.CancelFunc
	dialGen    uint64
}

// MuxOption configures a Mux.
type MuxOption func(*Mux)

// WithHandler sets the handler for inbound request frames. Without a
// handler, inbound requests are acknowledged with 200 and dropped.
func WithHandler(h Handler) MuxOption {
	return func(m *Mux) { m.handler = h }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) MuxOption {
	return func(m *Mux) { m.headers = h }
}

// WithTLSConfig sets the TLS configuration for dialing.
func WithTLSConfig(c *tls.Config) MuxOption {
	return func(m *Mux) { m.tlsConf = c }
}

// WithKeepAlive sets the heartbeat interval and response timeout.
func WithKeepAlive(interval, timeout time.Duration) MuxOption {
	return func(m *Mux) {
		m.keepAliveInterval = interval
		m.keepAliveTimeout = timeout
	}
}

// WithMuxLogger sets the debug logger. A nil logger disables logging.
func WithMuxLogger(l *log.Logger) MuxOption {
	return func(m *Mux) { m.logger = l }
}

// NewMux returns a Mux for the given URL. The Mux starts disconnected;
// call Connect before sending.
func NewMux(url string, opts ...MuxOption) *Mux {
	m := &Mux{
		url:               url,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
		pending:           make(map[uint64]chan *wire.SocketResponseMessage),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current connection state.
func (m *Mux) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the connection and starts the read and
// keep-alive loops. Calling Connect while connected or connecting is a
// no-op; calling it from the failed state retries.
func (m *Mux) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting:
		m.mu.Unlock()
		return nil
	case StateDisconnecting:
		m.mu.Unlock()
		return fmt.Errorf("socket: connect while disconnecting")
	}
	m.state = StateConnecting
	m.dialGen++
	gen := m.dialGen
	dialCtx, dialCancel := context.WithCancel(ctx)
	m.dialCancel = dialCancel
	m.mu.Unlock()
	defer dialCancel()

	conn, err := Dial(dialCtx, m.url, m.tlsConf, m.headers)

	m.mu.Lock()
	if m.state != StateConnecting || m.dialGen != gen {
		// Disconnect won the race with the dial, or a newer Connect
		// already superseded this attempt.
		m.mu.Unlock()
		if conn != nil {
			conn.CloseNow()
		}
		return ErrDisconnected
	}
	m.dialCancel = nil
	if err != nil {
		m.state = StateFailed
		m.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.conn = conn
	m.stop = cancel
	m.done = done
	m.state = StateConnected
	m.mu.Unlock()

	go m.run(loopCtx, conn, done)
	return nil
}

// Disconnect closes the connection and cancels all in-flight requests
// with ErrDisconnected. Called while a Connect is still dialing, it
// aborts the dial. It is idempotent.
func (m *Mux) Disconnect() error {
	m.mu.Lock()
	if m.state == StateConnecting {
		// Abort the in-flight dial; the connecting goroutine observes
		// the state change and returns ErrDisconnected.
		if m.dialCancel != nil {
			m.dialCancel()
		}
		m.state = StateDisconnected
		m.mu.Unlock()
		return nil
	}
	if m.state != StateConnected && m.state != StateFailed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateDisconnecting
	conn := m.conn
	stop := m.stop
	done := m.done
	m.conn = nil
	m.stop = nil
	m.done = nil
	m.failPendingLocked()
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if done != nil {
		<-done
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
	return err
}

// failPendingLocked closes every pending response channel. Waiters see
// the closed channel as ErrDisconnected. Caller holds m.mu.
func (m *Mux) failPendingLocked() {
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}

// fail tears down the connection after a transport error. Pending
// requests are cancelled and the state becomes failed, from which
// Connect may retry.
func (m *Mux) fail(err error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.logf("socket: connection failed: %v", err)
	m.state = StateFailed
	conn := m.conn
	stop := m.stop
	m.conn = nil
	m.stop = nil
	m.done = nil
	m.failPendingLocked()
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.CloseNow()
	}
}

// SendRequest sends a request frame and waits for the matching
// response. It returns ErrDisconnected when the connection drops while
// the request is in flight.
func (m *Mux) SendRequest(ctx context.Context, verb, path string, body []byte) (*wire.SocketResponseMessage, error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return nil, ErrDisconnected
	}
	conn := m.conn
	id := m.nextID.Add(1)
	ch := make(chan *wire.SocketResponseMessage, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	msg := &wire.SocketMessage{
		Type: wire.SocketRequest,
		Request: &wire.SocketRequestMessage{
			Verb: verb,
			Path: path,
			Body: body,
			ID:   id,
		},
	}
	if err := conn.WriteMessage(ctx, msg); err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return resp, nil
	}
}

// run owns one connection: it reads frames, dispatches them, and runs
// the keep-alive heartbeat until the connection dies or is torn down.
func (m *Mux) run(ctx context.Context, conn *Conn, done chan struct{}) {
	defer close(done)

	jobs := make(chan *wire.SocketRequestMessage, handlerQueueSize)
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		for req := range jobs {
			m.dispatch(ctx, conn, req)
		}
	}()
	defer workers.Wait()
	defer close(jobs)

	go m.keepAliveLoop(ctx)

	for {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.fail(err)
			}
			return
		}
		switch msg.Type {
		case wire.SocketResponse:
			if msg.Response == nil {
				continue
			}
			m.mu.Lock()
			ch, ok := m.pending[msg.Response.ID]
			if ok {
				delete(m.pending, msg.Response.ID)
			}
			m.mu.Unlock()
			if ok {
				ch <- msg.Response
			} else {
				m.logf("socket: response for unknown id %d", msg.Response.ID)
			}
		case wire.SocketRequest:
			if msg.Request == nil {
				continue
			}
			select {
			case jobs <- msg.Request:
			case <-ctx.Done():
				return
			}
		default:
			m.logf("socket: unknown frame type %d", msg.Type)
		}
	}
}

// dispatch runs the handler for one inbound request with a one-shot
// responder. Requests are acknowledged with 200 when no handler is set
// or the handler never responds.
func (m *Mux) dispatch(ctx context.Context, conn *Conn, req *wire.SocketRequestMessage) {
	var once sync.Once
	respond := func(status uint32, message string, body []byte) error {
		var err error
		once.Do(func() {
			err = conn.SendResponse(ctx, req.ID, status, message, body)
		})
		return err
	}
	if m.handler != nil {
		m.handler(ctx, req, respond)
	}
	if err := respond(200, "OK", nil); err != nil && ctx.Err() == nil {
		m.logf("socket: ack request %d: %v", req.ID, err)
	}
}

// keepAliveLoop sends periodic heartbeat requests. A failed or timed
// out heartbeat tears the connection down.
func (m *Mux) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(m.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kaCtx, cancel := context.WithTimeout(ctx, m.keepAliveTimeout)
			_, err := m.SendRequest(kaCtx, "GET", "/v1/keepalive", nil)
			cancel()
			if err != nil && ctx.Err() == nil && !errors.Is(err, ErrDisconnected) {
				m.fail(fmt.Errorf("socket: keep-alive: %w", err))
				return
			}
		}
	}
}

func (m *Mux) logf(format string, v ...any) {
	if m.logger != nil {
		m.logger.Printf(format, v...)
	}
}

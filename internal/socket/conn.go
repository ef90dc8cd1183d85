// Package socket provides the protobuf-framed WebSocket transport: a
// thin framed connection plus a multiplexer that correlates request
// and response frames over it.
package socket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/pjdhoorn/mercury-go/internal/wire"
)

// Conn wraps a WebSocket connection with socket-message framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("socket: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadMessage reads and unmarshals one socket message from the connection.
func (c *Conn) ReadMessage(ctx context.Context) (*wire.SocketMessage, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("socket: read: %w", err)
	}
	msg, err := wire.UnmarshalSocketMessage(data)
	if err != nil {
		return nil, fmt.Errorf("socket: unmarshal: %w", err)
	}
	return msg, nil
}

// WriteMessage marshals and sends one socket message.
func (c *Conn) WriteMessage(ctx context.Context, msg *wire.SocketMessage) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, wire.MarshalSocketMessage(msg)); err != nil {
		return fmt.Errorf("socket: write: %w", err)
	}
	return nil
}

// SendResponse sends a response frame (used to acknowledge server
// requests). A nil body sends an empty response.
func (c *Conn) SendResponse(ctx context.Context, id uint64, status uint32, message string, body []byte) error {
	return c.WriteMessage(ctx, &wire.SocketMessage{
		Type: wire.SocketResponse,
		Response: &wire.SocketResponseMessage{
			ID:      id,
			Status:  status,
			Message: message,
			Body:    body,
		},
	})
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}

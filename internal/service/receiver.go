package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pjdhoorn/mercury-go/internal/ratchet"
	"github.com/pjdhoorn/mercury-go/internal/socket"
	"github.com/pjdhoorn/mercury-go/internal/store"
	"github.com/pjdhoorn/mercury-go/internal/wire"
)

// Receiver processes inbound socket requests: envelopes are decrypted
// and dispatched as events, the queue-empty marker is surfaced, and
// everything else is acknowledged and dropped. It is registered as the
// mux's inbound handler.
type Receiver struct {
	store  *store.Store
	events *Events
	locks  *AddrLocks
	logger *log.Logger

	localUserID   string
	localDeviceID uint32
}

// NewReceiver returns a receiver publishing to events. locks must be
// shared with the sender operating on the same store.
func NewReceiver(st *store.Store, events *Events, locks *AddrLocks, localUserID string, localDeviceID uint32, logger *log.Logger) *Receiver {
	return &Receiver{
		store:         st,
		events:        events,
		locks:         locks,
		logger:        logger,
		localUserID:   localUserID,
		localDeviceID: localDeviceID,
	}
}

// Handle implements the socket handler contract. A failure to process
// one envelope never stops the receive loop: malformed envelopes are
// rejected with 400, decrypt failures are acknowledged (the server
// will not retry) and surfaced as events.
func (r *Receiver) Handle(ctx context.Context, req *wire.SocketRequestMessage, respond socket.Responder) {
	switch {
	case req.Verb == "PUT" && strings.HasSuffix(req.Path, "/v1/queue/empty"):
		r.events.Publish(QueueEmptyEvent{})
		_ = respond(200, "OK", nil)

	case req.Verb == "PUT" && strings.HasSuffix(req.Path, "/v1/message"):
		env, err := wire.UnmarshalEnvelope(req.Body)
		if err != nil {
			logf(r.logger, "receiver: malformed envelope (%d bytes): %v", len(req.Body), err)
			_ = respond(400, "Malformed", nil)
			return
		}
		if err := r.processEnvelope(env); err != nil {
			var untrusted *ratchet.UntrustedIdentityError
			if errors.As(err, &untrusted) {
				r.events.Publish(IdentityChangeEvent{
					Address:     untrusted.Address,
					IdentityKey: untrusted.IdentityKey,
				})
			} else {
				r.events.Publish(ErrorEvent{Err: fmt.Errorf("receiver: %w", err)})
			}
		}
		_ = respond(200, "OK", nil)

	default:
		logf(r.logger, "receiver: ignoring %s %s", req.Verb, req.Path)
		_ = respond(200, "OK", nil)
	}
}

func (r *Receiver) processEnvelope(env *wire.Envelope) error {
	logf(r.logger, "receiver: envelope type=%d sender=%s.%d timestamp=%d",
		env.Type, env.SourceUserID, env.SourceDevice, env.Timestamp)

	switch env.Type {
	case wire.EnvelopeReceipt:
		// Receipt envelopes carry no ciphertext.
		r.events.Publish(DeliveryReceiptEvent{
			Sender:    env.SourceUserID,
			Device:    env.SourceDevice,
			Timestamp: time.UnixMilli(int64(env.Timestamp)),
		})
		return nil

	case wire.EnvelopeCiphertext, wire.EnvelopePreKeyBundle:
		return r.decryptAndDispatch(env)

	default:
		logf(r.logger, "receiver: skipping unsupported envelope type=%d", env.Type)
		return nil
	}
}

func (r *Receiver) decryptAndDispatch(env *wire.Envelope) error {
	ciphertext := env.Content
	if len(ciphertext) == 0 {
		ciphertext = env.LegacyMessage
	}
	if len(ciphertext) == 0 {
		return fmt.Errorf("empty envelope content")
	}

	addr := ratchet.NewAddress(env.SourceUserID, env.SourceDevice)

	unlock := r.locks.Lock(addr)
	var plaintext []byte
	var err error
	switch env.Type {
	case wire.EnvelopePreKeyBundle:
		plaintext, err = ratchet.DecryptPreKeyMessage(ciphertext, addr, r.store, r.store, r.store, r.store)
	default:
		plaintext, err = ratchet.DecryptMessage(ciphertext, addr, r.store, r.store)
	}
	if err != nil {
		unlock()
		return fmt.Errorf("decrypt from %s: %w", addr, err)
	}

	content, err := wire.UnmarshalContent(stripPadding(plaintext))
	if err != nil {
		unlock()
		return fmt.Errorf("unmarshal content from %s: %w", addr, err)
	}

	// An end-session delete is a session mutation and stays under the
	// address lock, or a concurrent send for the same address could
	// store the doomed session straight back.
	if dm := content.DataMessage; dm != nil && dm.Flags&wire.DataMessageFlagEndSession != 0 {
		if err := r.store.DeleteSession(addr); err != nil {
			logf(r.logger, "receiver: end session %s: %v", addr, err)
		}
	}
	unlock()

	if dm := content.DataMessage; dm != nil {
		ts := dm.Timestamp
		if ts == 0 {
			ts = env.Timestamp
		}
		r.events.Publish(MessageEvent{
			Sender:    env.SourceUserID,
			Device:    env.SourceDevice,
			Timestamp: time.UnixMilli(int64(ts)),
			Message:   dm,
		})
		return nil
	}

	if sm := content.SyncMessage; sm != nil {
		// Sync messages are only meaningful between our own devices.
		if env.SourceUserID != r.localUserID {
			logf(r.logger, "receiver: dropping sync message from foreign user %s", env.SourceUserID)
			return nil
		}
		r.dispatchSync(env, sm)
		return nil
	}

	logf(r.logger, "receiver: empty content from %s", addr)
	return nil
}

func (r *Receiver) dispatchSync(env *wire.Envelope, sm *wire.SyncMessage) {
	if sent := sm.Sent; sent != nil {
		// A sync echo of our own device's send carries nothing new.
		if env.SourceDevice == r.localDeviceID {
			logf(r.logger, "receiver: skipping sync sent from own device")
		} else {
			r.events.Publish(SyncSentEvent{
				Destination: sent.Destination,
				Timestamp:   time.UnixMilli(int64(sent.Timestamp)),
				Message:     sent.Message,
			})
		}
	}
	if len(sm.Read) > 0 {
		r.events.Publish(ReadReceiptsEvent{Reads: sm.Read})
	}
	if req := sm.Request; req != nil {
		r.events.Publish(SyncRequestEvent{
			Sender: env.SourceUserID,
			Device: env.SourceDevice,
			Type:   req.Type,
		})
	}
}

// logf logs a formatted message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

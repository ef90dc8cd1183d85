// Package service implements the message pipeline on top of the
// transport and the ratchet engine: the receiver turns inbound socket
// requests into decrypted events, the sender encrypts and fans out
// outgoing messages across recipient devices.
package service

import (
	"sync"
	"time"

	"github.com/pjdhoorn/mercury-go/internal/ratchet"
	"github.com/pjdhoorn/mercury-go/internal/wire"
)

// Event is a notification from the receive pipeline. Switch on the
// concrete type.
type Event interface {
	event()
}

// MessageEvent is a decrypted incoming message.
type MessageEvent struct {
	Sender    string
	Device    uint32
	Timestamp time.Time
	Message   *wire.DataMessage
}

// DeliveryReceiptEvent signals that a recipient device received one of
// our messages. Receipt envelopes carry no ciphertext.
type DeliveryReceiptEvent struct {
	Sender    string
	Device    uint32
	Timestamp time.Time
}

// ReadReceiptsEvent batches the read markers from one sync message.
type ReadReceiptsEvent struct {
	Reads []*wire.SyncRead
}

// SyncSentEvent echoes a message sent from another of our devices.
type SyncSentEvent struct {
	Destination string
	Timestamp   time.Time
	Message     *wire.DataMessage
}

// SyncRequestEvent asks this device to push a data blob to the
// requesting device. The request is surfaced, not fulfilled here.
type SyncRequestEvent struct {
	Sender string
	Device uint32
	Type   uint32
}

// IdentityChangeEvent reports that a peer presented an identity key
// different from the recorded one. No message was decrypted.
type IdentityChangeEvent struct {
	Address     ratchet.Address
	IdentityKey []byte
}

// QueueEmptyEvent marks the end of the server's offline message queue.
type QueueEmptyEvent struct{}

// ErrorEvent reports a processing failure that did not stop the
// receive loop.
type ErrorEvent struct {
	Err error
}

func (MessageEvent) event()         {}
func (DeliveryReceiptEvent) event() {}
func (ReadReceiptsEvent) event()    {}
func (SyncSentEvent) event()        {}
func (SyncRequestEvent) event()     {}
func (IdentityChangeEvent) event()  {}
func (QueueEmptyEvent) event()      {}
func (ErrorEvent) event()           {}

// Events is a subscription registry. Subscribers get their own
// buffered channel; a subscriber that falls behind loses events rather
// than blocking the pipeline.
type Events struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewEvents returns an empty registry.
func NewEvents() *Events {
	return &Events{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer
// and returns the event channel plus an unsubscribe function. The
// channel is closed on unsubscribe.
func (e *Events) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

// Publish delivers ev to every subscriber without blocking.
func (e *Events) Publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Package wire encodes and decodes the binary message structures
// exchanged with the relay server: socket frames, envelopes, and the
// encrypted content payloads. The encoding is standard protobuf wire
// format, written against the protowire primitives so the schema stays
// in one place.
package wire

import "errors"

// ErrMalformed is returned when bytes cannot be parsed as the expected
// message structure.
var ErrMalformed = errors.New("wire: malformed message")

// SocketMessage types.
const (
	SocketUnknown  uint32 = 0
	SocketRequest  uint32 = 1
	SocketResponse uint32 = 2
)

// SocketMessage is one frame on the duplex socket connection: either a
// correlated request or a response to one.
type SocketMessage struct {
	Type     uint32
	Request  *SocketRequestMessage
	Response *SocketResponseMessage
}

// SocketRequestMessage carries a verb/path/body request with a
// correlation id.
type SocketRequestMessage struct {
	ID   uint64
	Verb string
	Path string
	Body []byte
}

// SocketResponseMessage answers the request with the matching ID.
type SocketResponseMessage struct {
	ID      uint64
	Status  uint32
	Message string
	Body    []byte
}

// Envelope types.
const (
	EnvelopeUnknown      uint32 = 0
	EnvelopeCiphertext   uint32 = 1
	EnvelopeKeyExchange  uint32 = 2
	EnvelopePreKeyBundle uint32 = 3
	EnvelopeReceipt      uint32 = 5
)

// Envelope is the outer wire container for one transmitted ciphertext
// unit plus routing metadata.
type Envelope struct {
	Type            uint32
	SourceUserID    string
	SourceDevice    uint32
	Timestamp       uint64 // sender's UnixMilli
	LegacyMessage   []byte // deprecated ciphertext slot
	Content         []byte // ciphertext of a Content message
	ServerGUID      string
	ServerTimestamp uint64 // relay receive time, UnixMilli
}

// Content is the decrypted structured payload: exactly one of the
// variants is set.
type Content struct {
	DataMessage *DataMessage
	SyncMessage *SyncMessage
}

// DataMessage flags.
const (
	DataMessageFlagEndSession       uint32 = 1
	DataMessageFlagExpirationUpdate uint32 = 2
)

// DataMessage is a user-visible message.
type DataMessage struct {
	Body        string
	Attachments []*AttachmentPointer
	Flags       uint32
	ExpireTimer uint32 // seconds; 0 disables disappearing messages
	Timestamp   uint64 // sender's UnixMilli, repeated from the envelope
}

// AttachmentPointer references an uploaded attachment blob.
type AttachmentPointer struct {
	ID          uint64
	ContentType string
	Key         []byte
	Size        uint32
	Digest      []byte
}

// SyncMessage synchronizes state between one account's devices.
type SyncMessage struct {
	Sent    *SyncSent
	Request *SyncRequest
	Read    []*SyncRead
	Blocked *SyncBlocked
}

// SyncSent echoes a message sent from another of our devices.
type SyncSent struct {
	Destination string
	Timestamp   uint64
	Message     *DataMessage
}

// Sync request types.
const (
	SyncRequestUnknown  uint32 = 0
	SyncRequestContacts uint32 = 1
	SyncRequestGroups   uint32 = 2
	SyncRequestBlocked  uint32 = 3
)

// SyncRequest asks the primary device to push a data blob.
type SyncRequest struct {
	Type uint32
}

// SyncRead marks a message from Sender at Timestamp as read.
type SyncRead struct {
	Sender    string
	Timestamp uint64
}

// SyncBlocked carries the account block list.
type SyncBlocked struct {
	UserIDs []string
}

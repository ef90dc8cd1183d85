package ratchet

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Ciphertext message types, matching the envelope type numbering used
// on the wire (a whisper message travels as CIPHERTEXT, a pre-key
// message as PREKEY_BUNDLE).
const (
	MessageTypeWhisper uint8 = 2
	MessageTypePreKey  uint8 = 3
)

// CiphertextMessage is the result of encrypting one plaintext: the
// serialized message plus its type tag.
type CiphertextMessage struct {
	Type       uint8
	Serialized []byte
}

// whisperMessage is the regular ratchet message.
//
//	1: ratchetKey  bytes
//	2: counter     uint32
//	3: prevCounter uint32
//	4: ciphertext  bytes
type whisperMessage struct {
	Header     header
	Ciphertext []byte
}

func marshalWhisper(m whisperMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Header.DHPub)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Header.N))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Header.PN))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

func unmarshalWhisper(data []byte) (whisperMessage, error) {
	var m whisperMessage
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, ErrBadCiphertext
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			m.Header.DHPub = append([]byte(nil), v...)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			m.Header.N = uint32(v)
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			m.Header.PN = uint32(v)
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			m.Ciphertext = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			data = data[n:]
		}
	}
	if len(m.Header.DHPub) != 32 || m.Ciphertext == nil {
		return m, ErrBadCiphertext
	}
	return m, nil
}

// preKeyMessage wraps a whisper message with the X3DH handshake data a
// responder needs to build the session.
//
//	1: registrationId uint32
//	2: preKeyId       uint32 (absent when no one-time pre-key was used)
//	3: signedPreKeyId uint32
//	4: baseKey        bytes
//	5: identityKey    bytes
//	6: message        bytes (serialized whisper message)
type preKeyMessage struct {
	RegistrationID uint32
	PreKeyID       *uint32
	SignedPreKeyID uint32
	BaseKey        []byte
	IdentityKey    []byte
	Message        []byte
}

func marshalPreKeyMessage(m preKeyMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RegistrationID))
	if m.PreKeyID != nil {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.PreKeyID))
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SignedPreKeyID))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.BaseKey)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, m.IdentityKey)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Message)
	return b
}

func unmarshalPreKeyMessage(data []byte) (preKeyMessage, error) {
	var m preKeyMessage
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, ErrBadCiphertext
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			m.RegistrationID = uint32(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			id := uint32(v)
			m.PreKeyID = &id
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			m.SignedPreKeyID = uint32(v)
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			m.BaseKey = append([]byte(nil), v...)
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			m.IdentityKey = append([]byte(nil), v...)
			data = data[n:]
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			m.Message = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return m, ErrBadCiphertext
			}
			data = data[n:]
		}
	}
	if len(m.BaseKey) != 32 || len(m.IdentityKey) != IdentityKeySize || m.Message == nil {
		return m, ErrBadCiphertext
	}
	return m, nil
}

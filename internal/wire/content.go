package wire

// Content: 1 dataMessage, 2 syncMessage.
// DataMessage: 1 body, 2 attachments (repeated), 4 flags, 5 expireTimer,
// 7 timestamp.
// AttachmentPointer: 1 id, 2 contentType, 3 key, 4 size, 6 digest.
// SyncMessage: 1 sent, 4 request, 5 read (repeated), 6 blocked.
// SyncSent: 1 destination, 2 timestamp, 3 message.
// SyncRequest: 1 type. SyncRead: 1 sender, 2 timestamp.
// SyncBlocked: 1 userIds (repeated).

// MarshalContent serializes a content payload.
func MarshalContent(c *Content) []byte {
	var b []byte
	if c.DataMessage != nil {
		b = appendBytesField(b, 1, marshalDataMessage(c.DataMessage))
	}
	if c.SyncMessage != nil {
		b = appendBytesField(b, 2, marshalSyncMessage(c.SyncMessage))
	}
	return b
}

// UnmarshalContent parses a content payload.
func UnmarshalContent(data []byte) (*Content, error) {
	c := &Content{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			dm, err := unmarshalDataMessage(d.bytes())
			if err != nil {
				return nil, err
			}
			c.DataMessage = dm
		case 2:
			sm, err := unmarshalSyncMessage(d.bytes())
			if err != nil {
				return nil, err
			}
			c.SyncMessage = sm
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

func marshalDataMessage(m *DataMessage) []byte {
	var b []byte
	if m.Body != "" {
		b = appendStringField(b, 1, m.Body)
	}
	for _, a := range m.Attachments {
		b = appendBytesField(b, 2, marshalAttachmentPointer(a))
	}
	if m.Flags != 0 {
		b = appendVarintField(b, 4, uint64(m.Flags))
	}
	if m.ExpireTimer != 0 {
		b = appendVarintField(b, 5, uint64(m.ExpireTimer))
	}
	if m.Timestamp != 0 {
		b = appendVarintField(b, 7, m.Timestamp)
	}
	return b
}

func unmarshalDataMessage(data []byte) (*DataMessage, error) {
	m := &DataMessage{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			m.Body = d.string()
		case 2:
			a, err := unmarshalAttachmentPointer(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Attachments = append(m.Attachments, a)
		case 4:
			m.Flags = uint32(d.varint())
		case 5:
			m.ExpireTimer = uint32(d.varint())
		case 7:
			m.Timestamp = d.varint()
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalAttachmentPointer(a *AttachmentPointer) []byte {
	var b []byte
	b = appendVarintField(b, 1, a.ID)
	if a.ContentType != "" {
		b = appendStringField(b, 2, a.ContentType)
	}
	if a.Key != nil {
		b = appendBytesField(b, 3, a.Key)
	}
	if a.Size != 0 {
		b = appendVarintField(b, 4, uint64(a.Size))
	}
	if a.Digest != nil {
		b = appendBytesField(b, 6, a.Digest)
	}
	return b
}

func unmarshalAttachmentPointer(data []byte) (*AttachmentPointer, error) {
	a := &AttachmentPointer{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			a.ID = d.varint()
		case 2:
			a.ContentType = d.string()
		case 3:
			a.Key = d.bytes()
		case 4:
			a.Size = uint32(d.varint())
		case 6:
			a.Digest = d.bytes()
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

func marshalSyncMessage(m *SyncMessage) []byte {
	var b []byte
	if m.Sent != nil {
		b = appendBytesField(b, 1, marshalSyncSent(m.Sent))
	}
	if m.Request != nil {
		var r []byte
		r = appendVarintField(r, 1, uint64(m.Request.Type))
		b = appendBytesField(b, 4, r)
	}
	for _, rd := range m.Read {
		var r []byte
		r = appendStringField(r, 1, rd.Sender)
		r = appendVarintField(r, 2, rd.Timestamp)
		b = appendBytesField(b, 5, r)
	}
	if m.Blocked != nil {
		var r []byte
		for _, id := range m.Blocked.UserIDs {
			r = appendStringField(r, 1, id)
		}
		b = appendBytesField(b, 6, r)
	}
	return b
}

func unmarshalSyncMessage(data []byte) (*SyncMessage, error) {
	m := &SyncMessage{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			s, err := unmarshalSyncSent(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Sent = s
		case 4:
			r, err := unmarshalSyncRequest(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Request = r
		case 5:
			r, err := unmarshalSyncRead(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Read = append(m.Read, r)
		case 6:
			bl, err := unmarshalSyncBlocked(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Blocked = bl
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalSyncSent(s *SyncSent) []byte {
	var b []byte
	if s.Destination != "" {
		b = appendStringField(b, 1, s.Destination)
	}
	if s.Timestamp != 0 {
		b = appendVarintField(b, 2, s.Timestamp)
	}
	if s.Message != nil {
		b = appendBytesField(b, 3, marshalDataMessage(s.Message))
	}
	return b
}

func unmarshalSyncSent(data []byte) (*SyncSent, error) {
	s := &SyncSent{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			s.Destination = d.string()
		case 2:
			s.Timestamp = d.varint()
		case 3:
			dm, err := unmarshalDataMessage(d.bytes())
			if err != nil {
				return nil, err
			}
			s.Message = dm
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func unmarshalSyncRequest(data []byte) (*SyncRequest, error) {
	r := &SyncRequest{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			r.Type = uint32(d.varint())
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func unmarshalSyncRead(data []byte) (*SyncRead, error) {
	r := &SyncRead{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			r.Sender = d.string()
		case 2:
			r.Timestamp = d.varint()
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func unmarshalSyncBlocked(data []byte) (*SyncBlocked, error) {
	b := &SyncBlocked{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			b.UserIDs = append(b.UserIDs, d.string())
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

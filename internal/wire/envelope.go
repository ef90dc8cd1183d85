package wire

// Envelope fields:
//
//	1: type            varint
//	2: sourceUserId    string
//	5: timestamp       varint
//	6: legacyMessage   bytes
//	7: sourceDevice    varint
//	8: content         bytes
//	9: serverGuid      string
//	10: serverTimestamp varint

// MarshalEnvelope serializes an envelope.
func MarshalEnvelope(e *Envelope) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(e.Type))
	if e.SourceUserID != "" {
		b = appendStringField(b, 2, e.SourceUserID)
	}
	if e.Timestamp != 0 {
		b = appendVarintField(b, 5, e.Timestamp)
	}
	if e.LegacyMessage != nil {
		b = appendBytesField(b, 6, e.LegacyMessage)
	}
	if e.SourceDevice != 0 {
		b = appendVarintField(b, 7, uint64(e.SourceDevice))
	}
	if e.Content != nil {
		b = appendBytesField(b, 8, e.Content)
	}
	if e.ServerGUID != "" {
		b = appendStringField(b, 9, e.ServerGUID)
	}
	if e.ServerTimestamp != 0 {
		b = appendVarintField(b, 10, e.ServerTimestamp)
	}
	return b
}

// UnmarshalEnvelope parses an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			e.Type = uint32(d.varint())
		case 2:
			e.SourceUserID = d.string()
		case 5:
			e.Timestamp = d.varint()
		case 6:
			e.LegacyMessage = d.bytes()
		case 7:
			e.SourceDevice = uint32(d.varint())
		case 8:
			e.Content = d.bytes()
		case 9:
			e.ServerGUID = d.string()
		case 10:
			e.ServerTimestamp = d.varint()
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return e, nil
}

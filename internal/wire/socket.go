package wire

// SocketMessage fields:
//
//	1: type     varint
//	2: request  message
//	3: response message
//
// SocketRequestMessage: 1 verb, 2 path, 3 body, 4 id.
// SocketResponseMessage: 1 id, 2 status, 3 message, 4 body.

// MarshalSocketMessage serializes a socket frame.
func MarshalSocketMessage(m *SocketMessage) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Type))
	if m.Request != nil {
		b = appendBytesField(b, 2, marshalSocketRequest(m.Request))
	}
	if m.Response != nil {
		b = appendBytesField(b, 3, marshalSocketResponse(m.Response))
	}
	return b
}

func marshalSocketRequest(r *SocketRequestMessage) []byte {
	var b []byte
	b = appendStringField(b, 1, r.Verb)
	b = appendStringField(b, 2, r.Path)
	if r.Body != nil {
		b = appendBytesField(b, 3, r.Body)
	}
	b = appendVarintField(b, 4, r.ID)
	return b
}

func marshalSocketResponse(r *SocketResponseMessage) []byte {
	var b []byte
	b = appendVarintField(b, 1, r.ID)
	b = appendVarintField(b, 2, uint64(r.Status))
	b = appendStringField(b, 3, r.Message)
	if r.Body != nil {
		b = appendBytesField(b, 4, r.Body)
	}
	return b
}

// UnmarshalSocketMessage parses a socket frame.
func UnmarshalSocketMessage(data []byte) (*SocketMessage, error) {
	m := &SocketMessage{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			m.Type = uint32(d.varint())
		case 2:
			req, err := unmarshalSocketRequest(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Request = req
		case 3:
			resp, err := unmarshalSocketResponse(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Response = resp
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalSocketRequest(data []byte) (*SocketRequestMessage, error) {
	r := &SocketRequestMessage{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			r.Verb = d.string()
		case 2:
			r.Path = d.string()
		case 3:
			r.Body = d.bytes()
		case 4:
			r.ID = d.varint()
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func unmarshalSocketResponse(data []byte) (*SocketResponseMessage, error) {
	r := &SocketResponseMessage{}
	d := newDecoder(data)
	for d.next() {
		switch d.num {
		case 1:
			r.ID = d.varint()
		case 2:
			r.Status = uint32(d.varint())
		case 3:
			r.Message = d.string()
		case 4:
			r.Body = d.bytes()
		default:
			d.skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

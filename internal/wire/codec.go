package wire

import "google.golang.org/protobuf/encoding/protowire"

// decoder walks the fields of one protobuf message. Any parse failure
// sets err and stops iteration; callers check Err once at the end.
type decoder struct {
	data []byte
	num  protowire.Number
	typ  protowire.Type
	err  error
}

func newDecoder(data []byte) *decoder {
	return &decoder{data: data}
}

// next advances to the following field, returning false at the end of
// the buffer or on error.
func (d *decoder) next() bool {
	if d.err != nil || len(d.data) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(d.data)
	if n < 0 {
		d.err = ErrMalformed
		return false
	}
	d.data = d.data[n:]
	d.num, d.typ = num, typ
	return true
}

func (d *decoder) varint() uint64 {
	if d.typ != protowire.VarintType {
		d.err = ErrMalformed
		return 0
	}
	v, n := protowire.ConsumeVarint(d.data)
	if n < 0 {
		d.err = ErrMalformed
		return 0
	}
	d.data = d.data[n:]
	return v
}

func (d *decoder) bytes() []byte {
	if d.typ != protowire.BytesType {
		d.err = ErrMalformed
		return nil
	}
	v, n := protowire.ConsumeBytes(d.data)
	if n < 0 {
		d.err = ErrMalformed
		return nil
	}
	d.data = d.data[n:]
	return append([]byte(nil), v...)
}

func (d *decoder) string() string {
	return string(d.bytes())
}

// skip discards an unknown field.
func (d *decoder) skip() {
	n := protowire.ConsumeFieldValue(d.num, d.typ, d.data)
	if n < 0 {
		d.err = ErrMalformed
		return
	}
	d.data = d.data[n:]
}

// Err reports the first parse failure, if any.
func (d *decoder) Err() error {
	return d.err
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

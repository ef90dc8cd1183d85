package wire

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestUnmarshalEnvelopeSkipsUnknownFields(t *testing.T) {
	data := MarshalEnvelope(&Envelope{
		Type:         EnvelopeCiphertext,
		SourceUserID: "alice",
		SourceDevice: 2,
		Timestamp:    1700000000000,
		Content:      []byte{0xde, 0xad},
	})

	// Fields added by newer servers must not break parsing.
	data = protowire.AppendTag(data, 99, protowire.VarintType)
	data = protowire.AppendVarint(data, 42)
	data = protowire.AppendTag(data, 100, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("future"))

	env, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != EnvelopeCiphertext || env.SourceUserID != "alice" || env.SourceDevice != 2 {
		t.Errorf("envelope = %+v", env)
	}
	if string(env.Content) != "\xde\xad" {
		t.Errorf("content = %x", env.Content)
	}
}

func TestUnmarshalEnvelopeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"truncated varint", []byte{0x08, 0x80}},
		{"length past end", []byte{0x12, 0x20, 'a'}},
		{"dangling tag", []byte{0x12}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := UnmarshalEnvelope(tc.data); err == nil {
				t.Error("malformed envelope parsed without error")
			}
		})
	}
}

func TestContentIsTaggedUnion(t *testing.T) {
	data := MarshalContent(&Content{
		DataMessage: &DataMessage{Body: "hi", Flags: DataMessageFlagEndSession},
	})
	content, err := UnmarshalContent(data)
	if err != nil {
		t.Fatal(err)
	}
	if content.DataMessage == nil || content.SyncMessage != nil {
		t.Fatalf("content = %+v", content)
	}
	if content.DataMessage.Body != "hi" || content.DataMessage.Flags != DataMessageFlagEndSession {
		t.Errorf("data message = %+v", content.DataMessage)
	}
}

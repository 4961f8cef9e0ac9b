// Package wire encodes and decodes the protobuf frames exchanged with the
// server: the gateway's WebSocketFrame envelope/ack pair and the
// EncryptedMessage payload posted to /v1/messages.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType tags an EncryptedMessage on the wire.
type MessageType int32

const (
	// MessageTypePreKey marks the first message of a session; it carries
	// the X3DH bundle consumption and implicitly establishes state on the
	// receiver.
	MessageTypePreKey MessageType = 1

	// MessageTypeEncrypted marks a normal Double Ratchet message; it
	// requires an existing session.
	MessageTypeEncrypted MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePreKey:
		return "PREKEY"
	case MessageTypeEncrypted:
		return "ENCRYPTED"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(t))
	}
}

// EncryptedMessage is the ciphertext payload delivered end to end.
type EncryptedMessage struct {
	Type    MessageType
	Content []byte
}

// Envelope is a server-to-client message delivery.
type Envelope struct {
	ID             string
	SourceUserID   string
	SourceDeviceID uint32
	Message        *EncryptedMessage
	Timestamp      int64
}

// AckMessage acknowledges a processed envelope.
type AckMessage struct {
	MessageID string
}

// WebSocketFrame is the gateway's top-level frame; exactly one field is set.
type WebSocketFrame struct {
	Envelope *Envelope
	Ack      *AckMessage
}

func (m *EncryptedMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if len(m.Content) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Content)
	}
	return b
}

func UnmarshalEncryptedMessage(b []byte) (*EncryptedMessage, error) {
	m := &EncryptedMessage{}
	err := eachField(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			m.Type = MessageType(v.varint)
		case 2:
			m.Content = v.cloneBytes()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Type != MessageTypePreKey && m.Type != MessageTypeEncrypted {
		return nil, fmt.Errorf("unknown message type %d", m.Type)
	}
	return m, nil
}

func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, e.ID)
	b = appendString(b, 2, e.SourceUserID)
	if e.SourceDeviceID != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.SourceDeviceID))
	}
	if e.Message != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Message.Marshal())
	}
	if e.Timestamp != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Timestamp))
	}
	return b
}

func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	err := eachField(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			e.ID = string(v.bytes)
		case 2:
			e.SourceUserID = string(v.bytes)
		case 3:
			e.SourceDeviceID = uint32(v.varint)
		case 4:
			msg, err := UnmarshalEncryptedMessage(v.bytes)
			if err != nil {
				return err
			}
			e.Message = msg
		case 5:
			e.Timestamp = int64(v.varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (a *AckMessage) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.MessageID)
	return b
}

func unmarshalAck(b []byte) (*AckMessage, error) {
	a := &AckMessage{}
	err := eachField(b, func(num protowire.Number, v fieldValue) error {
		if num == 1 {
			a.MessageID = string(v.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (f *WebSocketFrame) Marshal() []byte {
	var b []byte
	if f.Envelope != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Envelope.Marshal())
	}
	if f.Ack != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Ack.Marshal())
	}
	return b
}

func UnmarshalWebSocketFrame(b []byte) (*WebSocketFrame, error) {
	f := &WebSocketFrame{}
	err := eachField(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			env, err := UnmarshalEnvelope(v.bytes)
			if err != nil {
				return err
			}
			f.Envelope = env
		case 2:
			ack, err := unmarshalAck(v.bytes)
			if err != nil {
				return err
			}
			f.Ack = ack
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// fieldValue carries the decoded value of one field; varint fields populate
// varint, length-delimited fields populate bytes.
type fieldValue struct {
	varint uint64
	bytes  []byte
}

func (v fieldValue) cloneBytes() []byte {
	return append([]byte(nil), v.bytes...)
}

// eachField walks every field of a wire-format message, invoking fn per
// field. Unknown field numbers are skipped by the caller simply ignoring
// them; unsupported wire types are skipped here.
func eachField(b []byte, fn func(num protowire.Number, v fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			val, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("malformed varint for field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, fieldValue{varint: val}); err != nil {
				return err
			}
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("malformed bytes for field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, fieldValue{bytes: val}); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendString(b, s)
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

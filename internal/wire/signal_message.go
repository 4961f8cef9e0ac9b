package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SignalMessage is one Double Ratchet message: the sender's current ratchet
// public key, chain counters, and the AEAD ciphertext.
type SignalMessage struct {
	RatchetKey      []byte
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
}

func (m *SignalMessage) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.RatchetKey)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Counter))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.PreviousCounter))
	b = appendBytesField(b, 4, m.Ciphertext)
	return b
}

func UnmarshalSignalMessage(b []byte) (*SignalMessage, error) {
	m := &SignalMessage{}
	err := eachField(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			m.RatchetKey = v.cloneBytes()
		case 2:
			m.Counter = uint32(v.varint)
		case 3:
			m.PreviousCounter = uint32(v.varint)
		case 4:
			m.Ciphertext = v.cloneBytes()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(m.RatchetKey) == 0 || len(m.Ciphertext) == 0 {
		return nil, fmt.Errorf("signal message missing ratchet key or ciphertext")
	}
	return m, nil
}

// PreKeySignalMessage is the first message of a session. It repeats the X3DH
// inputs so the receiver can derive the shared secret, and embeds a regular
// SignalMessage as its payload.
type PreKeySignalMessage struct {
	RegistrationID uint32
	PreKeyID       *uint32 // absent when the bundle had no one-time prekey
	SignedPreKeyID uint32
	BaseKey        []byte // curve-tagged ephemeral key
	IdentityKey    []byte // curve-tagged sender identity
	Message        []byte // marshalled SignalMessage
}

func (m *PreKeySignalMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RegistrationID))
	if m.PreKeyID != nil {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.PreKeyID))
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SignedPreKeyID))
	b = appendBytesField(b, 4, m.BaseKey)
	b = appendBytesField(b, 5, m.IdentityKey)
	b = appendBytesField(b, 6, m.Message)
	return b
}

func UnmarshalPreKeySignalMessage(b []byte) (*PreKeySignalMessage, error) {
	m := &PreKeySignalMessage{}
	err := eachField(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			m.RegistrationID = uint32(v.varint)
		case 2:
			id := uint32(v.varint)
			m.PreKeyID = &id
		case 3:
			m.SignedPreKeyID = uint32(v.varint)
		case 4:
			m.BaseKey = v.cloneBytes()
		case 5:
			m.IdentityKey = v.cloneBytes()
		case 6:
			m.Message = v.cloneBytes()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(m.BaseKey) == 0 || len(m.IdentityKey) == 0 || len(m.Message) == 0 {
		return nil, fmt.Errorf("prekey message missing required fields")
	}
	return m, nil
}

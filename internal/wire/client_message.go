package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ClientMessageType classifies the plaintext payload recovered after Signal
// decryption.
type ClientMessageType int32

const (
	ClientMessageText           ClientMessageType = 1
	ClientMessageImage          ClientMessageType = 2
	ClientMessageFriendRequest  ClientMessageType = 3
	ClientMessageFriendResponse ClientMessageType = 4
	ClientMessageSessionReset   ClientMessageType = 5
	ClientMessageDeviceAnnounce ClientMessageType = 6
	ClientMessageSyncBlob       ClientMessageType = 7
	ClientMessageModelSync      ClientMessageType = 8
	ClientMessageSentSync       ClientMessageType = 9
)

func (t ClientMessageType) String() string {
	switch t {
	case ClientMessageText:
		return "TEXT"
	case ClientMessageImage:
		return "IMAGE"
	case ClientMessageFriendRequest:
		return "FRIEND_REQUEST"
	case ClientMessageFriendResponse:
		return "FRIEND_RESPONSE"
	case ClientMessageSessionReset:
		return "SESSION_RESET"
	case ClientMessageDeviceAnnounce:
		return "DEVICE_ANNOUNCE"
	case ClientMessageSyncBlob:
		return "SYNC_BLOB"
	case ClientMessageModelSync:
		return "MODEL_SYNC"
	case ClientMessageSentSync:
		return "SENT_SYNC"
	default:
		return fmt.Sprintf("ClientMessageType(%d)", int32(t))
	}
}

// AttachmentPointer is the envelope for separately stored encrypted content.
// The pointer rides inside the message; the ciphertext lives in the blob
// store under AttachmentID.
type AttachmentPointer struct {
	AttachmentID string
	ContentKey   []byte
	Nonce        []byte
	ContentHash  []byte
	ContentType  string
	SizeBytes    int64
	TotalChunks  uint32
}

// DeviceInfo advertises one of the sender's devices.
type DeviceInfo struct {
	ServerUserID string
	DeviceUUID   string
	IdentityKey  []byte // curve-tagged
}

// ModelSync carries one CRDT record change.
type ModelSync struct {
	Model          string
	RecordID       string
	Record         []byte // JSON field map
	Timestamp      int64
	AuthorDeviceID string
}

// ClientMessage is the plaintext payload exchanged between clients. The
// server never sees these fields.
type ClientMessage struct {
	Type            ClientMessageType
	MessageID       string
	Text            string
	MimeType        string
	Timestamp       int64
	DisplayDuration uint32
	Username        string
	Accepted        bool
	Attachment      *AttachmentPointer
	ModelSync       *ModelSync
	Devices         []DeviceInfo
	SyncBlob        []byte
	ImageData       []byte // legacy inline image payloads
}

func (p *AttachmentPointer) marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.AttachmentID)
	b = appendBytesField(b, 2, p.ContentKey)
	b = appendBytesField(b, 3, p.Nonce)
	b = appendBytesField(b, 4, p.ContentHash)
	b = appendString(b, 5, p.ContentType)
	if p.SizeBytes != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.SizeBytes))
	}
	if p.TotalChunks != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.TotalChunks))
	}
	return b
}

func unmarshalAttachmentPointer(b []byte) (*AttachmentPointer, error) {
	p := &AttachmentPointer{}
	err := eachField(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			p.AttachmentID = string(v.bytes)
		case 2:
			p.ContentKey = v.cloneBytes()
		case 3:
			p.Nonce = v.cloneBytes()
		case 4:
			p.ContentHash = v.cloneBytes()
		case 5:
			p.ContentType = string(v.bytes)
		case 6:
			p.SizeBytes = int64(v.varint)
		case 7:
			p.TotalChunks = uint32(v.varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (d *DeviceInfo) marshal() []byte {
	var b []byte
	b = appendString(b, 1, d.ServerUserID)
	b = appendString(b, 2, d.DeviceUUID)
	b = appendBytesField(b, 3, d.IdentityKey)
	return b
}

func unmarshalDeviceInfo(b []byte) (DeviceInfo, error) {
	var d DeviceInfo
	err := eachField(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			d.ServerUserID = string(v.bytes)
		case 2:
			d.DeviceUUID = string(v.bytes)
		case 3:
			d.IdentityKey = v.cloneBytes()
		}
		return nil
	})
	return d, err
}

func (m *ModelSync) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Model)
	b = appendString(b, 2, m.RecordID)
	b = appendBytesField(b, 3, m.Record)
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Timestamp))
	}
	b = appendString(b, 5, m.AuthorDeviceID)
	return b
}

func unmarshalModelSync(b []byte) (*ModelSync, error) {
	m := &ModelSync{}
	err := eachField(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			m.Model = string(v.bytes)
		case 2:
			m.RecordID = string(v.bytes)
		case 3:
			m.Record = v.cloneBytes()
		case 4:
			m.Timestamp = int64(v.varint)
		case 5:
			m.AuthorDeviceID = string(v.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ClientMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = appendString(b, 2, m.MessageID)
	b = appendString(b, 3, m.Text)
	b = appendString(b, 4, m.MimeType)
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Timestamp))
	}
	if m.DisplayDuration != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.DisplayDuration))
	}
	b = appendString(b, 7, m.Username)
	if m.Accepted {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.Attachment != nil {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Attachment.marshal())
	}
	if m.ModelSync != nil {
		b = protowire.AppendTag(b, 10, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ModelSync.marshal())
	}
	for i := range m.Devices {
		b = protowire.AppendTag(b, 11, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Devices[i].marshal())
	}
	b = appendBytesField(b, 12, m.SyncBlob)
	b = appendBytesField(b, 13, m.ImageData)
	return b
}

func UnmarshalClientMessage(b []byte) (*ClientMessage, error) {
	m := &ClientMessage{}
	err := eachField(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			m.Type = ClientMessageType(v.varint)
		case 2:
			m.MessageID = string(v.bytes)
		case 3:
			m.Text = string(v.bytes)
		case 4:
			m.MimeType = string(v.bytes)
		case 5:
			m.Timestamp = int64(v.varint)
		case 6:
			m.DisplayDuration = uint32(v.varint)
		case 7:
			m.Username = string(v.bytes)
		case 8:
			m.Accepted = v.varint != 0
		case 9:
			p, err := unmarshalAttachmentPointer(v.bytes)
			if err != nil {
				return err
			}
			m.Attachment = p
		case 10:
			ms, err := unmarshalModelSync(v.bytes)
			if err != nil {
				return err
			}
			m.ModelSync = ms
		case 11:
			d, err := unmarshalDeviceInfo(v.bytes)
			if err != nil {
				return err
			}
			m.Devices = append(m.Devices, d)
		case 12:
			m.SyncBlob = v.cloneBytes()
		case 13:
			m.ImageData = v.cloneBytes()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Type == 0 {
		return nil, fmt.Errorf("client message missing type")
	}
	return m, nil
}

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rhelsing/obscura/internal/attachments"
	"github.com/rhelsing/obscura/internal/cryptoutil"
	"github.com/rhelsing/obscura/internal/friends"
	"github.com/rhelsing/obscura/internal/msgstore"
	"github.com/rhelsing/obscura/internal/signalstore"
	"github.com/rhelsing/obscura/internal/wire"
)

// SendText sends a text message to a friend, fanning out to every device
// and storing the local copy.
func (c *Client) SendText(ctx context.Context, username, text string) (string, error) {
	msg := &wire.ClientMessage{
		Type:      wire.ClientMessageText,
		MessageID: uuid.NewString(),
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.storeOutgoing(ctx, username, msg, ""); err != nil {
		return "", err
	}
	if err := c.engine.SendToFriend(ctx, username, msg); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

// SendFile encrypts and uploads a binary payload, then sends the pointer to
// a friend. Progress observes chunk uploads.
func (c *Client) SendFile(ctx context.Context, username string, data []byte, contentType string, progress attachments.Progress) (string, error) {
	pointer, err := c.attach.Upload(ctx, data, contentType, progress)
	if err != nil {
		return "", err
	}

	msg := &wire.ClientMessage{
		Type:       wire.ClientMessageImage,
		MessageID:  uuid.NewString(),
		MimeType:   contentType,
		Timestamp:  time.Now().UnixMilli(),
		Attachment: pointer,
	}
	if err := c.storeOutgoing(ctx, username, msg, pointer.AttachmentID); err != nil {
		return "", err
	}
	if err := c.engine.SendToFriend(ctx, username, msg); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

func (c *Client) storeOutgoing(ctx context.Context, username string, msg *wire.ClientMessage, mediaURL string) error {
	_, err := c.messages.Insert(ctx, &msgstore.Message{
		MessageID:      msg.MessageID,
		ConversationID: username,
		Timestamp:      msg.Timestamp,
		Content:        msg.Text,
		IsSent:         true,
		AuthorDeviceID: c.userID,
		MediaURL:       mediaURL,
	})
	return err
}

// AddFriend sends a friend request to a username.
func (c *Client) AddFriend(ctx context.Context, username string) error {
	lookup, err := c.api.LookupUser(ctx, username)
	if err != nil {
		return err
	}

	deviceSet := make([]friends.Device, 0, len(lookup.Devices))
	for _, d := range lookup.Devices {
		deviceSet = append(deviceSet, friends.Device{
			ServerUserID: d.ServerUserID,
			DeviceID:     d.DeviceID,
			DeviceUUID:   d.DeviceUUID,
			IdentityKey:  d.IdentityKey,
		})
	}
	if len(deviceSet) == 0 {
		deviceSet = append(deviceSet, friends.Device{ServerUserID: lookup.UserID, DeviceID: 1})
	}

	if err := c.friends.Upsert(ctx, &friends.Friend{
		Username:        username,
		CanonicalUserID: lookup.UserID,
		Status:          friends.StatusPendingSent,
		Devices:         deviceSet,
	}); err != nil {
		return err
	}

	msg := &wire.ClientMessage{
		Type:      wire.ClientMessageFriendRequest,
		Username:  c.username,
		Timestamp: time.Now().UnixMilli(),
	}
	return c.engine.SendToFriend(ctx, username, msg)
}

// RespondToFriendRequest accepts or declines a pending request.
func (c *Client) RespondToFriendRequest(ctx context.Context, username string, accept bool) error {
	f, err := c.friends.Get(ctx, username)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: %s", friends.ErrNoSuchFriend, username)
	}

	msg := &wire.ClientMessage{
		Type:      wire.ClientMessageFriendResponse,
		Username:  c.username,
		Accepted:  accept,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.engine.SendToFriend(ctx, username, msg); err != nil {
		return err
	}

	if accept {
		return c.friends.SetStatus(ctx, username, friends.StatusAccepted)
	}
	return c.friends.Delete(ctx, username)
}

// PublishModelChange stores a local CRDT write and syncs it to every
// accepted friend (unless the model is private) and to the account's own
// devices.
func (c *Client) PublishModelChange(ctx context.Context, model, recordID string, fields any) error {
	sync, err := c.models.Put(ctx, model, recordID, fields, c.deviceUUID, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	desc, ok := c.models.Descriptor(model)
	if !ok {
		return fmt.Errorf("unknown model %q", model)
	}

	msg := &wire.ClientMessage{
		Type:      wire.ClientMessageModelSync,
		Timestamp: sync.Timestamp,
		ModelSync: sync,
	}

	// Own devices receive private and public changes alike.
	for _, d := range c.engine.OwnDevices() {
		if d.DeviceUUID == c.deviceUUID {
			continue
		}
		addr := signalstore.Address{UserID: d.ServerUserID, DeviceID: d.DeviceID}
		if err := c.engine.SendToDevice(ctx, addr, msg); err != nil {
			c.logger.Printf("Warning: model sync to own device %s failed: %v", addr, err)
		}
	}

	if desc.Private {
		return nil
	}

	accepted, err := c.friends.ListAccepted(ctx)
	if err != nil {
		return err
	}
	for _, f := range accepted {
		for _, d := range f.Devices {
			addr := signalstore.Address{UserID: d.ServerUserID, DeviceID: d.DeviceID}
			if err := c.engine.SendToDevice(ctx, addr, msg); err != nil {
				c.logger.Printf("Warning: model sync to %s failed: %v", addr, err)
			}
		}
	}
	return nil
}

// TrustIdentity re-trusts a peer device after the user accepted an identity
// change. The old session is dropped; the next exchange re-establishes.
func (c *Client) TrustIdentity(ctx context.Context, addr signalstore.Address, identityKey []byte) error {
	if err := c.sessions.RemoveSession(ctx, addr); err != nil {
		return err
	}
	_, err := c.signal.SaveIdentity(ctx, addr, identityKey)
	return err
}

// SafetyNumber computes the out-of-band verification number for a friend's
// device identity.
func (c *Client) SafetyNumber(ctx context.Context, addr signalstore.Address) (string, error) {
	kp, err := c.signal.GetIdentityKeyPair()
	if err != nil {
		return "", err
	}
	theirs, ok, err := c.signal.GetIdentity(ctx, addr)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no trusted identity for %s", addr)
	}
	number := cryptoutil.ComputeSafetyNumber(kp.TaggedPublic(), theirs, c.userID, addr.UserID)
	return cryptoutil.FormatSafetyNumber(number), nil
}

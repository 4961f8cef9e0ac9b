package client

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rhelsing/obscura/internal/friends"
	"github.com/rhelsing/obscura/internal/gateway"
	"github.com/rhelsing/obscura/internal/metrics"
	"github.com/rhelsing/obscura/internal/msgstore"
	"github.com/rhelsing/obscura/internal/ratchet"
	"github.com/rhelsing/obscura/internal/session"
	"github.com/rhelsing/obscura/internal/signalstore"
	"github.com/rhelsing/obscura/internal/wire"
)

// handleEnvelope processes one inbound envelope. The ack discipline is
// strict: an envelope is acked only after successful processing; decrypt
// failures hand off to the reset manager and never ack, so the server
// redelivers.
func (c *Client) handleEnvelope(ctx context.Context, env *wire.Envelope) gateway.Ack {
	if env.Message == nil {
		c.logger.Printf("Envelope %s carries no message, acking", env.ID)
		return gateway.AckProcessed
	}

	deviceID := env.SourceDeviceID
	if deviceID == 0 {
		deviceID = 1
	}
	addr := signalstore.Address{UserID: env.SourceUserID, DeviceID: deviceID}

	// Delivery is at-least-once. A redelivered envelope that already ran
	// its side effects is re-acked without repeating them.
	seen, err := c.messages.WasProcessed(ctx, env.ID)
	if err != nil {
		c.logger.Printf("Envelope %s dedup check failed: %v", env.ID, err)
		return gateway.AckNone
	}
	if seen {
		metrics.EnvelopesProcessed.WithLabelValues("acked").Inc()
		return gateway.AckProcessed
	}

	plaintext, err := c.sessions.Decrypt(ctx, addr, env.Message)
	if err != nil {
		return c.handleDecryptFailure(ctx, addr, env, err)
	}
	c.resets.NoteDecryptSuccess(addr)

	msg, err := wire.UnmarshalClientMessage(plaintext)
	if err != nil {
		// Authenticated but unparseable; redelivery cannot fix it.
		c.logger.Printf("Envelope %s decrypted to an unparseable payload: %v", env.ID, err)
		c.markProcessed(ctx, env.ID)
		metrics.EnvelopesProcessed.WithLabelValues("failed").Inc()
		return gateway.AckProcessed
	}

	if err := c.dispatch(ctx, addr, env, msg); err != nil {
		c.logger.Printf("Envelope %s (%s) processing failed: %v", env.ID, msg.Type, err)
		metrics.EnvelopesProcessed.WithLabelValues("failed").Inc()
		return gateway.AckNone
	}

	c.markProcessed(ctx, env.ID)
	metrics.EnvelopesProcessed.WithLabelValues("acked").Inc()
	return gateway.AckProcessed
}

func (c *Client) handleDecryptFailure(ctx context.Context, addr signalstore.Address, env *wire.Envelope, cause error) gateway.Ack {
	if errors.Is(cause, ratchet.ErrUntrustedIdentity) {
		// Surface to the user: they decide whether to re-trust the new
		// identity or block. The envelope stays unacked meanwhile.
		c.logger.Printf("Identity changed for %s; envelope %s held for user decision", addr, env.ID)
		metrics.EnvelopesProcessed.WithLabelValues("deferred").Inc()
		return gateway.AckNone
	}

	outcome := c.resets.HandleDecryptFailure(ctx, addr, env.ID, cause)
	if outcome == session.OutcomeResetSent {
		c.logger.Printf("Envelope %s from %s triggered a session reset", env.ID, addr)
	}
	metrics.EnvelopesProcessed.WithLabelValues("deferred").Inc()
	return gateway.AckNone
}

func (c *Client) markProcessed(ctx context.Context, envelopeID string) {
	if _, err := c.messages.MarkEnvelopeProcessed(ctx, envelopeID, time.Now().UnixMilli()); err != nil {
		c.logger.Printf("Warning: failed to record processed envelope %s: %v", envelopeID, err)
	}
}

// dispatch classifies a decrypted payload and applies it.
func (c *Client) dispatch(ctx context.Context, addr signalstore.Address, env *wire.Envelope, msg *wire.ClientMessage) error {
	switch msg.Type {
	case wire.ClientMessageText, wire.ClientMessageImage:
		return c.handleContent(ctx, addr, env, msg, false)

	case wire.ClientMessageSentSync:
		return c.handleSentSync(ctx, addr, msg)

	case wire.ClientMessageFriendRequest:
		return c.handleFriendRequest(ctx, addr, msg)

	case wire.ClientMessageFriendResponse:
		return c.handleFriendResponse(ctx, msg)

	case wire.ClientMessageSessionReset:
		// Silent for the user; the next outbound bootstraps.
		return c.resets.HandleResetReceived(ctx, addr)

	case wire.ClientMessageDeviceAnnounce:
		return c.engine.HandleDeviceAnnounce(ctx, msg.Username, msg.Devices)

	case wire.ClientMessageSyncBlob:
		if err := c.engine.ApplySyncBlob(ctx, msg.SyncBlob); err != nil {
			return err
		}
		// The blob completes linking; the device leaves link-pending.
		c.linkChallenge = nil
		return nil

	case wire.ClientMessageModelSync:
		if msg.ModelSync == nil {
			return nil
		}
		_, err := c.models.Apply(ctx, msg.ModelSync, time.Now().UnixMilli())
		return err

	default:
		c.logger.Printf("Ignoring unknown client message type %d", msg.Type)
		return nil
	}
}

// handleContent stores an inbound message. When the author device is not
// yet listed by any friend, the message is keyed by the raw server user id;
// a later device announce migrates it to the right conversation.
func (c *Client) handleContent(ctx context.Context, addr signalstore.Address, env *wire.Envelope, msg *wire.ClientMessage, isSent bool) error {
	conversation := addr.UserID
	if owner, ok, err := c.friends.OwnerOfDevice(ctx, addr.UserID); err != nil {
		return err
	} else if ok {
		conversation = owner
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	timestamp := msg.Timestamp
	if timestamp == 0 {
		timestamp = env.Timestamp
	}

	record := &msgstore.Message{
		MessageID:      messageID,
		ConversationID: conversation,
		Timestamp:      timestamp,
		Content:        msg.Text,
		IsSent:         isSent,
		AuthorDeviceID: addr.UserID,
	}
	if msg.Attachment != nil {
		record.MediaURL = msg.Attachment.AttachmentID
	}
	if _, err := c.messages.Insert(ctx, record); err != nil {
		return err
	}

	if msg.Attachment != nil {
		// Fetch and cache eagerly; a failure here is not fatal for the
		// message itself.
		if _, err := c.attach.Download(ctx, msg.Attachment, nil); err != nil {
			c.logger.Printf("Warning: attachment %s fetch failed: %v", msg.Attachment.AttachmentID, err)
		}
	}
	return nil
}

// handleSentSync stores a copy of a message sent from another of the
// account's own devices, bound to the target conversation and marked sent.
func (c *Client) handleSentSync(ctx context.Context, addr signalstore.Address, msg *wire.ClientMessage) error {
	messageID := msg.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	record := &msgstore.Message{
		MessageID:      messageID,
		ConversationID: msg.Username,
		Timestamp:      msg.Timestamp,
		Content:        msg.Text,
		IsSent:         true,
		AuthorDeviceID: addr.UserID,
	}
	if msg.Attachment != nil {
		record.MediaURL = msg.Attachment.AttachmentID
	}
	_, err := c.messages.Insert(ctx, record)
	return err
}

func (c *Client) handleFriendRequest(ctx context.Context, addr signalstore.Address, msg *wire.ClientMessage) error {
	existing, err := c.friends.Get(ctx, msg.Username)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == friends.StatusAccepted {
		return nil
	}
	return c.friends.Upsert(ctx, &friends.Friend{
		Username:        msg.Username,
		CanonicalUserID: addr.UserID,
		Status:          friends.StatusPendingReceived,
		Devices:         []friends.Device{{ServerUserID: addr.UserID, DeviceID: addr.DeviceID}},
	})
}

func (c *Client) handleFriendResponse(ctx context.Context, msg *wire.ClientMessage) error {
	if !msg.Accepted {
		c.logger.Printf("Friend request to %s was declined", msg.Username)
		return c.friends.Delete(ctx, msg.Username)
	}
	return c.friends.SetStatus(ctx, msg.Username, friends.StatusAccepted)
}

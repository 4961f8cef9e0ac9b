// Package client assembles the messaging core for one logged-in identity.
// All components hang off an explicit Client value whose lifetime is
// bounded to the login; nothing lives in package globals.
package client

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rhelsing/obscura/internal/apiclient"
	"github.com/rhelsing/obscura/internal/attachments"
	"github.com/rhelsing/obscura/internal/config"
	"github.com/rhelsing/obscura/internal/crdt"
	"github.com/rhelsing/obscura/internal/devices"
	"github.com/rhelsing/obscura/internal/friends"
	"github.com/rhelsing/obscura/internal/gateway"
	"github.com/rhelsing/obscura/internal/keys"
	"github.com/rhelsing/obscura/internal/metrics"
	"github.com/rhelsing/obscura/internal/msgstore"
	"github.com/rhelsing/obscura/internal/session"
	"github.com/rhelsing/obscura/internal/signalstore"
	"github.com/rhelsing/obscura/internal/wire"
)

const sweepInterval = 10 * time.Minute

// Client is the messaging core for one account on one device.
type Client struct {
	cfg    *config.Config
	api    *apiclient.Client
	db     *sql.DB
	logger *log.Logger

	userID     string
	username   string
	deviceID   uint32
	deviceUUID string

	signal   *signalstore.Store
	sessions *session.Manager
	resets   *session.ResetManager
	friends  *friends.Store
	messages *msgstore.Store
	models   *crdt.Engine
	attach   *attachments.Pipeline
	engine   *devices.Engine
	gw       *gateway.Gateway

	linkChallenge *devices.LinkChallenge
}

// deviceListerAdapter bridges the API client to the devices engine.
type deviceListerAdapter struct{ api *apiclient.Client }

func (a deviceListerAdapter) ListDevices(ctx context.Context) ([]devices.DeviceEntry, error) {
	records, err := a.api.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]devices.DeviceEntry, 0, len(records))
	for _, r := range records {
		out = append(out, devices.DeviceEntry{
			ServerUserID: r.ServerUserID,
			DeviceID:     r.DeviceID,
			DeviceUUID:   r.DeviceUUID,
			IdentityKey:  r.IdentityKey,
		})
	}
	return out, nil
}

// New opens the local database and the API client. Login or Register must
// be called before the client is usable.
func New(cfg *config.Config) (*Client, error) {
	db, err := sql.Open("sqlite3", cfg.DatabasePath+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Client{
		cfg:    cfg,
		api:    apiclient.New(cfg.ServerURL, cfg.RequestTimeout),
		db:     db,
		logger: log.New(os.Stdout, "[CLIENT] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

// Register creates a fresh account: identity, signed prekey, and the
// initial one-time prekey batch are generated, persisted under the
// password-derived key, and published.
func (c *Client) Register(ctx context.Context, username, password string) error {
	identity, err := keys.GenerateIdentity()
	if err != nil {
		return err
	}
	signedPreKey, err := keys.GenerateSignedPreKey(&identity.KeyPair, 1)
	if err != nil {
		return err
	}
	oneTime, err := keys.GenerateOneTimePreKeys(1, keys.InitialPreKeyCount)
	if err != nil {
		return err
	}
	deviceUUID := uuid.NewString()

	uploads := make([]apiclient.PreKeyUpload, 0, len(oneTime))
	for _, pk := range oneTime {
		uploads = append(uploads, apiclient.PreKeyUpload{KeyID: pk.KeyID, PublicKey: pk.TaggedPublic()})
	}
	resp, err := c.api.Register(ctx, &apiclient.RegisterRequest{
		Username:       username,
		Password:       password,
		IdentityKey:    identity.KeyPair.TaggedPublic(),
		RegistrationID: identity.RegistrationID,
		SignedPreKey: apiclient.SignedPreKeyUpload{
			KeyID:     signedPreKey.KeyID,
			PublicKey: signedPreKey.TaggedPublic(),
			Signature: signedPreKey.Signature,
		},
		OneTimePreKeys: uploads,
		DeviceUUID:     deviceUUID,
	})
	if err != nil {
		return err
	}

	if err := signalstore.Schema(ctx, c.db); err != nil {
		return err
	}
	store, err := signalstore.Open(ctx, c.db, resp.UserID, password)
	if err != nil {
		return err
	}
	if err := store.SetIdentity(ctx, identity); err != nil {
		return err
	}
	if err := store.StoreSignedPreKey(ctx, signedPreKey); err != nil {
		return err
	}
	for _, pk := range oneTime {
		if err := store.StorePreKey(ctx, pk); err != nil {
			return err
		}
	}
	if err := store.PutMeta(ctx, "device_uuid", deviceUUID); err != nil {
		return err
	}

	return c.bind(ctx, store, resp.UserID, username, deviceUUID)
}

// Login authenticates against the server and opens the per-user state. A
// device without a local identity enters link-pending: a fresh single-use
// link challenge is published, and the client becomes usable only after an
// existing device approves it and the SYNC_BLOB arrives.
func (c *Client) Login(ctx context.Context, username, password string) error {
	resp, err := c.api.Login(ctx, username, password)
	if err != nil {
		return err
	}

	if err := signalstore.Schema(ctx, c.db); err != nil {
		return err
	}
	store, err := signalstore.Open(ctx, c.db, resp.UserID, password)
	if err != nil {
		return err
	}

	if !store.HasIdentity() {
		return c.enterLinkPending(ctx, store, resp.UserID, username, password)
	}

	deviceUUID, err := store.GetMeta(ctx, "device_uuid")
	if err != nil {
		return err
	}
	return c.bind(ctx, store, resp.UserID, username, deviceUUID)
}

// enterLinkPending provisions a device-local identity and publishes the
// link challenge for an existing device to approve.
func (c *Client) enterLinkPending(ctx context.Context, store *signalstore.Store, userID, username, password string) error {
	identity, err := keys.GenerateIdentity()
	if err != nil {
		return err
	}
	signedPreKey, err := keys.GenerateSignedPreKey(&identity.KeyPair, 1)
	if err != nil {
		return err
	}
	oneTime, err := keys.GenerateOneTimePreKeys(1, keys.InitialPreKeyCount)
	if err != nil {
		return err
	}
	deviceUUID := uuid.NewString()

	if err := store.SetIdentity(ctx, identity); err != nil {
		return err
	}
	if err := store.StoreSignedPreKey(ctx, signedPreKey); err != nil {
		return err
	}
	for _, pk := range oneTime {
		if err := store.StorePreKey(ctx, pk); err != nil {
			return err
		}
	}
	if err := store.PutMeta(ctx, "device_uuid", deviceUUID); err != nil {
		return err
	}

	challenge := devices.NewLinkChallenge()
	uploads := make([]apiclient.PreKeyUpload, 0, len(oneTime))
	for _, pk := range oneTime {
		uploads = append(uploads, apiclient.PreKeyUpload{KeyID: pk.KeyID, PublicKey: pk.TaggedPublic()})
	}
	err = c.api.PublishLinkChallenge(ctx, &apiclient.LinkChallengeRequest{
		Code:           challenge.Code,
		DeviceUUID:     deviceUUID,
		IdentityKey:    identity.KeyPair.TaggedPublic(),
		RegistrationID: identity.RegistrationID,
		SignedPreKey: apiclient.SignedPreKeyUpload{
			KeyID:     signedPreKey.KeyID,
			PublicKey: signedPreKey.TaggedPublic(),
			Signature: signedPreKey.Signature,
		},
		OneTimePreKeys: uploads,
	})
	if err != nil {
		return err
	}

	c.linkChallenge = challenge
	c.logger.Printf("Device is link-pending; approve with code %s on an existing device", challenge.Code)
	return c.bind(ctx, store, userID, username, deviceUUID)
}

// bind wires all per-login components.
func (c *Client) bind(ctx context.Context, store *signalstore.Store, userID, username, deviceUUID string) error {
	c.signal = store
	c.userID = userID
	c.username = username
	c.deviceID = 1
	c.deviceUUID = deviceUUID

	var err error
	if c.messages, err = msgstore.Open(ctx, c.db, userID); err != nil {
		return err
	}
	if c.friends, err = friends.Open(ctx, c.db, userID); err != nil {
		return err
	}
	if c.models, err = crdt.Open(ctx, c.db, userID, crdt.DefaultRegistry()); err != nil {
		return err
	}
	cache, err := attachments.OpenCache(ctx, c.db, userID)
	if err != nil {
		return err
	}
	c.attach = attachments.NewPipeline(c.api, cache, c.cfg.ChunkSize)

	c.sessions = session.NewManager(store, c.api)
	send := func(ctx context.Context, addr signalstore.Address, msg *wire.EncryptedMessage) error {
		return c.api.SendMessage(ctx, addr.UserID, addr.DeviceID, msg)
	}
	c.resets = session.NewResetManager(c.sessions, send)

	c.engine = devices.New(devices.Config{
		Sessions:   c.sessions,
		Friends:    c.friends,
		Messages:   c.messages,
		Models:     c.models,
		Send:       send,
		Devices:    deviceListerAdapter{api: c.api},
		UserID:     userID,
		DeviceID:   c.deviceID,
		DeviceUUID: deviceUUID,
		Username:   username,
	})

	c.gw = gateway.New(c.cfg.GatewayURL, c.api.Token)
	c.gw.SetHandler(c.handleEnvelope)
	return nil
}

// LinkPending reports whether this device still awaits approval.
func (c *Client) LinkPending() bool {
	return c.linkChallenge != nil
}

// LinkCode returns the published link code, if any.
func (c *Client) LinkCode() string {
	if c.linkChallenge == nil {
		return ""
	}
	return c.linkChallenge.Code
}

// Engine exposes the multi-device engine.
func (c *Client) Engine() *devices.Engine { return c.engine }

// Messages exposes the message store.
func (c *Client) Messages() *msgstore.Store { return c.messages }

// Friends exposes the friend store.
func (c *Client) Friends() *friends.Store { return c.friends }

// Attachments exposes the attachment pipeline.
func (c *Client) Attachments() *attachments.Pipeline { return c.attach }

// Run connects the gateway and background tasks, blocking until ctx is
// cancelled. Undelivered envelopes flow in immediately after connect.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(c.cfg.MetricsAddr); err != nil {
				c.logger.Printf("Metrics server stopped: %v", err)
			}
		}()
	}

	go c.models.RunSweeper(ctx, c.attach.Cache(), sweepInterval)

	if !c.LinkPending() {
		if err := c.sessions.ReplenishPreKeys(ctx); err != nil {
			c.logger.Printf("Warning: prekey replenishment failed: %v", err)
		}
		if err := c.engine.AnnounceDevices(ctx); err != nil {
			c.logger.Printf("Warning: device announce failed: %v", err)
		}
	}

	return c.gw.Run(ctx)
}

// ApproveLink approves a pending device from this, already-linked, device.
func (c *Client) ApproveLink(ctx context.Context, code string) error {
	approve := func(ctx context.Context, code string) (*devices.DeviceEntry, error) {
		resp, err := c.api.ApproveLinkChallenge(ctx, code)
		if err != nil {
			return nil, err
		}
		return &devices.DeviceEntry{
			ServerUserID: resp.ServerUserID,
			DeviceID:     resp.DeviceID,
			DeviceUUID:   resp.DeviceUUID,
			IdentityKey:  resp.IdentityKey,
		}, nil
	}
	return c.engine.ApproveLink(ctx, approve, code)
}

// ResetAllSessions issues a session reset for every accepted friend's
// device. Nuclear recovery.
func (c *Client) ResetAllSessions(ctx context.Context, reason string) (int, error) {
	return c.resets.ResetAllSessions(ctx, c.friends, reason)
}

// Logout disconnects without unlinking. Identity and session state are
// preserved; messages queued during logout are decrypted at next login.
func (c *Client) Logout() {
	if c.gw != nil {
		c.gw.Close()
	}
	c.logger.Printf("Logged out; local state preserved")
}

// Unlink purges the Signal store, attachment cache, message store, CRDT
// state, and credentials, and removes this device's registration. A fresh
// registration is accepted afterwards.
func (c *Client) Unlink(ctx context.Context) error {
	if c.gw != nil {
		c.gw.Close()
	}
	if err := c.api.Unlink(ctx, c.deviceUUID); err != nil {
		c.logger.Printf("Warning: server-side unlink failed: %v", err)
	}

	if err := c.signal.ClearAll(ctx); err != nil {
		return err
	}
	if err := c.messages.ClearAll(ctx); err != nil {
		return err
	}
	if err := c.friends.ClearAll(ctx); err != nil {
		return err
	}
	if err := c.models.ClearAll(ctx); err != nil {
		return err
	}
	if err := c.attach.Cache().ClearAll(ctx); err != nil {
		return err
	}
	c.api.SetToken("")
	c.logger.Printf("Device unlinked; all local state purged")
	return nil
}

// Close releases the database handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// Package devices implements the multi-device engine: device linking,
// device announcement, per-device message fan-out, self-sync to the
// account's own devices, and migration of messages stored under a raw
// device identifier once its owner is learned.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rhelsing/obscura/internal/crdt"
	"github.com/rhelsing/obscura/internal/friends"
	"github.com/rhelsing/obscura/internal/metrics"
	"github.com/rhelsing/obscura/internal/msgstore"
	"github.com/rhelsing/obscura/internal/session"
	"github.com/rhelsing/obscura/internal/signalstore"
	"github.com/rhelsing/obscura/internal/wire"
)

// ErrLinkChallengeInvalid is returned for replayed or unknown link codes.
// No duplicate device may be created.
var ErrLinkChallengeInvalid = errors.New("link challenge invalid or already consumed")

// ErrUnknownFriend is returned when a send targets a username that is not a
// friend.
var ErrUnknownFriend = errors.New("unknown friend")

// DeviceLister fetches the account's registered devices.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]DeviceEntry, error)
}

// DeviceEntry is one registered device of the account.
type DeviceEntry struct {
	ServerUserID string
	DeviceID     uint32
	DeviceUUID   string
	IdentityKey  []byte
}

// EnvelopeSender delivers one encrypted message to one device.
type EnvelopeSender func(ctx context.Context, addr signalstore.Address, msg *wire.EncryptedMessage) error

// MigrationEvent reports a completed message migration.
type MigrationEvent struct {
	From  string
	To    string
	Count int64
}

// Engine coordinates multi-device behavior for one logged-in identity.
type Engine struct {
	sessions *session.Manager
	friends  *friends.Store
	messages *msgstore.Store
	models   *crdt.Engine
	send     EnvelopeSender
	devices  DeviceLister
	logger   *log.Logger

	// self identity
	userID     string
	deviceID   uint32
	deviceUUID string
	username   string

	mu  sync.Mutex
	own []DeviceEntry

	onMigrated func(MigrationEvent)
}

// Config wires an Engine.
type Config struct {
	Sessions   *session.Manager
	Friends    *friends.Store
	Messages   *msgstore.Store
	Models     *crdt.Engine
	Send       EnvelopeSender
	Devices    DeviceLister
	UserID     string
	DeviceID   uint32
	DeviceUUID string
	Username   string
}

// New creates the engine.
func New(cfg Config) *Engine {
	return &Engine{
		sessions:   cfg.Sessions,
		friends:    cfg.Friends,
		messages:   cfg.Messages,
		models:     cfg.Models,
		send:       cfg.Send,
		devices:    cfg.Devices,
		logger:     log.New(os.Stdout, "[DEVICES] ", log.Ldate|log.Ltime|log.LUTC),
		userID:     cfg.UserID,
		deviceID:   cfg.DeviceID,
		deviceUUID: cfg.DeviceUUID,
		username:   cfg.Username,
	}
}

// SetMigrationListener installs the messagesMigrated event listener.
func (e *Engine) SetMigrationListener(fn func(MigrationEvent)) {
	e.onMigrated = fn
}

// RefreshOwnDevices fetches the account's device list. Called at login and
// after approvals.
func (e *Engine) RefreshOwnDevices(ctx context.Context) error {
	own, err := e.devices.ListDevices(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.own = own
	e.mu.Unlock()
	return nil
}

// OwnDevices returns the cached device list.
func (e *Engine) OwnDevices() []DeviceEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]DeviceEntry(nil), e.own...)
}

// otherOwnDevices returns the account's devices excluding this one.
func (e *Engine) otherOwnDevices() []DeviceEntry {
	var out []DeviceEntry
	for _, d := range e.OwnDevices() {
		if d.DeviceUUID == e.deviceUUID {
			continue
		}
		out = append(out, d)
	}
	return out
}

// SendToFriend encrypts one logical message independently to every device
// of the friend and to the sender's own other devices. Friend devices
// receive the message as-is; own devices receive a SENT_SYNC copy marked
// with the target conversation. Encrypts to distinct devices proceed
// concurrently; no session state is shared between addresses.
func (e *Engine) SendToFriend(ctx context.Context, username string, msg *wire.ClientMessage) error {
	f, err := e.friends.Get(ctx, username)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: %s", ErrUnknownFriend, username)
	}

	type target struct {
		addr signalstore.Address
		body []byte
		kind string
	}
	var targets []target

	body := msg.Marshal()
	for _, d := range f.Devices {
		targets = append(targets, target{
			addr: signalstore.Address{UserID: d.ServerUserID, DeviceID: d.DeviceID},
			body: body,
			kind: "content",
		})
	}

	sentSync := *msg
	sentSync.Type = wire.ClientMessageSentSync
	sentSync.Username = username
	sentSyncBody := sentSync.Marshal()
	for _, d := range e.otherOwnDevices() {
		targets = append(targets, target{
			addr: signalstore.Address{UserID: d.ServerUserID, DeviceID: d.DeviceID},
			body: sentSyncBody,
			kind: "sent_sync",
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, tgt := range targets {
		wg.Add(1)
		go func(i int, tgt target) {
			defer wg.Done()
			errs[i] = e.sendEncrypted(ctx, tgt.addr, tgt.body, tgt.kind)
		}(i, tgt)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (e *Engine) sendEncrypted(ctx context.Context, addr signalstore.Address, plaintext []byte, kind string) error {
	enc, err := e.sessions.Encrypt(ctx, addr, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt for %s failed: %w", addr, err)
	}
	if err := e.send(ctx, addr, enc); err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(kind).Inc()
	return nil
}

// SendToDevice encrypts and sends one control message to a single device.
func (e *Engine) SendToDevice(ctx context.Context, addr signalstore.Address, msg *wire.ClientMessage) error {
	return e.sendEncrypted(ctx, addr, msg.Marshal(), "control")
}

// AnnounceDevices advertises the account's full device set to every
// accepted friend. Called after approving a link and at login.
func (e *Engine) AnnounceDevices(ctx context.Context) error {
	if err := e.RefreshOwnDevices(ctx); err != nil {
		return err
	}

	var infos []wire.DeviceInfo
	for _, d := range e.OwnDevices() {
		infos = append(infos, wire.DeviceInfo{
			ServerUserID: d.ServerUserID,
			DeviceUUID:   d.DeviceUUID,
			IdentityKey:  d.IdentityKey,
		})
	}

	announce := &wire.ClientMessage{
		Type:      wire.ClientMessageDeviceAnnounce,
		Username:  e.username,
		Timestamp: time.Now().UnixMilli(),
		Devices:   infos,
	}
	body := announce.Marshal()

	accepted, err := e.friends.ListAccepted(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, f := range accepted {
		for _, d := range f.Devices {
			addr := signalstore.Address{UserID: d.ServerUserID, DeviceID: d.DeviceID}
			if err := e.sendEncrypted(ctx, addr, body, "control"); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// HandleDeviceAnnounce merges an advertised device set into the sender's
// friend record and migrates any messages stored under a newly learned
// device's raw identifier.
func (e *Engine) HandleDeviceAnnounce(ctx context.Context, fromUsername string, infos []wire.DeviceInfo) error {
	f, err := e.friends.Get(ctx, fromUsername)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: announce from %s", ErrUnknownFriend, fromUsername)
	}

	devices := make([]friends.Device, 0, len(infos))
	for _, d := range infos {
		devices = append(devices, friends.Device{
			ServerUserID: d.ServerUserID,
			DeviceID:     1,
			DeviceUUID:   d.DeviceUUID,
			IdentityKey:  d.IdentityKey,
		})
	}

	added, err := e.friends.MergeDevices(ctx, fromUsername, devices)
	if err != nil {
		return err
	}

	for _, d := range added {
		if _, err := e.MigrateMessages(ctx, d.ServerUserID, fromUsername); err != nil {
			return err
		}
	}
	return nil
}

// MigrateMessages rewrites every message stored under the raw identifier
// `from` to the conversation `to`, emitting a messagesMigrated event when
// any rows moved. from == to is a no-op.
func (e *Engine) MigrateMessages(ctx context.Context, from, to string) (int64, error) {
	count, err := e.messages.Migrate(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		e.logger.Printf("Migrated %d messages from %s to %s", count, from, to)
		metrics.MessagesMigrated.Add(float64(count))
		if e.onMigrated != nil {
			e.onMigrated(MigrationEvent{From: from, To: to, Count: count})
		}
	}
	return count, nil
}

// SyncBlob is the initial state dump delivered to a newly linked device.
type SyncBlob struct {
	Username string             `json:"username"`
	Friends  []friends.Friend   `json:"friends"`
	Messages []msgstore.Message `json:"messages"`
	Records  []crdt.Record      `json:"records"`
}

// BuildSyncBlob assembles the account state for a newly linked device:
// every friend, the full message history, and every model record including
// private state.
func (e *Engine) BuildSyncBlob(ctx context.Context) ([]byte, error) {
	allFriends, err := e.friends.List(ctx)
	if err != nil {
		return nil, err
	}
	allMessages, err := e.messages.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	allRecords, err := e.models.ListAll(ctx, false)
	if err != nil {
		return nil, err
	}

	return json.Marshal(&SyncBlob{
		Username: e.username,
		Friends:  allFriends,
		Messages: allMessages,
		Records:  allRecords,
	})
}

// ApplySyncBlob installs a received state dump on a newly linked device.
// Application is idempotent: messages dedupe on messageId and records merge
// under their declared strategies.
func (e *Engine) ApplySyncBlob(ctx context.Context, blob []byte) error {
	var sb SyncBlob
	if err := json.Unmarshal(blob, &sb); err != nil {
		return fmt.Errorf("corrupt sync blob: %w", err)
	}

	for i := range sb.Friends {
		if err := e.friends.Upsert(ctx, &sb.Friends[i]); err != nil {
			return err
		}
	}
	for i := range sb.Messages {
		if _, err := e.messages.Insert(ctx, &sb.Messages[i]); err != nil {
			return err
		}
	}
	now := time.Now().UnixMilli()
	for i := range sb.Records {
		r := &sb.Records[i]
		sync := &wire.ModelSync{
			Model:          r.Model,
			RecordID:       r.ID,
			Record:         r.Fields,
			Timestamp:      r.Timestamp,
			AuthorDeviceID: r.AuthorDeviceID,
		}
		if _, err := e.models.Apply(ctx, sync, now); err != nil {
			return err
		}
	}

	e.logger.Printf("Applied sync blob: %d friends, %d messages, %d records",
		len(sb.Friends), len(sb.Messages), len(sb.Records))
	return nil
}

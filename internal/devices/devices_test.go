package devices

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhelsing/obscura/internal/apiclient"
	"github.com/rhelsing/obscura/internal/crdt"
	"github.com/rhelsing/obscura/internal/friends"
	"github.com/rhelsing/obscura/internal/keys"
	"github.com/rhelsing/obscura/internal/msgstore"
	"github.com/rhelsing/obscura/internal/session"
	"github.com/rhelsing/obscura/internal/signalstore"
	"github.com/rhelsing/obscura/internal/wire"
)

// node is one simulated device with its own signal state.
type node struct {
	userID string
	store  *signalstore.Store
	mgr    *session.Manager
	addr   signalstore.Address
	spk    *keys.SignedPreKey
}

type fakeKeyService struct {
	mu     sync.Mutex
	nodes  map[string]*node
	unused map[string][]uint32
}

func (f *fakeKeyService) GetPreKeyBundle(_ context.Context, userID string, _ uint32) (*apiclient.PreKeyBundleResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[userID]
	if !ok {
		return nil, fmt.Errorf("unknown user %s", userID)
	}
	kp, err := n.store.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	reg, err := n.store.GetLocalRegistrationID()
	if err != nil {
		return nil, err
	}
	resp := &apiclient.PreKeyBundleResponse{
		RegistrationID:        reg,
		IdentityKey:           kp.TaggedPublic(),
		SignedPreKeyID:        n.spk.KeyID,
		SignedPreKey:          n.spk.TaggedPublic(),
		SignedPreKeySignature: n.spk.Signature,
	}
	if ids := f.unused[userID]; len(ids) > 0 {
		id := ids[0]
		f.unused[userID] = ids[1:]
		pk, err := n.store.LoadPreKey(id)
		if err != nil {
			return nil, err
		}
		keyID := pk.KeyID
		resp.OneTimePreKeyID = &keyID
		resp.OneTimePreKey = pk.TaggedPublic()
	}
	return resp, nil
}

func (f *fakeKeyService) UploadPreKeys(context.Context, []apiclient.PreKeyUpload) error {
	return nil
}

// sink records every send for inspection and later decryption.
type sink struct {
	mu   sync.Mutex
	sent map[string][]*wire.EncryptedMessage
}

func (s *sink) send(_ context.Context, addr signalstore.Address, msg *wire.EncryptedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][]*wire.EncryptedMessage)
	}
	s.sent[addr.String()] = append(s.sent[addr.String()], msg)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msgs := range s.sent {
		n += len(msgs)
	}
	return n
}

type fakeLister struct{ entries []DeviceEntry }

func (f *fakeLister) ListDevices(context.Context) ([]DeviceEntry, error) {
	return f.entries, nil
}

type harness struct {
	db    *sql.DB
	svc   *fakeKeyService
	nodes map[string]*node
}

func newHarness(t *testing.T, userIDs ...string) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, signalstore.Schema(ctx, db))

	h := &harness{
		db:    db,
		svc:   &fakeKeyService{nodes: make(map[string]*node), unused: make(map[string][]uint32)},
		nodes: make(map[string]*node),
	}

	for _, userID := range userIDs {
		store, err := signalstore.Open(ctx, db, userID, "pw")
		require.NoError(t, err)
		id, err := keys.GenerateIdentity()
		require.NoError(t, err)
		require.NoError(t, store.SetIdentity(ctx, id))
		spk, err := keys.GenerateSignedPreKey(&id.KeyPair, 1)
		require.NoError(t, err)
		require.NoError(t, store.StoreSignedPreKey(ctx, spk))
		otks, err := keys.GenerateOneTimePreKeys(1, 10)
		require.NoError(t, err)
		for _, pk := range otks {
			require.NoError(t, store.StorePreKey(ctx, pk))
			h.svc.unused[userID] = append(h.svc.unused[userID], pk.KeyID)
		}

		n := &node{
			userID: userID,
			store:  store,
			addr:   signalstore.Address{UserID: userID, DeviceID: 1},
			spk:    spk,
		}
		n.mgr = session.NewManager(store, h.svc)
		h.svc.nodes[userID] = n
		h.nodes[userID] = n
	}
	return h
}

func (h *harness) engine(t *testing.T, self string, username string, out *sink, lister DeviceLister) (*Engine, *friends.Store, *msgstore.Store, *crdt.Engine) {
	t.Helper()
	ctx := context.Background()

	fs, err := friends.Open(ctx, h.db, self)
	require.NoError(t, err)
	ms, err := msgstore.Open(ctx, h.db, self)
	require.NoError(t, err)
	ce, err := crdt.Open(ctx, h.db, self, crdt.DefaultRegistry())
	require.NoError(t, err)

	n := h.nodes[self]
	eng := New(Config{
		Sessions:   n.mgr,
		Friends:    fs,
		Messages:   ms,
		Models:     ce,
		Send:       out.send,
		Devices:    lister,
		UserID:     self,
		DeviceID:   1,
		DeviceUUID: "uuid-" + self,
		Username:   username,
	})
	return eng, fs, ms, ce
}

func TestFanOutToAllDevices(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alice1", "alice2", "bob1", "bob2")

	out := &sink{}
	lister := &fakeLister{entries: []DeviceEntry{
		{ServerUserID: "alice1", DeviceID: 1, DeviceUUID: "uuid-alice1"},
		{ServerUserID: "alice2", DeviceID: 1, DeviceUUID: "uuid-alice2"},
	}}
	eng, fs, _, _ := h.engine(t, "alice1", "alice", out, lister)
	require.NoError(t, eng.RefreshOwnDevices(ctx))

	require.NoError(t, fs.Upsert(ctx, &friends.Friend{
		Username: "bob", CanonicalUserID: "bob1", Status: friends.StatusAccepted,
		Devices: []friends.Device{
			{ServerUserID: "bob1", DeviceID: 1},
			{ServerUserID: "bob2", DeviceID: 1},
		},
	}))

	msg := &wire.ClientMessage{Type: wire.ClientMessageText, MessageID: "m1", Text: "hello", Timestamp: 1}
	require.NoError(t, eng.SendToFriend(ctx, "bob", msg))

	// |F.devices| + |own| - 1 = 2 + 1 envelopes, each a distinct ciphertext.
	assert.Equal(t, 3, out.count())
	seen := make(map[string]bool)
	for _, msgs := range out.sent {
		for _, m := range msgs {
			seen[string(m.Content)] = true
		}
	}
	assert.Len(t, seen, 3)

	// Each of Bob's devices decrypts its own copy as TEXT.
	for _, target := range []string{"bob1", "bob2"} {
		n := h.nodes[target]
		enc := out.sent[target+".1"]
		require.Len(t, enc, 1, "device %s should receive exactly one envelope", target)
		pt, err := n.mgr.Decrypt(ctx, h.nodes["alice1"].addr, enc[0])
		require.NoError(t, err)
		cm, err := wire.UnmarshalClientMessage(pt)
		require.NoError(t, err)
		assert.Equal(t, wire.ClientMessageText, cm.Type)
		assert.Equal(t, "hello", cm.Text)
	}

	// The sender's other device receives a SENT_SYNC copy bound to the
	// conversation.
	enc := out.sent["alice2.1"]
	require.Len(t, enc, 1)
	pt, err := h.nodes["alice2"].mgr.Decrypt(ctx, h.nodes["alice1"].addr, enc[0])
	require.NoError(t, err)
	cm, err := wire.UnmarshalClientMessage(pt)
	require.NoError(t, err)
	assert.Equal(t, wire.ClientMessageSentSync, cm.Type)
	assert.Equal(t, "bob", cm.Username)
	assert.Equal(t, "hello", cm.Text)
}

func TestSendToUnknownFriend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alice1")
	eng, _, _, _ := h.engine(t, "alice1", "alice", &sink{}, &fakeLister{})

	err := eng.SendToFriend(ctx, "stranger", &wire.ClientMessage{Type: wire.ClientMessageText})
	assert.ErrorIs(t, err, ErrUnknownFriend)
}

func TestDeviceAnnounceTriggersMigration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "bob1")

	eng, fs, ms, _ := h.engine(t, "bob1", "bob", &sink{}, &fakeLister{})

	// Bob knows Alice only by her first device.
	require.NoError(t, fs.Upsert(ctx, &friends.Friend{
		Username: "alice", CanonicalUserID: "alice1", Status: friends.StatusAccepted,
		Devices: []friends.Device{{ServerUserID: "alice1", DeviceID: 1}},
	}))

	// A message from Alice's unannounced second device sits under its raw
	// server user id.
	_, err := ms.Insert(ctx, &msgstore.Message{
		MessageID: "m-hi", ConversationID: "alice2", Timestamp: 10,
		Content: "hi", AuthorDeviceID: "alice2",
	})
	require.NoError(t, err)

	var events []MigrationEvent
	eng.SetMigrationListener(func(ev MigrationEvent) { events = append(events, ev) })

	infos := []wire.DeviceInfo{
		{ServerUserID: "alice1", DeviceUUID: "ua1"},
		{ServerUserID: "alice2", DeviceUUID: "ua2"},
	}
	require.NoError(t, eng.HandleDeviceAnnounce(ctx, "alice", infos))

	require.Len(t, events, 1)
	assert.Equal(t, "alice2", events[0].From)
	assert.Equal(t, "alice", events[0].To)
	assert.GreaterOrEqual(t, events[0].Count, int64(1))

	msgs, err := ms.ListConversation(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)

	orphans, err := ms.ListConversation(ctx, "alice2")
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// A repeated announce learns nothing new and fires no event.
	require.NoError(t, eng.HandleDeviceAnnounce(ctx, "alice", infos))
	assert.Len(t, events, 1)
}

func TestMigrateMessagesIdentityNoOp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "bob1")
	eng, _, ms, _ := h.engine(t, "bob1", "bob", &sink{}, &fakeLister{})

	_, err := ms.Insert(ctx, &msgstore.Message{MessageID: "m", ConversationID: "alice", Timestamp: 1, Content: "x"})
	require.NoError(t, err)

	fired := false
	eng.SetMigrationListener(func(MigrationEvent) { fired = true })

	n, err := eng.MigrateMessages(ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, fired)
}

func TestApproveLinkSendsSyncBlob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alice1", "alice2")

	out := &sink{}
	lister := &fakeLister{entries: []DeviceEntry{
		{ServerUserID: "alice1", DeviceID: 1, DeviceUUID: "uuid-alice1"},
		{ServerUserID: "alice2", DeviceID: 1, DeviceUUID: "uuid-alice2"},
	}}
	eng, fs, ms, ce := h.engine(t, "alice1", "alice", out, lister)

	require.NoError(t, fs.Upsert(ctx, &friends.Friend{
		Username: "bob", CanonicalUserID: "bob1", Status: friends.StatusPendingSent,
	}))
	_, err := ms.Insert(ctx, &msgstore.Message{MessageID: "m1", ConversationID: "bob", Timestamp: 5, Content: "history"})
	require.NoError(t, err)
	_, err = ce.Put(ctx, "settings", "me", map[string]any{"theme": "dark"}, "uuid-alice1", 5)
	require.NoError(t, err)

	approve := func(_ context.Context, code string) (*DeviceEntry, error) {
		if code != "good-code" {
			return nil, apiclient.ErrConflict
		}
		return &DeviceEntry{ServerUserID: "alice2", DeviceID: 1, DeviceUUID: "uuid-alice2"}, nil
	}

	require.NoError(t, eng.ApproveLink(ctx, approve, "good-code"))

	enc := out.sent["alice2.1"]
	require.NotEmpty(t, enc)

	pt, err := h.nodes["alice2"].mgr.Decrypt(ctx, h.nodes["alice1"].addr, enc[0])
	require.NoError(t, err)
	cm, err := wire.UnmarshalClientMessage(pt)
	require.NoError(t, err)
	require.Equal(t, wire.ClientMessageSyncBlob, cm.Type)

	// The new device applies the blob and knows everything.
	eng2, fs2, ms2, _ := h.engine(t, "alice2", "alice", &sink{}, lister)
	require.NoError(t, eng2.ApplySyncBlob(ctx, cm.SyncBlob))

	f, err := fs2.Get(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, f)

	msgs, err := ms2.ListConversation(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "history", msgs[0].Content)

	// Applying the same blob twice changes nothing.
	require.NoError(t, eng2.ApplySyncBlob(ctx, cm.SyncBlob))
	msgs, err = ms2.ListConversation(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestApproveLinkReplayRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alice1")
	eng, _, _, _ := h.engine(t, "alice1", "alice", &sink{}, &fakeLister{entries: []DeviceEntry{
		{ServerUserID: "alice1", DeviceID: 1, DeviceUUID: "uuid-alice1"},
	}})

	// Server-side rejection of a consumed code.
	approve := func(context.Context, string) (*DeviceEntry, error) {
		return nil, apiclient.ErrConflict
	}
	err := eng.ApproveLink(ctx, approve, "used-code")
	assert.ErrorIs(t, err, ErrLinkChallengeInvalid)

	// Local rejection when the device already exists.
	require.NoError(t, eng.RefreshOwnDevices(ctx))
	approveDup := func(context.Context, string) (*DeviceEntry, error) {
		return &DeviceEntry{ServerUserID: "alice1", DeviceID: 1, DeviceUUID: "uuid-alice1"}, nil
	}
	err = eng.ApproveLink(ctx, approveDup, "replayed")
	assert.ErrorIs(t, err, ErrLinkChallengeInvalid)
}

func TestLinkChallengeSingleUse(t *testing.T) {
	c := NewLinkChallenge()
	assert.NotEmpty(t, c.Code)
	assert.Equal(t, LinkPending, c.State)

	c2 := NewLinkChallenge()
	assert.NotEqual(t, c.Code, c2.Code, "codes are freshly generated per login")
}

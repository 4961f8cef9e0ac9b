package session

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhelsing/obscura/internal/apiclient"
	"github.com/rhelsing/obscura/internal/keys"
	"github.com/rhelsing/obscura/internal/ratchet"
	"github.com/rhelsing/obscura/internal/signalstore"
	"github.com/rhelsing/obscura/internal/wire"
)

// testPeer is one simulated device with its own namespace.
type testPeer struct {
	name  string
	store *signalstore.Store
	addr  signalstore.Address
	mgr   *Manager
	spk   *keys.SignedPreKey
}

// fakeKeyService serves prekey bundles straight from the peers' stores,
// consuming one-time prekey ids like the real server does.
type fakeKeyService struct {
	mu       sync.Mutex
	peers    map[string]*testPeer
	unused   map[string][]uint32
	uploads  [][]apiclient.PreKeyUpload
	noOneTme bool
}

func (f *fakeKeyService) GetPreKeyBundle(_ context.Context, userID string, _ uint32) (*apiclient.PreKeyBundleResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.peers[userID]
	kp, err := p.store.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	reg, err := p.store.GetLocalRegistrationID()
	if err != nil {
		return nil, err
	}

	resp := &apiclient.PreKeyBundleResponse{
		RegistrationID:        reg,
		IdentityKey:           kp.TaggedPublic(),
		SignedPreKeyID:        p.spk.KeyID,
		SignedPreKey:          p.spk.TaggedPublic(),
		SignedPreKeySignature: p.spk.Signature,
	}

	if !f.noOneTme && len(f.unused[userID]) > 0 {
		id := f.unused[userID][0]
		f.unused[userID] = f.unused[userID][1:]
		pk, err := p.store.LoadPreKey(id)
		if err != nil {
			return nil, err
		}
		keyID := pk.KeyID
		resp.OneTimePreKeyID = &keyID
		resp.OneTimePreKey = pk.TaggedPublic()
	}
	return resp, nil
}

func (f *fakeKeyService) UploadPreKeys(_ context.Context, preKeys []apiclient.PreKeyUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, preKeys)
	return nil
}

func newHarness(t *testing.T, names ...string) (*fakeKeyService, map[string]*testPeer) {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, signalstore.Schema(ctx, db))

	svc := &fakeKeyService{
		peers:  make(map[string]*testPeer),
		unused: make(map[string][]uint32),
	}
	peers := make(map[string]*testPeer)

	for _, name := range names {
		store, err := signalstore.Open(ctx, db, name, "pw")
		require.NoError(t, err)
		id, err := keys.GenerateIdentity()
		require.NoError(t, err)
		require.NoError(t, store.SetIdentity(ctx, id))

		spk, err := keys.GenerateSignedPreKey(&id.KeyPair, 1)
		require.NoError(t, err)
		require.NoError(t, store.StoreSignedPreKey(ctx, spk))

		otks, err := keys.GenerateOneTimePreKeys(1, 5)
		require.NoError(t, err)
		for _, pk := range otks {
			require.NoError(t, store.StorePreKey(ctx, pk))
			svc.unused[name] = append(svc.unused[name], pk.KeyID)
		}

		p := &testPeer{
			name:  name,
			store: store,
			addr:  signalstore.Address{UserID: name, DeviceID: 1},
			spk:   spk,
		}
		p.mgr = NewManager(store, svc)
		svc.peers[name] = p
		peers[name] = p
	}
	return svc, peers
}

func TestEncryptEstablishesSessionOnDemand(t *testing.T) {
	ctx := context.Background()
	_, peers := newHarness(t, "alice", "bob")
	alice, bob := peers["alice"], peers["bob"]

	msg, err := alice.mgr.Encrypt(ctx, bob.addr, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, wire.MessageTypePreKey, msg.Type)

	pt, err := bob.mgr.Decrypt(ctx, alice.addr, msg)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	// The session is reused; no second bundle fetch changes the type
	// once the peer has replied.
	reply, err := bob.mgr.Encrypt(ctx, alice.addr, []byte("yo"))
	require.NoError(t, err)
	pt, err = alice.mgr.Decrypt(ctx, bob.addr, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("yo"), pt)

	next, err := alice.mgr.Encrypt(ctx, bob.addr, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, wire.MessageTypeEncrypted, next.Type)
}

func TestEncryptWithoutOneTimePreKey(t *testing.T) {
	ctx := context.Background()
	svc, peers := newHarness(t, "alice", "bob")
	alice, bob := peers["alice"], peers["bob"]

	svc.noOneTme = true

	msg, err := alice.mgr.Encrypt(ctx, bob.addr, []byte("no otk"))
	require.NoError(t, err)

	pt, err := bob.mgr.Decrypt(ctx, alice.addr, msg)
	require.NoError(t, err)
	assert.Equal(t, []byte("no otk"), pt)
}

// deliver carries reset control messages between managers.
type deliver struct {
	mu   sync.Mutex
	sent []*wire.EncryptedMessage
	to   *testPeer
	from *testPeer
}

func (d *deliver) send(ctx context.Context, addr signalstore.Address, msg *wire.EncryptedMessage) error {
	d.mu.Lock()
	d.sent = append(d.sent, msg)
	d.mu.Unlock()
	return nil
}

func TestAutoRecoveryAfterLostSession(t *testing.T) {
	ctx := context.Background()
	_, peers := newHarness(t, "alice", "bob")
	alice, bob := peers["alice"], peers["bob"]

	// Prime sessions with an initial exchange.
	msg, err := alice.mgr.Encrypt(ctx, bob.addr, []byte("prime"))
	require.NoError(t, err)
	_, err = bob.mgr.Decrypt(ctx, alice.addr, msg)
	require.NoError(t, err)
	reply, err := bob.mgr.Encrypt(ctx, alice.addr, []byte("ok"))
	require.NoError(t, err)
	_, err = alice.mgr.Decrypt(ctx, bob.addr, reply)
	require.NoError(t, err)

	// Bob loses his session for Alice.
	require.NoError(t, bob.store.RemoveSession(ctx, alice.addr))

	pipe := &deliver{from: bob, to: alice}
	reset := NewResetManager(bob.mgr, pipe.send)

	// Alice sends "lost"; Bob cannot decrypt it.
	lost, err := alice.mgr.Encrypt(ctx, bob.addr, []byte("lost"))
	require.NoError(t, err)
	assert.Equal(t, wire.MessageTypeEncrypted, lost.Type)

	_, err = bob.mgr.Decrypt(ctx, alice.addr, lost)
	require.ErrorIs(t, err, ratchet.ErrNoSession)

	outcome := reset.HandleDecryptFailure(ctx, alice.addr, "env-lost", err)
	assert.Equal(t, OutcomeResetSent, outcome)
	require.Len(t, pipe.sent, 1)
	assert.Equal(t, wire.MessageTypePreKey, pipe.sent[0].Type)

	// Alice processes the reset: decrypts the control message and clears
	// her session.
	pt, err := alice.mgr.Decrypt(ctx, bob.addr, pipe.sent[0])
	require.NoError(t, err)
	control, err := wire.UnmarshalClientMessage(pt)
	require.NoError(t, err)
	assert.Equal(t, wire.ClientMessageSessionReset, control.Type)

	aliceReset := NewResetManager(alice.mgr, func(context.Context, signalstore.Address, *wire.EncryptedMessage) error { return nil })
	require.NoError(t, aliceReset.HandleResetReceived(ctx, bob.addr))

	// Alice's next message bootstraps a fresh session via PREKEY.
	fresh, err := alice.mgr.Encrypt(ctx, bob.addr, []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, wire.MessageTypePreKey, fresh.Type)

	pt, err = bob.mgr.Decrypt(ctx, alice.addr, fresh)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), pt)
}

func TestLoopPreventionPerEnvelope(t *testing.T) {
	ctx := context.Background()
	_, peers := newHarness(t, "alice", "bob")
	alice, bob := peers["alice"], peers["bob"]
	_ = alice

	pipe := &deliver{}
	reset := NewResetManager(bob.mgr, pipe.send)

	cause := ratchet.ErrNoSession
	outcome := reset.HandleDecryptFailure(ctx, alice.addr, "env-x", cause)
	assert.Equal(t, OutcomeResetSent, outcome)
	assert.Len(t, pipe.sent, 1)

	// Redelivery of the same envelope defers instead of resetting again.
	outcome = reset.HandleDecryptFailure(ctx, alice.addr, "env-x", cause)
	assert.Equal(t, OutcomeDefer, outcome)
	assert.Len(t, pipe.sent, 1)
}

func TestPerDeviceIndependence(t *testing.T) {
	ctx := context.Background()
	_, peers := newHarness(t, "alice", "bob")
	alice, bob := peers["alice"], peers["bob"]

	dev1 := signalstore.Address{UserID: "bob", DeviceID: 1}
	dev2 := signalstore.Address{UserID: "bob", DeviceID: 2}

	// Sessions with both of Bob's devices. The fake service serves the
	// same bundle material for either device id, which is fine here: the
	// sessions are still independent records.
	_, err := alice.mgr.Encrypt(ctx, dev1, []byte("to dev1"))
	require.NoError(t, err)
	_, err = alice.mgr.Encrypt(ctx, dev2, []byte("to dev2"))
	require.NoError(t, err)

	reset := NewResetManager(alice.mgr, func(context.Context, signalstore.Address, *wire.EncryptedMessage) error { return nil })
	require.NoError(t, reset.InitiateReset(ctx, dev1, "test"))

	// Device 2's session is untouched.
	has, err := alice.mgr.HasSession(ctx, dev2)
	require.NoError(t, err)
	assert.True(t, has)
	_ = bob
}

func TestReplenishPreKeys(t *testing.T) {
	ctx := context.Background()
	svc, peers := newHarness(t, "alice")
	alice := peers["alice"]

	// Harness seeds 5 prekeys, below the low-water mark of 20.
	require.NoError(t, alice.mgr.ReplenishPreKeys(ctx))

	require.Len(t, svc.uploads, 1)
	assert.Len(t, svc.uploads[0], PreKeyBatchSize)
	// Ids continue above the previous highest.
	assert.Equal(t, uint32(6), svc.uploads[0][0].KeyID)
	assert.Equal(t, 5+PreKeyBatchSize, alice.store.GetPreKeyCount())

	// Above the mark now: a second call is a no-op.
	require.NoError(t, alice.mgr.ReplenishPreKeys(ctx))
	assert.Len(t, svc.uploads, 1)
}

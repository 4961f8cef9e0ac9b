package friends

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "friends.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := Open(context.Background(), db, "user-1")
	require.NoError(t, err)
	return s
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	f := &Friend{
		Username:        "bob",
		CanonicalUserID: "uid-bob",
		Status:          StatusPendingSent,
		Devices: []Device{
			{ServerUserID: "uid-bob", DeviceID: 1, DeviceUUID: "b1", IdentityKey: []byte{5, 1}},
		},
	}
	require.NoError(t, s.Upsert(ctx, f))

	got, err := s.Get(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusPendingSent, got.Status)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, []byte{5, 1}, got.Devices[0].IdentityKey)

	missing, err := s.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Upsert(ctx, &Friend{Username: "bob", CanonicalUserID: "u", Status: StatusPendingReceived}))
	require.NoError(t, s.SetStatus(ctx, "bob", StatusAccepted))

	accepted, err := s.ListAccepted(ctx)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, "bob", accepted[0].Username)

	assert.Error(t, s.SetStatus(ctx, "ghost", StatusAccepted))
}

func TestMergeDevicesReturnsNewOnly(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Upsert(ctx, &Friend{
		Username: "bob", CanonicalUserID: "u", Status: StatusAccepted,
		Devices: []Device{{ServerUserID: "uid-b1", DeviceID: 1}},
	}))

	added, err := s.MergeDevices(ctx, "bob", []Device{
		{ServerUserID: "uid-b1", DeviceID: 1},                     // already known
		{ServerUserID: "uid-b2", DeviceID: 1, DeviceUUID: "new"},  // new
		{ServerUserID: "uid-b2", DeviceID: 1, DeviceUUID: "new"},  // duplicate in batch
	})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "uid-b2", added[0].ServerUserID)

	f, err := s.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, f.Devices, 2)
}

func TestOwnerOfDevice(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Upsert(ctx, &Friend{
		Username: "bob", CanonicalUserID: "u", Status: StatusAccepted,
		Devices: []Device{{ServerUserID: "uid-b2", DeviceID: 1}},
	}))

	owner, ok, err := s.OwnerOfDevice(ctx, "uid-b2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bob", owner)

	_, ok, err = s.OwnerOfDevice(ctx, "uid-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteAndClearAll(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Upsert(ctx, &Friend{Username: "a", CanonicalUserID: "ua", Status: StatusAccepted}))
	require.NoError(t, s.Upsert(ctx, &Friend{Username: "b", CanonicalUserID: "ub", Status: StatusAccepted}))

	require.NoError(t, s.Delete(ctx, "a"))
	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.ClearAll(ctx))
	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

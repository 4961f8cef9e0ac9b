package msgstore

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
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "msg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := Open(context.Background(), db, "user-1")
	require.NoError(t, err)
	return s
}

func TestInsertIdempotentOnMessageID(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	m := &Message{MessageID: "m1", ConversationID: "alice", Timestamp: 100, Content: "hi"}

	inserted, err := s.Insert(ctx, m)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Second insert with a different body is still a no-op.
	dup := *m
	dup.Content = "changed"
	inserted, err = s.Insert(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	msgs, err := s.ListConversation(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestListConversationOrdered(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for _, m := range []Message{
		{MessageID: "m2", ConversationID: "bob", Timestamp: 200, Content: "second"},
		{MessageID: "m1", ConversationID: "bob", Timestamp: 100, Content: "first"},
		{MessageID: "m3", ConversationID: "carol", Timestamp: 150, Content: "other"},
	} {
		_, err := s.Insert(ctx, &m)
		require.NoError(t, err)
	}

	msgs, err := s.ListConversation(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for i, conv := range []string{"raw-uid", "raw-uid", "alice"} {
		_, err := s.Insert(ctx, &Message{
			MessageID:      string(rune('a' + i)),
			ConversationID: conv,
			Timestamp:      int64(i),
			Content:        "x",
		})
		require.NoError(t, err)
	}

	n, err := s.Migrate(ctx, "raw-uid", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := s.ListConversation(ctx, "raw-uid")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	moved, err := s.ListConversation(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, moved, 3)

	// Identity migration is a no-op.
	n, err = s.Migrate(ctx, "alice", "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkEnvelopeProcessed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	seen, err := s.MarkEnvelopeProcessed(ctx, "env-1", 1000)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.MarkEnvelopeProcessed(ctx, "env-1", 2000)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestForwardMigrationFromLegacySchema(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// The older layout lacked media_url and content_reference.
	_, err = db.ExecContext(ctx, `
		CREATE TABLE messages (
			namespace TEXT NOT NULL,
			message_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			content TEXT NOT NULL,
			is_sent INTEGER NOT NULL DEFAULT 0,
			author_device_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (namespace, message_id)
		)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (namespace, message_id, conversation_id, timestamp, content)
		VALUES ('user-1', 'old-1', 'alice', 50, 'legacy row')`)
	require.NoError(t, err)

	s, err := Open(ctx, db, "user-1")
	require.NoError(t, err)

	m, err := s.Get(ctx, "old-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "legacy row", m.Content)
	assert.Empty(t, m.MediaURL)

	// The migrated table accepts the superset fields.
	_, err = s.Insert(ctx, &Message{
		MessageID: "new-1", ConversationID: "alice", Timestamp: 60,
		Content: "new row", MediaURL: "att-9",
	})
	require.NoError(t, err)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Insert(ctx, &Message{MessageID: "m1", ConversationID: "a", Timestamp: 1, Content: "x"})
	require.NoError(t, err)
	_, err = s.MarkEnvelopeProcessed(ctx, "e1", 1)
	require.NoError(t, err)

	require.NoError(t, s.ClearAll(ctx))

	msgs, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	seen, err := s.MarkEnvelopeProcessed(ctx, "e1", 2)
	require.NoError(t, err)
	assert.False(t, seen)
}

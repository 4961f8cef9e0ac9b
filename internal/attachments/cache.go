package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cache stores decrypted attachment plaintext locally, keyed on attachment
// id. Only the party holding the plaintext writes it.
type Cache struct {
	db        *sql.DB
	namespace string
}

// OpenCache creates the schema and returns the cache.
func OpenCache(ctx context.Context, db *sql.DB, namespace string) (*Cache, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS attachments (
			namespace TEXT NOT NULL,
			attachment_id TEXT NOT NULL,
			blob BLOB NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL,
			cached_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, attachment_id)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment cache schema: %w", err)
	}
	return &Cache{db: db, namespace: namespace}, nil
}

// Put caches an attachment's plaintext.
func (c *Cache) Put(ctx context.Context, attachmentID string, blob []byte, contentType string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO attachments (namespace, attachment_id, blob, content_type, size_bytes, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, attachment_id) DO UPDATE SET
			blob = excluded.blob,
			content_type = excluded.content_type,
			size_bytes = excluded.size_bytes,
			cached_at = excluded.cached_at`,
		c.namespace, attachmentID, blob, contentType, len(blob), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to cache attachment %s: %w", attachmentID, err)
	}
	return nil
}

// Get returns a cached attachment, or nil when absent.
func (c *Cache) Get(ctx context.Context, attachmentID string) ([]byte, string, error) {
	var blob []byte
	var contentType string
	err := c.db.QueryRowContext(ctx, `
		SELECT blob, content_type FROM attachments
		WHERE namespace = ? AND attachment_id = ?`,
		c.namespace, attachmentID).Scan(&blob, &contentType)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, "", nil
	case err != nil:
		return nil, "", fmt.Errorf("failed to read attachment cache %s: %w", attachmentID, err)
	}
	return blob, contentType, nil
}

// Delete removes one cached attachment. Called by TTL cascade.
func (c *Cache) Delete(ctx context.Context, attachmentID string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE namespace = ? AND attachment_id = ?`,
		c.namespace, attachmentID)
	return err
}

// ClearAll purges the namespace. Only the unlink path calls this.
func (c *Cache) ClearAll(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE namespace = ?`, c.namespace)
	return err
}

// Package friends persists the friend list and each friend's known device
// set. Usernames are the conversation key.
package friends

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoSuchFriend is returned when an operation targets an unknown
// username.
var ErrNoSuchFriend = errors.New("no such friend")

// Friend status values.
const (
	StatusPendingSent     = "pending_sent"
	StatusPendingReceived = "pending_received"
	StatusAccepted        = "accepted"
)

// Device is one of a friend's (or the account's own) devices.
type Device struct {
	ServerUserID string `json:"serverUserId"`
	DeviceID     uint32 `json:"deviceId"`
	DeviceUUID   string `json:"deviceUuid"`
	IdentityKey  []byte `json:"identityKey"`
}

// Friend is one friend relationship.
type Friend struct {
	Username        string   `json:"username"`
	CanonicalUserID string   `json:"canonicalUserId"`
	Status          string   `json:"status"`
	Devices         []Device `json:"devices"`
}

// Store is the sqlite-backed friend store for one user namespace.
type Store struct {
	db        *sql.DB
	namespace string
}

// Open creates the schema and returns the store.
func Open(ctx context.Context, db *sql.DB, namespace string) (*Store, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS friends (
			namespace TEXT NOT NULL,
			username TEXT NOT NULL,
			canonical_user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (namespace, username)
		);
		CREATE TABLE IF NOT EXISTS friend_devices (
			namespace TEXT NOT NULL,
			username TEXT NOT NULL,
			server_user_id TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			device_uuid TEXT NOT NULL DEFAULT '',
			identity_key BLOB,
			PRIMARY KEY (namespace, username, server_user_id, device_id)
		);
		CREATE INDEX IF NOT EXISTS idx_friend_devices_user
			ON friend_devices (namespace, server_user_id);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create friends schema: %w", err)
	}
	return &Store{db: db, namespace: namespace}, nil
}

// Upsert stores a friend and its device set.
func (s *Store) Upsert(ctx context.Context, f *Friend) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO friends (namespace, username, canonical_user_id, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, username) DO UPDATE SET
			canonical_user_id = excluded.canonical_user_id,
			status = excluded.status`,
		s.namespace, f.Username, f.CanonicalUserID, f.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert friend %s: %w", f.Username, err)
	}

	for _, d := range f.Devices {
		if err := insertDevice(ctx, tx, s.namespace, f.Username, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertDevice(ctx context.Context, tx *sql.Tx, namespace, username string, d Device) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO friend_devices (namespace, username, server_user_id, device_id, device_uuid, identity_key)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, username, server_user_id, device_id) DO UPDATE SET
			device_uuid = excluded.device_uuid,
			identity_key = excluded.identity_key`,
		namespace, username, d.ServerUserID, d.DeviceID, d.DeviceUUID, d.IdentityKey)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s.%d: %w", d.ServerUserID, d.DeviceID, err)
	}
	return nil
}

// Get returns a friend by username, or nil when unknown.
func (s *Store) Get(ctx context.Context, username string) (*Friend, error) {
	var f Friend
	err := s.db.QueryRowContext(ctx, `
		SELECT username, canonical_user_id, status FROM friends
		WHERE namespace = ? AND username = ?`,
		s.namespace, username).Scan(&f.Username, &f.CanonicalUserID, &f.Status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load friend %s: %w", username, err)
	}

	devices, err := s.devicesFor(ctx, username)
	if err != nil {
		return nil, err
	}
	f.Devices = devices
	return &f, nil
}

func (s *Store) devicesFor(ctx context.Context, username string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_user_id, device_id, device_uuid, identity_key
		FROM friend_devices WHERE namespace = ? AND username = ?
		ORDER BY server_user_id, device_id`,
		s.namespace, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ServerUserID, &d.DeviceID, &d.DeviceUUID, &d.IdentityKey); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// List returns every friend with devices populated.
func (s *Store) List(ctx context.Context) ([]Friend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, canonical_user_id, status FROM friends
		WHERE namespace = ? ORDER BY username`, s.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.Username, &f.CanonicalUserID, &f.Status); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		devices, err := s.devicesFor(ctx, out[i].Username)
		if err != nil {
			return nil, err
		}
		out[i].Devices = devices
	}
	return out, nil
}

// ListAccepted returns accepted friends only.
func (s *Store) ListAccepted(ctx context.Context) ([]Friend, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, f := range all {
		if f.Status == StatusAccepted {
			out = append(out, f)
		}
	}
	return out, nil
}

// SetStatus updates a friend's status.
func (s *Store) SetStatus(ctx context.Context, username, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE friends SET status = ? WHERE namespace = ? AND username = ?`,
		status, s.namespace, username)
	if err != nil {
		return fmt.Errorf("failed to set status for %s: %w", username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unknown friend %s", username)
	}
	return nil
}

// MergeDevices merges advertised devices into a friend's device set and
// returns the newly learned ones.
func (s *Store) MergeDevices(ctx context.Context, username string, devices []Device) ([]Device, error) {
	existing, err := s.devicesFor(ctx, username)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		known[fmt.Sprintf("%s.%d", d.ServerUserID, d.DeviceID)] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var added []Device
	for _, d := range devices {
		key := fmt.Sprintf("%s.%d", d.ServerUserID, d.DeviceID)
		if err := insertDevice(ctx, tx, s.namespace, username, d); err != nil {
			return nil, err
		}
		if _, ok := known[key]; !ok {
			added = append(added, d)
			known[key] = struct{}{}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return added, nil
}

// OwnerOfDevice returns the username whose device set contains the given
// server user id.
func (s *Store) OwnerOfDevice(ctx context.Context, serverUserID string) (string, bool, error) {
	var username string
	err := s.db.QueryRowContext(ctx, `
		SELECT username FROM friend_devices
		WHERE namespace = ? AND server_user_id = ? LIMIT 1`,
		s.namespace, serverUserID).Scan(&username)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return username, true, nil
}

// Delete removes a friend and its devices.
func (s *Store) Delete(ctx context.Context, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM friends WHERE namespace = ? AND username = ?`,
		s.namespace, username); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM friend_devices WHERE namespace = ? AND username = ?`,
		s.namespace, username); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearAll purges the namespace. Only the unlink path calls this.
func (s *Store) ClearAll(ctx context.Context) error {
	for _, table := range []string{"friends", "friend_devices"} {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE namespace = ?`, table), s.namespace); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// Package signalstore persists the client's Signal Protocol state: identity
// key pair, registration id, prekeys, session records, and trusted peer
// identities. Records live in a per-user namespace inside the local sqlite
// database. The identity and prekey subset is stored as a single ciphertext
// blob under a password-derived key; session records are encrypted under the
// same key.
package signalstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rhelsing/obscura/internal/cryptoutil"
	"github.com/rhelsing/obscura/internal/keys"
)

// Address identifies a peer device: the server-side user id plus a device
// sub-id (1 for primary installs).
type Address struct {
	UserID   string
	DeviceID uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.UserID, a.DeviceID)
}

// Direction distinguishes trust checks on sending versus receiving paths.
type Direction int

const (
	DirectionSending Direction = iota
	DirectionReceiving
)

// ErrNoIdentity is returned when key material is requested before an
// identity has been created or loaded.
var ErrNoIdentity = errors.New("signalstore: no local identity")

const identityBlobKey = "identity"

// identityBundle is the plaintext form of the encrypted identity blob.
type identityBundle struct {
	IdentityPrivate []byte                    `json:"identityPrivate"`
	IdentityPublic  []byte                    `json:"identityPublic"`
	RegistrationID  uint32                    `json:"registrationId"`
	SignedPreKeys   map[uint32]*signedPreKey  `json:"signedPreKeys"`
	PreKeys         map[uint32]*oneTimePreKey `json:"preKeys"`
}

type signedPreKey struct {
	Private   []byte `json:"private"`
	Public    []byte `json:"public"`
	Signature []byte `json:"signature"`
}

type oneTimePreKey struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// wrappedBlob is the at-rest encoding of the identity blob.
type wrappedBlob struct {
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Store is the persistent Signal state for one user namespace. It is
// single-writer per address; callers serialize per-address operations.
type Store struct {
	db        *sql.DB
	namespace string
	masterKey []byte
	salt      []byte
	bundle    *identityBundle
}

// Schema creates the signalstore tables.
func Schema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS signal_blobs (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (namespace, key)
		);
		CREATE TABLE IF NOT EXISTS signal_sessions (
			namespace TEXT NOT NULL,
			address TEXT NOT NULL,
			record BLOB NOT NULL,
			PRIMARY KEY (namespace, address)
		);
		CREATE TABLE IF NOT EXISTS signal_identities (
			namespace TEXT NOT NULL,
			address TEXT NOT NULL,
			identity_key BLOB NOT NULL,
			PRIMARY KEY (namespace, address)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create signalstore schema: %w", err)
	}
	return nil
}

// Open loads the store for a user namespace, decrypting the identity blob
// with the password when one exists.
func Open(ctx context.Context, db *sql.DB, namespace, password string) (*Store, error) {
	s := &Store{db: db, namespace: namespace}

	var raw []byte
	err := db.QueryRowContext(ctx,
		`SELECT value FROM signal_blobs WHERE namespace = ? AND key = ?`,
		namespace, identityBlobKey).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		salt, err := cryptoutil.RandomBytes(cryptoutil.SaltSize)
		if err != nil {
			return nil, err
		}
		s.salt = salt
		s.masterKey = cryptoutil.DeriveKey(password, salt)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load identity blob: %w", err)
	}

	var wrapped wrappedBlob
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("corrupt identity blob: %w", err)
	}

	key := cryptoutil.DeriveKey(password, wrapped.Salt)
	plaintext, err := cryptoutil.DecryptGCM(key, wrapped.IV, wrapped.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt identity blob: %w", err)
	}

	var bundle identityBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("corrupt identity bundle: %w", err)
	}

	s.salt = wrapped.Salt
	s.masterKey = key
	s.bundle = &bundle
	return s, nil
}

// HasIdentity reports whether a local identity exists.
func (s *Store) HasIdentity() bool {
	return s.bundle != nil
}

// SetIdentity installs a freshly generated identity. Called once at
// registration or link time.
func (s *Store) SetIdentity(ctx context.Context, id *keys.Identity) error {
	s.bundle = &identityBundle{
		IdentityPrivate: append([]byte(nil), id.KeyPair.PrivateKey[:]...),
		IdentityPublic:  append([]byte(nil), id.KeyPair.PublicKey[:]...),
		RegistrationID:  id.RegistrationID,
		SignedPreKeys:   make(map[uint32]*signedPreKey),
		PreKeys:         make(map[uint32]*oneTimePreKey),
	}
	return s.persistBundle(ctx)
}

// GetIdentityKeyPair returns the local identity key pair.
func (s *Store) GetIdentityKeyPair() (*keys.KeyPair, error) {
	if s.bundle == nil {
		return nil, ErrNoIdentity
	}
	var kp keys.KeyPair
	copy(kp.PrivateKey[:], s.bundle.IdentityPrivate)
	copy(kp.PublicKey[:], s.bundle.IdentityPublic)
	return &kp, nil
}

// GetLocalRegistrationID returns the registration id chosen at install time.
func (s *Store) GetLocalRegistrationID() (uint32, error) {
	if s.bundle == nil {
		return 0, ErrNoIdentity
	}
	return s.bundle.RegistrationID, nil
}

// IsTrustedIdentity implements trust on first use: an identity is trusted if
// no entry exists for the address, or if the key matches the stored one
// byte for byte.
func (s *Store) IsTrustedIdentity(ctx context.Context, addr Address, identityKey []byte, _ Direction) (bool, error) {
	stored, ok, err := s.loadIdentity(ctx, addr)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return cryptoutil.ConstantTimeEqual(stored, identityKey), nil
}

// SaveIdentity stores a peer identity key. It returns true when the key
// replaced a different previously stored one, signalling a re-key.
func (s *Store) SaveIdentity(ctx context.Context, addr Address, identityKey []byte) (bool, error) {
	stored, ok, err := s.loadIdentity(ctx, addr)
	if err != nil {
		return false, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signal_identities (namespace, address, identity_key) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, address) DO UPDATE SET identity_key = excluded.identity_key`,
		s.namespace, addr.String(), identityKey)
	if err != nil {
		return false, fmt.Errorf("failed to save identity for %s: %w", addr, err)
	}

	return ok && !cryptoutil.ConstantTimeEqual(stored, identityKey), nil
}

func (s *Store) loadIdentity(ctx context.Context, addr Address) ([]byte, bool, error) {
	var stored []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT identity_key FROM signal_identities WHERE namespace = ? AND address = ?`,
		s.namespace, addr.String()).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to load identity for %s: %w", addr, err)
	}
	return stored, true, nil
}

// StorePreKey stores a one-time prekey.
func (s *Store) StorePreKey(ctx context.Context, pk *keys.OneTimePreKey) error {
	if s.bundle == nil {
		return ErrNoIdentity
	}
	s.bundle.PreKeys[pk.KeyID] = &oneTimePreKey{
		Private: append([]byte(nil), pk.PrivateKey[:]...),
		Public:  append([]byte(nil), pk.PublicKey[:]...),
	}
	return s.persistBundle(ctx)
}

// LoadPreKey returns the prekey with the given id, or nil when absent.
func (s *Store) LoadPreKey(id uint32) (*keys.OneTimePreKey, error) {
	if s.bundle == nil {
		return nil, ErrNoIdentity
	}
	rec, ok := s.bundle.PreKeys[id]
	if !ok {
		return nil, nil
	}
	pk := &keys.OneTimePreKey{KeyID: id}
	copy(pk.PrivateKey[:], rec.Private)
	copy(pk.PublicKey[:], rec.Public)
	return pk, nil
}

// RemovePreKey deletes a consumed prekey.
func (s *Store) RemovePreKey(ctx context.Context, id uint32) error {
	if s.bundle == nil {
		return ErrNoIdentity
	}
	delete(s.bundle.PreKeys, id)
	return s.persistBundle(ctx)
}

// GetPreKeyCount returns the number of unused one-time prekeys.
func (s *Store) GetPreKeyCount() int {
	if s.bundle == nil {
		return 0
	}
	return len(s.bundle.PreKeys)
}

// GetHighestPreKeyID returns the highest stored prekey id, or 0 when none
// exist. It is computed over the prekeys still stored, so it drops when the
// highest-id prekey is removed; no high-water mark of past ids is kept.
func (s *Store) GetHighestPreKeyID() uint32 {
	var highest uint32
	if s.bundle == nil {
		return 0
	}
	for id := range s.bundle.PreKeys {
		if id > highest {
			highest = id
		}
	}
	return highest
}

// DeletePreKeysExcept removes every one-time prekey whose id is not listed.
func (s *Store) DeletePreKeysExcept(ctx context.Context, keep []uint32) error {
	if s.bundle == nil {
		return ErrNoIdentity
	}
	keepSet := make(map[uint32]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	for id := range s.bundle.PreKeys {
		if _, ok := keepSet[id]; !ok {
			delete(s.bundle.PreKeys, id)
		}
	}
	return s.persistBundle(ctx)
}

// StoreSignedPreKey stores a signed prekey.
func (s *Store) StoreSignedPreKey(ctx context.Context, spk *keys.SignedPreKey) error {
	if s.bundle == nil {
		return ErrNoIdentity
	}
	s.bundle.SignedPreKeys[spk.KeyID] = &signedPreKey{
		Private:   append([]byte(nil), spk.PrivateKey[:]...),
		Public:    append([]byte(nil), spk.PublicKey[:]...),
		Signature: append([]byte(nil), spk.Signature...),
	}
	return s.persistBundle(ctx)
}

// LoadSignedPreKey returns the signed prekey with the given id, or nil when
// absent.
func (s *Store) LoadSignedPreKey(id uint32) (*keys.SignedPreKey, error) {
	if s.bundle == nil {
		return nil, ErrNoIdentity
	}
	rec, ok := s.bundle.SignedPreKeys[id]
	if !ok {
		return nil, nil
	}
	spk := &keys.SignedPreKey{KeyID: id, Signature: append([]byte(nil), rec.Signature...)}
	copy(spk.PrivateKey[:], rec.Private)
	copy(spk.PublicKey[:], rec.Public)
	return spk, nil
}

// GetHighestSignedPreKeyID returns the highest stored signed prekey id.
func (s *Store) GetHighestSignedPreKeyID() uint32 {
	var highest uint32
	if s.bundle == nil {
		return 0
	}
	for id := range s.bundle.SignedPreKeys {
		if id > highest {
			highest = id
		}
	}
	return highest
}

// StoreSession persists an opaque session record for an address.
func (s *Store) StoreSession(ctx context.Context, addr Address, record []byte) error {
	sealed, err := cryptoutil.EncryptAESGCM(record, s.masterKey)
	if err != nil {
		return fmt.Errorf("failed to seal session record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signal_sessions (namespace, address, record) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, address) DO UPDATE SET record = excluded.record`,
		s.namespace, addr.String(), sealed)
	if err != nil {
		return fmt.Errorf("failed to store session for %s: %w", addr, err)
	}
	return nil
}

// LoadSession returns the session record for an address, or nil when no
// session exists.
func (s *Store) LoadSession(ctx context.Context, addr Address) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM signal_sessions WHERE namespace = ? AND address = ?`,
		s.namespace, addr.String()).Scan(&sealed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load session for %s: %w", addr, err)
	}
	record, err := cryptoutil.DecryptAESGCM(sealed, s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal session for %s: %w", addr, err)
	}
	return record, nil
}

// ContainsSession reports whether a session record exists for the address.
func (s *Store) ContainsSession(ctx context.Context, addr Address) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM signal_sessions WHERE namespace = ? AND address = ?`,
		s.namespace, addr.String()).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// RemoveSession deletes the session record and the paired trusted-identity
// record. The two exist together or not at all.
func (s *Store) RemoveSession(ctx context.Context, addr Address) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM signal_sessions WHERE namespace = ? AND address = ?`,
		s.namespace, addr.String()); err != nil {
		return fmt.Errorf("failed to remove session for %s: %w", addr, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM signal_identities WHERE namespace = ? AND address = ?`,
		s.namespace, addr.String()); err != nil {
		return fmt.Errorf("failed to remove identity for %s: %w", addr, err)
	}
	return tx.Commit()
}

// SessionAddresses enumerates every address with a stored session.
func (s *Store) SessionAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address FROM signal_sessions WHERE namespace = ?`, s.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// GetIdentity returns the trusted identity key stored for an address.
func (s *Store) GetIdentity(ctx context.Context, addr Address) ([]byte, bool, error) {
	return s.loadIdentity(ctx, addr)
}

// PutMeta stores a small non-secret value (device uuid, own user id) in the
// namespace.
func (s *Store) PutMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signal_blobs (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		s.namespace, "meta:"+key, []byte(value))
	return err
}

// GetMeta returns a value stored with PutMeta, or "" when absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM signal_blobs WHERE namespace = ? AND key = ?`,
		s.namespace, "meta:"+key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", err
	}
	return string(value), nil
}

// ClearAll purges every record in the namespace, including the
// password-derived identity wrapper. Only the unlink path calls this.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"signal_blobs", "signal_sessions", "signal_identities"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE namespace = ?`, table), s.namespace); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.bundle = nil
	return nil
}

func (s *Store) persistBundle(ctx context.Context) error {
	plaintext, err := json.Marshal(s.bundle)
	if err != nil {
		return fmt.Errorf("failed to marshal identity bundle: %w", err)
	}

	iv, err := cryptoutil.RandomBytes(cryptoutil.NonceSize)
	if err != nil {
		return err
	}
	ciphertext, err := cryptoutil.EncryptGCM(s.masterKey, iv, plaintext, nil)
	if err != nil {
		return fmt.Errorf("failed to encrypt identity bundle: %w", err)
	}

	raw, err := json.Marshal(wrappedBlob{Salt: s.salt, IV: iv, Ciphertext: ciphertext})
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signal_blobs (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		s.namespace, identityBlobKey, raw)
	if err != nil {
		return fmt.Errorf("failed to persist identity blob: %w", err)
	}
	return nil
}

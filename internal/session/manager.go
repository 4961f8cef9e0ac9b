// Package session manages Double Ratchet sessions per peer device: encrypt
// and decrypt with on-demand session establishment, prekey replenishment,
// and the reset protocol that recovers from lost or corrupted sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/rhelsing/obscura/internal/apiclient"
	"github.com/rhelsing/obscura/internal/keys"
	"github.com/rhelsing/obscura/internal/metrics"
	"github.com/rhelsing/obscura/internal/ratchet"
	"github.com/rhelsing/obscura/internal/signalstore"
	"github.com/rhelsing/obscura/internal/wire"
)

const (
	// PreKeyLowWaterMark triggers replenishment when the unused one-time
	// prekey count falls below it.
	PreKeyLowWaterMark = 20

	// PreKeyBatchSize is the number of prekeys generated per
	// replenishment.
	PreKeyBatchSize = 100
)

// KeyService is the subset of the API used for key distribution.
type KeyService interface {
	GetPreKeyBundle(ctx context.Context, userID string, deviceID uint32) (*apiclient.PreKeyBundleResponse, error)
	UploadPreKeys(ctx context.Context, preKeys []apiclient.PreKeyUpload) error
}

// Manager encrypts and decrypts per peer device address. Operations on the
// same address are serialized; distinct addresses may proceed concurrently.
type Manager struct {
	store  *signalstore.Store
	api    KeyService
	logger *log.Logger

	mu        sync.Mutex
	addrLocks map[string]*sync.Mutex
}

// NewManager creates a session manager on top of the signal store.
func NewManager(store *signalstore.Store, api KeyService) *Manager {
	return &Manager{
		store:     store,
		api:       api,
		logger:    log.New(os.Stdout, "[SESSION] ", log.Ldate|log.Ltime|log.LUTC),
		addrLocks: make(map[string]*sync.Mutex),
	}
}

// lockAddr acquires the single-slot lock for an address. No operation on an
// address may interleave with another on the same address; the ratchet is
// per-chain stateful.
func (m *Manager) lockAddr(addr signalstore.Address) func() {
	m.mu.Lock()
	l, ok := m.addrLocks[addr.String()]
	if !ok {
		l = &sync.Mutex{}
		m.addrLocks[addr.String()] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Encrypt produces the wire message for one plaintext to one device,
// fetching the peer's prekey bundle and building a session when none
// exists. The first message of a fresh session is of type PREKEY.
func (m *Manager) Encrypt(ctx context.Context, addr signalstore.Address, plaintext []byte) (*wire.EncryptedMessage, error) {
	defer m.lockAddr(addr)()

	cipher := ratchet.NewCipher(m.store, addr)
	has, err := cipher.HasSession(ctx)
	if err != nil {
		return nil, err
	}
	rebuild := !has
	if has {
		// A peer-requested reset takes effect on the next outbound
		// message: abandon the session and bootstrap a fresh one.
		needsReset, err := cipher.NeedsReset(ctx)
		if err != nil {
			return nil, err
		}
		if needsReset {
			if err := m.store.RemoveSession(ctx, addr); err != nil {
				return nil, err
			}
			rebuild = true
		}
	}
	if rebuild {
		if err := m.establishSession(ctx, cipher, addr); err != nil {
			return nil, err
		}
	}
	return cipher.Encrypt(ctx, plaintext)
}

// MarkResetPending records a peer's session-reset request for an address.
func (m *Manager) MarkResetPending(ctx context.Context, addr signalstore.Address) error {
	defer m.lockAddr(addr)()
	return ratchet.NewCipher(m.store, addr).MarkResetPending(ctx)
}

func (m *Manager) establishSession(ctx context.Context, cipher *ratchet.Cipher, addr signalstore.Address) error {
	resp, err := m.api.GetPreKeyBundle(ctx, addr.UserID, addr.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to fetch prekey bundle for %s: %w", addr, err)
	}

	bundle := resp.Bundle()
	if bundle.OneTimePreKey == nil {
		// Prekey supply exhausted on the peer; X3DH proceeds with the
		// signed prekey only.
		m.logger.Printf("Warning: bundle for %s has no one-time prekey", addr)
	}

	if err := cipher.BuildSessionFromBundle(ctx, bundle); err != nil {
		return err
	}
	m.logger.Printf("Session established with %s", addr)
	return nil
}

// Decrypt recovers the plaintext of one inbound message. PREKEY messages
// establish a session when none exists; ENCRYPTED messages fail with a
// ratchet.ErrNoSession distinguishable from ratchet.ErrDecrypt so the reset
// manager can choose recovery.
func (m *Manager) Decrypt(ctx context.Context, addr signalstore.Address, msg *wire.EncryptedMessage) ([]byte, error) {
	defer m.lockAddr(addr)()

	cipher := ratchet.NewCipher(m.store, addr)

	var plaintext []byte
	var err error
	switch msg.Type {
	case wire.MessageTypePreKey:
		plaintext, err = cipher.DecryptPreKeyMessage(ctx, msg.Content)
	case wire.MessageTypeEncrypted:
		plaintext, err = cipher.DecryptWhisperMessage(ctx, msg.Content)
	default:
		return nil, fmt.Errorf("unknown message type %d", msg.Type)
	}
	if err != nil {
		switch {
		case errors.Is(err, ratchet.ErrNoSession):
			metrics.DecryptFailures.WithLabelValues("no_session").Inc()
		case errors.Is(err, ratchet.ErrUntrustedIdentity):
			metrics.DecryptFailures.WithLabelValues("identity").Inc()
		default:
			metrics.DecryptFailures.WithLabelValues("decrypt").Inc()
		}
		return nil, err
	}
	return plaintext, nil
}

// HasSession reports whether a session exists for the address.
func (m *Manager) HasSession(ctx context.Context, addr signalstore.Address) (bool, error) {
	defer m.lockAddr(addr)()
	return m.store.ContainsSession(ctx, addr)
}

// RemoveSession drops the session (and its paired trusted identity) for an
// address.
func (m *Manager) RemoveSession(ctx context.Context, addr signalstore.Address) error {
	defer m.lockAddr(addr)()
	return m.store.RemoveSession(ctx, addr)
}

// ReplenishPreKeys tops up the one-time prekey supply when it falls below
// the low-water mark, uploading the public halves. Retries cannot collide:
// new ids always start above the highest stored id.
func (m *Manager) ReplenishPreKeys(ctx context.Context) error {
	count := m.store.GetPreKeyCount()
	metrics.PreKeysRemaining.Set(float64(count))
	if count >= PreKeyLowWaterMark {
		return nil
	}

	start := m.store.GetHighestPreKeyID() + 1
	m.logger.Printf("Replenishing prekeys: %d remaining, generating %d starting at id %d",
		count, PreKeyBatchSize, start)

	batch, err := keys.GenerateOneTimePreKeys(start, PreKeyBatchSize)
	if err != nil {
		return fmt.Errorf("prekey generation failed: %w", err)
	}

	uploads := make([]apiclient.PreKeyUpload, 0, len(batch))
	for _, pk := range batch {
		if err := m.store.StorePreKey(ctx, pk); err != nil {
			return err
		}
		uploads = append(uploads, apiclient.PreKeyUpload{
			KeyID:     pk.KeyID,
			PublicKey: pk.TaggedPublic(),
		})
	}

	if err := m.api.UploadPreKeys(ctx, uploads); err != nil {
		return fmt.Errorf("prekey upload failed: %w", err)
	}

	metrics.PreKeysReplenished.Inc()
	metrics.PreKeysRemaining.Set(float64(m.store.GetPreKeyCount()))
	return nil
}

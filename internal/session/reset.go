package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rhelsing/obscura/internal/friends"
	"github.com/rhelsing/obscura/internal/metrics"
	"github.com/rhelsing/obscura/internal/signalstore"
	"github.com/rhelsing/obscura/internal/wire"
)

// Outcome is the reset manager's verdict on a failed decrypt.
type Outcome int

const (
	// OutcomeDefer means no ack and no further action; the server will
	// redeliver the envelope later.
	OutcomeDefer Outcome = iota

	// OutcomeResetSent means a session reset was issued for the peer
	// device. The triggering envelope is still not acked.
	OutcomeResetSent
)

// ControlSender delivers an encrypted control message to one device.
type ControlSender func(ctx context.Context, addr signalstore.Address, msg *wire.EncryptedMessage) error

// resetState is the per-address protocol state.
type resetState int

const (
	stateIdle resetState = iota
	stateResetSent
)

// ResetManager reconciles lost or corrupted sessions without losing forward
// secrecy and without loops. The tried-envelope set is process-lifetime: a
// second failure for the same envelope defers instead of issuing another
// reset, which breaks ping-pong.
type ResetManager struct {
	sessions *Manager
	send     ControlSender
	logger   *log.Logger

	mu     sync.Mutex
	tried  map[string]struct{}
	states map[string]resetState
}

// NewResetManager creates a reset manager that encrypts through sessions
// and dispatches through send.
func NewResetManager(sessions *Manager, send ControlSender) *ResetManager {
	return &ResetManager{
		sessions: sessions,
		send:     send,
		logger:   log.New(os.Stdout, "[RESET] ", log.Ldate|log.Ltime|log.LUTC),
		tried:    make(map[string]struct{}),
		states:   make(map[string]resetState),
	}
}

// HandleDecryptFailure reacts to a failed decrypt of one envelope. The
// first failure per envelope initiates a reset; any repeat defers. The
// envelope is never acked on this path either way.
func (r *ResetManager) HandleDecryptFailure(ctx context.Context, addr signalstore.Address, envelopeID string, cause error) Outcome {
	r.mu.Lock()
	if _, seen := r.tried[envelopeID]; seen {
		r.mu.Unlock()
		r.logger.Printf("Envelope %s already triggered a reset, deferring", envelopeID)
		return OutcomeDefer
	}
	r.tried[envelopeID] = struct{}{}
	r.states[addr.String()] = stateResetSent
	r.mu.Unlock()

	if err := r.InitiateReset(ctx, addr, cause.Error()); err != nil {
		// The tried marker stays set until process exit, so redelivery
		// of this envelope cannot loop.
		r.logger.Printf("Reset for %s failed: %v", addr, err)
		return OutcomeDefer
	}
	return OutcomeResetSent
}

// InitiateReset drops the session for a peer device, builds a fresh one
// from a new prekey bundle, and sends a SESSION_RESET control message
// through it. The control message is of type PREKEY by construction.
func (r *ResetManager) InitiateReset(ctx context.Context, addr signalstore.Address, reason string) error {
	r.logger.Printf("Initiating session reset with %s: %s", addr, reason)

	if err := r.sessions.RemoveSession(ctx, addr); err != nil {
		return err
	}

	control := &wire.ClientMessage{
		Type:      wire.ClientMessageSessionReset,
		Timestamp: time.Now().UnixMilli(),
	}
	enc, err := r.sessions.Encrypt(ctx, addr, control.Marshal())
	if err != nil {
		return fmt.Errorf("failed to encrypt reset for %s: %w", addr, err)
	}

	if err := r.send(ctx, addr, enc); err != nil {
		return fmt.Errorf("failed to send reset to %s: %w", addr, err)
	}

	metrics.SessionResets.Inc()
	return nil
}

// HandleResetReceived processes an inbound SESSION_RESET: the session for
// the peer device is marked for abandonment and nothing is sent back. The
// next outbound message bootstraps a fresh session from the peer's bundle;
// until then, inbound messages on the replacement session still decrypt.
func (r *ResetManager) HandleResetReceived(ctx context.Context, addr signalstore.Address) error {
	r.mu.Lock()
	r.states[addr.String()] = stateIdle
	r.mu.Unlock()

	r.logger.Printf("Session reset received from %s", addr)
	return r.sessions.MarkResetPending(ctx, addr)
}

// NoteDecryptSuccess returns the address to the idle state after a
// successful exchange.
func (r *ResetManager) NoteDecryptSuccess(addr signalstore.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[addr.String()] == stateResetSent {
		r.states[addr.String()] = stateIdle
	}
}

// ResetAllSessions issues a reset for every accepted friend's device that
// has a session, returning the number issued. Nuclear recovery.
func (r *ResetManager) ResetAllSessions(ctx context.Context, store *friends.Store, reason string) (int, error) {
	accepted, err := store.ListAccepted(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, f := range accepted {
		for _, d := range f.Devices {
			addr := signalstore.Address{UserID: d.ServerUserID, DeviceID: d.DeviceID}
			has, err := r.sessions.HasSession(ctx, addr)
			if err != nil {
				return count, err
			}
			if !has {
				continue
			}
			if err := r.InitiateReset(ctx, addr, reason); err != nil {
				r.logger.Printf("Reset for %s failed: %v", addr, err)
				continue
			}
			count++
		}
	}
	return count, nil
}

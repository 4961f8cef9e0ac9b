// Package ratchet wraps X3DH session establishment and the Double Ratchet
// for one peer device address, on top of the persistent signal store.
package ratchet

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rhelsing/obscura/internal/keys"
	"github.com/rhelsing/obscura/internal/signalstore"
	"github.com/rhelsing/obscura/internal/wire"
)

var (
	// ErrNoSession is returned when an ENCRYPTED message arrives for an
	// address with no session, or an encrypt is attempted without one.
	ErrNoSession = errors.New("no session for address")

	// ErrDecrypt is returned on MAC or key failure. Distinguishable from
	// ErrNoSession so the reset manager can choose recovery.
	ErrDecrypt = errors.New("decryption failed")

	// ErrUntrustedIdentity is returned when a peer presents an identity
	// key that differs from the stored trusted one.
	ErrUntrustedIdentity = errors.New("identity key changed")
)

// Cipher performs Signal operations for a single peer device address.
// Callers serialize operations per address.
type Cipher struct {
	store *signalstore.Store
	addr  signalstore.Address
}

// NewCipher creates a cipher bound to one address.
func NewCipher(store *signalstore.Store, addr signalstore.Address) *Cipher {
	return &Cipher{store: store, addr: addr}
}

// HasSession reports whether a session record exists for the address.
func (c *Cipher) HasSession(ctx context.Context) (bool, error) {
	return c.store.ContainsSession(ctx, c.addr)
}

// BuildSessionFromBundle runs the initiating half of X3DH against a peer's
// prekey bundle and stores the resulting session. The first outgoing message
// will be of type PREKEY until the peer's first reply is decrypted.
func (c *Cipher) BuildSessionFromBundle(ctx context.Context, bundle *keys.PreKeyBundle) error {
	if err := bundle.Verify(); err != nil {
		return fmt.Errorf("bundle verification failed: %w", err)
	}

	trusted, err := c.store.IsTrustedIdentity(ctx, c.addr, bundle.IdentityKey, signalstore.DirectionSending)
	if err != nil {
		return err
	}
	if !trusted {
		return fmt.Errorf("%w for %s", ErrUntrustedIdentity, c.addr)
	}

	identity, err := c.store.GetIdentityKeyPair()
	if err != nil {
		return err
	}

	ephemeral, err := keys.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	sk, err := initiatorSecret(identity, ephemeral, bundle)
	if err != nil {
		return fmt.Errorf("X3DH failed: %w", err)
	}

	theirSignedPreKey, err := keys.UntagPublic(bundle.SignedPreKey)
	if err != nil {
		return err
	}

	// The peer's signed prekey doubles as their initial ratchet key; the
	// first DH ratchet step keys the sending chain.
	ratchetKeys, err := keys.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate ratchet key: %w", err)
	}
	pair := dhPair(ratchetKeys)
	dh, err := dhCompute(pair, theirSignedPreKey[:])
	if err != nil {
		return fmt.Errorf("initial ratchet DH failed: %w", err)
	}
	rk, ck, err := kdfRK(sk, dh)
	if err != nil {
		return err
	}

	rec := &Record{
		TheirIdentity: append([]byte(nil), bundle.IdentityKey...),
		Pending: &pendingPreKey{
			RegistrationID: bundle.RegistrationID,
			PreKeyID:       bundle.OneTimePreKeyID,
			SignedPreKeyID: bundle.SignedPreKeyID,
			BaseKey:        ephemeral.TaggedPublic(),
		},
		State: &sessionState{
			DHs: pair,
			DHr: theirSignedPreKey[:],
			RK:  rk,
			CKs: ck,
		},
	}

	if _, err := c.store.SaveIdentity(ctx, c.addr, bundle.IdentityKey); err != nil {
		return err
	}
	return c.storeRecord(ctx, rec)
}

// Encrypt produces the next outgoing message for the address.
func (c *Cipher) Encrypt(ctx context.Context, plaintext []byte) (*wire.EncryptedMessage, error) {
	rec, err := c.loadRecord(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.addr)
	}

	identity, err := c.store.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}

	ad := associatedData(identity.TaggedPublic(), rec.TheirIdentity)
	payload, err := rec.ratchetSeal(plaintext, ad)
	if err != nil {
		return nil, fmt.Errorf("ratchet seal failed: %w", err)
	}

	sm := &wire.SignalMessage{
		RatchetKey:      payload.RatchetKey,
		Counter:         uint32(payload.Counter),
		PreviousCounter: uint32(payload.PreviousCounter),
		Ciphertext:      payload.Ciphertext,
	}

	out := &wire.EncryptedMessage{Type: wire.MessageTypeEncrypted, Content: sm.Marshal()}
	if rec.Pending != nil {
		registrationID, err := c.store.GetLocalRegistrationID()
		if err != nil {
			return nil, err
		}
		pkm := &wire.PreKeySignalMessage{
			RegistrationID: registrationID,
			PreKeyID:       rec.Pending.PreKeyID,
			SignedPreKeyID: rec.Pending.SignedPreKeyID,
			BaseKey:        rec.Pending.BaseKey,
			IdentityKey:    identity.TaggedPublic(),
			Message:        sm.Marshal(),
		}
		out = &wire.EncryptedMessage{Type: wire.MessageTypePreKey, Content: pkm.Marshal()}
	}

	if err := c.storeRecord(ctx, rec); err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptWhisperMessage decrypts a normal ratchet message. It requires an
// existing session.
func (c *Cipher) DecryptWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	rec, err := c.loadRecord(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.addr)
	}
	return c.openWith(ctx, rec, body)
}

// DecryptPreKeyMessage decrypts the first message of a session,
// establishing receive state when none exists. Re-processing a message from
// the same base key reuses the established session.
func (c *Cipher) DecryptPreKeyMessage(ctx context.Context, body []byte) ([]byte, error) {
	pkm, err := wire.UnmarshalPreKeySignalMessage(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	rec, err := c.loadRecord(ctx)
	if err != nil {
		return nil, err
	}
	if rec != nil && bytes.Equal(rec.TheirBaseKey, pkm.BaseKey) {
		// Continuation (or redelivery) of the session this base key
		// already established.
		return c.openWith(ctx, rec, pkm.Message)
	}

	trusted, err := c.store.IsTrustedIdentity(ctx, c.addr, pkm.IdentityKey, signalstore.DirectionReceiving)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, fmt.Errorf("%w for %s", ErrUntrustedIdentity, c.addr)
	}

	identity, err := c.store.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}

	signedPreKey, err := c.store.LoadSignedPreKey(pkm.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if signedPreKey == nil {
		return nil, fmt.Errorf("%w: unknown signed prekey %d", ErrDecrypt, pkm.SignedPreKeyID)
	}

	var oneTime *keys.OneTimePreKey
	if pkm.PreKeyID != nil {
		oneTime, err = c.store.LoadPreKey(*pkm.PreKeyID)
		if err != nil {
			return nil, err
		}
		if oneTime == nil {
			return nil, fmt.Errorf("%w: one-time prekey %d already consumed", ErrDecrypt, *pkm.PreKeyID)
		}
	}

	theirIdentity, err := keys.UntagPublic(pkm.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	theirBase, err := keys.UntagPublic(pkm.BaseKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	sk, err := responderSecret(identity, signedPreKey, oneTime, theirIdentity, theirBase)
	if err != nil {
		return nil, fmt.Errorf("X3DH failed: %w", err)
	}

	// A prekey message replaces whatever session previously existed for
	// the address. The signed prekey serves as our initial ratchet pair;
	// the receiving chain keys itself on the first DH ratchet step.
	rec = &Record{
		TheirIdentity: append([]byte(nil), pkm.IdentityKey...),
		TheirBaseKey:  append([]byte(nil), pkm.BaseKey...),
		State: &sessionState{
			DHs: dhPair(&signedPreKey.KeyPair),
			RK:  sk,
		},
	}

	plaintext, err := c.open(rec, pkm.Message)
	if err != nil {
		return nil, err
	}

	if _, err := c.store.SaveIdentity(ctx, c.addr, pkm.IdentityKey); err != nil {
		return nil, err
	}
	if pkm.PreKeyID != nil {
		if err := c.store.RemovePreKey(ctx, *pkm.PreKeyID); err != nil {
			return nil, err
		}
	}
	if err := c.storeRecord(ctx, rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// MarkResetPending flags the session so the next outbound encrypt rebuilds
// from a fresh bundle. A missing session is a no-op.
func (c *Cipher) MarkResetPending(ctx context.Context) error {
	rec, err := c.loadRecord(ctx)
	if err != nil || rec == nil {
		return err
	}
	rec.ResetPending = true
	return c.storeRecord(ctx, rec)
}

// NeedsReset reports whether the peer asked for this session to be
// abandoned on the next outbound message.
func (c *Cipher) NeedsReset(ctx context.Context) (bool, error) {
	rec, err := c.loadRecord(ctx)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.ResetPending, nil
}

// openWith decrypts a marshalled SignalMessage against the record and
// persists the advanced state.
func (c *Cipher) openWith(ctx context.Context, rec *Record, body []byte) ([]byte, error) {
	plaintext, err := c.open(rec, body)
	if err != nil {
		return nil, err
	}
	if err := c.storeRecord(ctx, rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// open decrypts without persisting; failures leave the loaded record
// unsaved, so no state is lost.
func (c *Cipher) open(rec *Record, body []byte) ([]byte, error) {
	sm, err := wire.UnmarshalSignalMessage(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	identity, err := c.store.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}

	ad := associatedData(rec.TheirIdentity, identity.TaggedPublic())
	payload := &signalPayload{
		RatchetKey:      sm.RatchetKey,
		Counter:         int(sm.Counter),
		PreviousCounter: int(sm.PreviousCounter),
		Ciphertext:      sm.Ciphertext,
	}

	plaintext, err := rec.ratchetOpen(payload, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	// Any authenticated message from the peer confirms the session; stop
	// sending the X3DH header and drop any pending reset.
	rec.Pending = nil
	rec.ResetPending = false
	return plaintext, nil
}

// associatedData binds both identities to every ciphertext, sender first.
func associatedData(senderIdentity, receiverIdentity []byte) []byte {
	out := make([]byte, 0, len(senderIdentity)+len(receiverIdentity))
	out = append(out, senderIdentity...)
	out = append(out, receiverIdentity...)
	return out
}

func (c *Cipher) loadRecord(ctx context.Context) (*Record, error) {
	raw, err := c.store.LoadSession(ctx, c.addr)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return UnmarshalRecord(raw)
}

func (c *Cipher) storeRecord(ctx context.Context, rec *Record) error {
	raw, err := rec.Marshal()
	if err != nil {
		return err
	}
	return c.store.StoreSession(ctx, c.addr, raw)
}

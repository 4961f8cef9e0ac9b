package ratchet

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/rhelsing/obscura/internal/cryptoutil"
	"github.com/rhelsing/obscura/internal/keys"
)

// The Double Ratchet: a DH ratchet steps the root chain whenever the peer
// shows a new ratchet key; symmetric KDF chains derive one message key per
// message. Skipped message keys are cached so out-of-order delivery within
// a chain still decrypts.

const (
	rootInfo    = "ObscuraRatchet"
	messageInfo = "ObscuraMessageKeys"

	chainKeyConst   = 0x02
	messageKeyConst = 0x01
)

// kdfRK derives the next (root key, chain key) pair from the current root
// key and a DH output.
func kdfRK(rootKey, dh []byte) (newRoot, chainKey []byte, err error) {
	buf := make([]byte, 64)
	r := hkdf.New(sha256.New, dh, rootKey, []byte(rootInfo))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("root KDF failed: %w", err)
	}
	return buf[:32:32], buf[32:64:64], nil
}

// kdfCK advances a symmetric chain one step, yielding the next chain key
// and a message key.
func kdfCK(chainKey []byte) (nextChain, messageKey []byte) {
	h := hmac.New(sha256.New, chainKey)
	h.Write([]byte{chainKeyConst})
	nextChain = h.Sum(nil)

	h = hmac.New(sha256.New, chainKey)
	h.Write([]byte{messageKeyConst})
	messageKey = h.Sum(nil)
	return nextChain, messageKey
}

// deriveAEAD expands a one-use message key into an AES-256-GCM key and
// nonce. Message keys are never reused, so a derived nonce is safe.
func deriveAEAD(messageKey []byte) (key, nonce []byte, err error) {
	buf := make([]byte, cryptoutil.KeySize+cryptoutil.NonceSize)
	r := hkdf.New(sha256.New, messageKey, nil, []byte(messageInfo))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("message KDF failed: %w", err)
	}
	return buf[:cryptoutil.KeySize], buf[cryptoutil.KeySize:], nil
}

func sealMessage(messageKey, plaintext, additionalData []byte) ([]byte, error) {
	key, nonce, err := deriveAEAD(messageKey)
	if err != nil {
		return nil, err
	}
	return cryptoutil.EncryptGCM(key, nonce, plaintext, additionalData)
}

func openMessage(messageKey, ciphertext, additionalData []byte) ([]byte, error) {
	key, nonce, err := deriveAEAD(messageKey)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptGCM(key, nonce, ciphertext, additionalData)
}

// headerAD binds the message header into the AEAD additional data.
func headerAD(ad, ratchetKey []byte, pn, n int) []byte {
	out := make([]byte, 0, len(ad)+16+len(ratchetKey))
	out = append(out, ad...)
	var counters [16]byte
	binary.BigEndian.PutUint64(counters[0:8], uint64(pn))
	binary.BigEndian.PutUint64(counters[8:16], uint64(n))
	out = append(out, counters[:]...)
	out = append(out, ratchetKey...)
	return out
}

// dhPair is a ratchet key pair stored as private||public.
func dhPair(kp *keys.KeyPair) []byte {
	out := make([]byte, 64)
	copy(out[:32], kp.PrivateKey[:])
	copy(out[32:], kp.PublicKey[:])
	return out
}

func dhCompute(pair, pub []byte) ([]byte, error) {
	var priv, theirPub [32]byte
	copy(priv[:], pair[:32])
	copy(theirPub[:], pub)
	secret, err := keys.SharedSecret(priv, theirPub)
	if err != nil {
		return nil, err
	}
	return secret[:], nil
}

// ratchetSeal encrypts the next outgoing message, advancing the sending
// chain.
func (r *Record) ratchetSeal(plaintext, ad []byte) (*signalPayload, error) {
	st := r.State
	if len(st.CKs) == 0 {
		return nil, errors.New("sending chain not initialized")
	}

	nextChain, messageKey := kdfCK(st.CKs)
	ratchetPub := st.DHs[32:]

	ciphertext, err := sealMessage(messageKey, plaintext, headerAD(ad, ratchetPub, st.PN, st.Ns))
	if err != nil {
		return nil, err
	}

	payload := &signalPayload{
		RatchetKey:      append([]byte(nil), ratchetPub...),
		Counter:         st.Ns,
		PreviousCounter: st.PN,
		Ciphertext:      ciphertext,
	}
	st.CKs = nextChain
	st.Ns++
	return payload, nil
}

// signalPayload is the decoded form of a wire.SignalMessage.
type signalPayload struct {
	RatchetKey      []byte
	Counter         int
	PreviousCounter int
	Ciphertext      []byte
}

// ratchetOpen decrypts one inbound message. On success the record state and
// skipped-key cache are advanced; on failure both are left as loaded (the
// caller does not persist).
func (r *Record) ratchetOpen(msg *signalPayload, ad []byte) ([]byte, error) {
	fullAD := headerAD(ad, msg.RatchetKey, msg.PreviousCounter, msg.Counter)

	// A message from an already-closed chain decrypts with its cached
	// skipped key.
	if key, ok := r.Skipped[skipKey(msg.Counter, msg.RatchetKey)]; ok {
		plaintext, err := openMessage(key, msg.Ciphertext, fullAD)
		if err != nil {
			return nil, err
		}
		delete(r.Skipped, skipKey(msg.Counter, msg.RatchetKey))
		return plaintext, nil
	}

	st := r.State.clone()

	if !bytes.Equal(msg.RatchetKey, st.DHr) {
		if err := st.skipTo(r, msg.PreviousCounter); err != nil {
			return nil, err
		}
		if err := st.dhRatchet(msg.RatchetKey); err != nil {
			return nil, err
		}
	}
	if err := st.skipTo(r, msg.Counter); err != nil {
		return nil, err
	}

	nextChain, messageKey := kdfCK(st.CKr)
	plaintext, err := openMessage(messageKey, msg.Ciphertext, fullAD)
	if err != nil {
		return nil, err
	}

	st.CKr = nextChain
	st.Nr++
	r.State = st
	return plaintext, nil
}

// skipTo closes the gap up to (but excluding) message number until,
// caching each skipped message key.
func (st *sessionState) skipTo(rec *Record, until int) error {
	if len(st.CKr) == 0 {
		return nil
	}
	if until-st.Nr > maxSkippedKeys {
		return fmt.Errorf("too many skipped messages: %d", until-st.Nr)
	}
	for st.Nr < until {
		if rec.Skipped == nil {
			rec.Skipped = make(map[string][]byte)
		}
		if len(rec.Skipped) >= maxSkippedKeys {
			return errors.New("skipped message key cache full")
		}
		var messageKey []byte
		st.CKr, messageKey = kdfCK(st.CKr)
		rec.Skipped[skipKey(st.Nr, st.DHr)] = messageKey
		st.Nr++
	}
	return nil
}

// dhRatchet steps the root chain for a new peer ratchet key.
func (st *sessionState) dhRatchet(theirRatchetKey []byte) error {
	st.PN = st.Ns
	st.Ns = 0
	st.Nr = 0
	st.DHr = append([]byte(nil), theirRatchetKey...)

	dh, err := dhCompute(st.DHs, st.DHr)
	if err != nil {
		return fmt.Errorf("receive ratchet DH failed: %w", err)
	}
	if st.RK, st.CKr, err = kdfRK(st.RK, dh); err != nil {
		return err
	}

	pair, err := keys.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate ratchet key: %w", err)
	}
	st.DHs = dhPair(pair)

	if dh, err = dhCompute(st.DHs, st.DHr); err != nil {
		return fmt.Errorf("send ratchet DH failed: %w", err)
	}
	if st.RK, st.CKs, err = kdfRK(st.RK, dh); err != nil {
		return err
	}
	return nil
}

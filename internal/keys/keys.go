// Package keys generates and encodes the client's Signal key material:
// the long-term identity pair, the signed prekey, and one-time prekeys.
package keys

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/rhelsing/obscura/internal/cryptoutil"
)

// CurveTag prefixes every public key on the wire, identifying the curve.
const CurveTag = 0x05

// MaxRegistrationID bounds the randomly chosen registration id.
const MaxRegistrationID = 16380

// InitialPreKeyCount is the number of one-time prekeys generated at
// registration.
const InitialPreKeyCount = 100

// KeyPair is an X25519 key pair.
type KeyPair struct {
	PrivateKey [32]byte
	PublicKey  [32]byte
}

// GenerateKeyPair generates a new X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	// Clamp the private key according to Curve25519 spec.
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return &kp, nil
}

// TaggedPublic returns the curve-tagged 33-byte public key encoding.
func (kp *KeyPair) TaggedPublic() []byte {
	return TagPublic(kp.PublicKey)
}

// TagPublic prefixes a raw public key with the curve tag.
func TagPublic(pub [32]byte) []byte {
	out := make([]byte, 33)
	out[0] = CurveTag
	copy(out[1:], pub[:])
	return out
}

// UntagPublic strips the curve tag from a 33-byte encoded public key. A raw
// 32-byte key is accepted for compatibility with untagged stores.
func UntagPublic(b []byte) ([32]byte, error) {
	var pub [32]byte
	switch len(b) {
	case 33:
		if b[0] != CurveTag {
			return pub, fmt.Errorf("unknown curve tag 0x%02x", b[0])
		}
		copy(pub[:], b[1:])
	case 32:
		copy(pub[:], b)
	default:
		return pub, fmt.Errorf("invalid public key length %d", len(b))
	}
	return pub, nil
}

// SharedSecret performs X25519 key agreement.
func SharedSecret(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("X25519 failed: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}

// Identity is the per-installation identity: a long-term key pair and the
// registration id chosen at install time. Neither changes across
// logout/login while the device remains linked.
type Identity struct {
	KeyPair        KeyPair
	RegistrationID uint32
}

// GenerateIdentity creates a fresh identity with a random registration id in
// [1, MaxRegistrationID].
func GenerateIdentity() (*Identity, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return nil, fmt.Errorf("failed to generate registration id: %w", err)
	}
	regID := binary.BigEndian.Uint32(buf[:])%MaxRegistrationID + 1

	return &Identity{KeyPair: *kp, RegistrationID: regID}, nil
}

// SignedPreKey is a medium-term prekey signed by the identity key.
type SignedPreKey struct {
	KeyPair
	KeyID     uint32
	Signature []byte
}

// GenerateSignedPreKey creates a signed prekey. The XEdDSA signature covers
// the curve-tagged public key encoding.
func GenerateSignedPreKey(identity *KeyPair, keyID uint32) (*SignedPreKey, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	sig, err := cryptoutil.XEdDSASign(identity.PrivateKey[:], kp.TaggedPublic())
	if err != nil {
		return nil, fmt.Errorf("failed to sign prekey: %w", err)
	}

	return &SignedPreKey{KeyPair: *kp, KeyID: keyID, Signature: sig}, nil
}

// OneTimePreKey is a single-use prekey consumed during X3DH.
type OneTimePreKey struct {
	KeyPair
	KeyID uint32
}

// GenerateOneTimePreKeys creates count prekeys with sequential ids starting
// at startID.
func GenerateOneTimePreKeys(startID uint32, count int) ([]*OneTimePreKey, error) {
	out := make([]*OneTimePreKey, 0, count)
	for i := 0; i < count; i++ {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		out = append(out, &OneTimePreKey{KeyPair: *kp, KeyID: startID + uint32(i)})
	}
	return out, nil
}

// PreKeyBundle is a peer device's published key material, fetched before the
// first message of a session.
type PreKeyBundle struct {
	RegistrationID        uint32
	IdentityKey           []byte // curve-tagged
	SignedPreKeyID        uint32
	SignedPreKey          []byte // curve-tagged
	SignedPreKeySignature []byte
	OneTimePreKeyID       *uint32
	OneTimePreKey         []byte // curve-tagged, optional
}

// ErrBadSignature is returned when a bundle's signed prekey signature does
// not verify against the bundle's identity key.
var ErrBadSignature = errors.New("invalid signed prekey signature")

// Verify checks the signed prekey signature against the identity key.
func (b *PreKeyBundle) Verify() error {
	identity, err := UntagPublic(b.IdentityKey)
	if err != nil {
		return fmt.Errorf("bad identity key: %w", err)
	}
	if len(b.SignedPreKeySignature) == 0 {
		return ErrBadSignature
	}
	if !cryptoutil.XEdDSAVerify(identity[:], b.SignedPreKey, b.SignedPreKeySignature) {
		return ErrBadSignature
	}
	return nil
}

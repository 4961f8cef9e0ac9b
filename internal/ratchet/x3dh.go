package ratchet

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/rhelsing/obscura/internal/keys"
)

const x3dhInfo = "ObscuraX3DH"

// hkdfDerive derives outputLength bytes from the concatenated DH outputs
// using HKDF-SHA-256 with a zero salt.
func hkdfDerive(inputKeyMaterial []byte, outputLength int) ([]byte, error) {
	salt := make([]byte, 32)
	r := hkdf.New(sha256.New, inputKeyMaterial, salt, []byte(x3dhInfo))
	key := make([]byte, outputLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// initiatorSecret computes the X3DH shared secret on the initiating side.
//
//	DH1 = DH(IK_A, SPK_B)
//	DH2 = DH(EK_A, IK_B)
//	DH3 = DH(EK_A, SPK_B)
//	DH4 = DH(EK_A, OPK_B)   when the bundle carries a one-time prekey
func initiatorSecret(identity, ephemeral *keys.KeyPair, bundle *keys.PreKeyBundle) ([]byte, error) {
	theirIdentity, err := keys.UntagPublic(bundle.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("bad bundle identity key: %w", err)
	}
	theirSignedPreKey, err := keys.UntagPublic(bundle.SignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("bad bundle signed prekey: %w", err)
	}

	dh1, err := keys.SharedSecret(identity.PrivateKey, theirSignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("DH1 failed: %w", err)
	}
	dh2, err := keys.SharedSecret(ephemeral.PrivateKey, theirIdentity)
	if err != nil {
		return nil, fmt.Errorf("DH2 failed: %w", err)
	}
	dh3, err := keys.SharedSecret(ephemeral.PrivateKey, theirSignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("DH3 failed: %w", err)
	}

	var concat []byte
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if bundle.OneTimePreKey != nil {
		theirOneTime, err := keys.UntagPublic(bundle.OneTimePreKey)
		if err != nil {
			return nil, fmt.Errorf("bad bundle one-time prekey: %w", err)
		}
		dh4, err := keys.SharedSecret(ephemeral.PrivateKey, theirOneTime)
		if err != nil {
			return nil, fmt.Errorf("DH4 failed: %w", err)
		}
		concat = append(concat, dh4[:]...)
	}

	return hkdfDerive(concat, 32)
}

// responderSecret computes the same shared secret on the receiving side from
// the private halves of the consumed keys.
func responderSecret(identity *keys.KeyPair, signedPreKey *keys.SignedPreKey, oneTime *keys.OneTimePreKey, theirIdentity, theirBase [32]byte) ([]byte, error) {
	dh1, err := keys.SharedSecret(signedPreKey.PrivateKey, theirIdentity)
	if err != nil {
		return nil, fmt.Errorf("DH1 failed: %w", err)
	}
	dh2, err := keys.SharedSecret(identity.PrivateKey, theirBase)
	if err != nil {
		return nil, fmt.Errorf("DH2 failed: %w", err)
	}
	dh3, err := keys.SharedSecret(signedPreKey.PrivateKey, theirBase)
	if err != nil {
		return nil, fmt.Errorf("DH3 failed: %w", err)
	}

	var concat []byte
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if oneTime != nil {
		dh4, err := keys.SharedSecret(oneTime.PrivateKey, theirBase)
		if err != nil {
			return nil, fmt.Errorf("DH4 failed: %w", err)
		}
		concat = append(concat, dh4[:]...)
	}

	return hkdfDerive(concat, 32)
}

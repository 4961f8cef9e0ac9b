package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"io"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
)

// XEdDSA signatures let an X25519 identity key double as a signing key. The
// Montgomery private scalar is mapped to its twisted Edwards form with the
// sign bit forced to zero, then used to produce a standard Ed25519-shaped
// signature that crypto/ed25519 can verify after converting the public key.

// SignatureSize is the XEdDSA signature size in bytes.
const SignatureSize = 64

// hashPrefix is the domain separator for the deterministic nonce hash.
var hashPrefix = []byte{
	0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// XEdDSASign signs message with a 32-byte X25519 private key.
func XEdDSASign(montPriv, message []byte) ([]byte, error) {
	if len(montPriv) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}

	s, err := edwards25519.NewScalar().SetBytesWithClamping(montPriv)
	if err != nil {
		return nil, err
	}

	// Force the Edwards public key to the positive representative so that
	// verifiers can reconstruct it from the Montgomery u-coordinate alone.
	A := (&edwards25519.Point{}).ScalarBaseMult(s)
	if A.Bytes()[31]&0x80 != 0 {
		s.Negate(s)
		A.ScalarBaseMult(s)
	}
	aBytes := A.Bytes()

	var z [64]byte
	if _, err := io.ReadFull(rand.Reader, z[:]); err != nil {
		return nil, err
	}

	h := sha512.New()
	h.Write(hashPrefix)
	h.Write(s.Bytes())
	h.Write(message)
	h.Write(z[:])
	r, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return nil, err
	}

	R := (&edwards25519.Point{}).ScalarBaseMult(r)
	rBytes := R.Bytes()

	h.Reset()
	h.Write(rBytes)
	h.Write(aBytes)
	h.Write(message)
	k, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return nil, err
	}

	S := edwards25519.NewScalar().MultiplyAdd(k, s, r)

	sig := make([]byte, 0, SignatureSize)
	sig = append(sig, rBytes...)
	sig = append(sig, S.Bytes()...)
	return sig, nil
}

// XEdDSAVerify verifies an XEdDSA signature against a 32-byte X25519 public
// key (the Montgomery u-coordinate, untagged).
func XEdDSAVerify(montPub, message, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	edPub, err := montgomeryToEdwards(montPub)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(edPub), message, sig)
}

// montgomeryToEdwards maps a Montgomery u-coordinate to the positive Edwards
// point encoding via y = (u-1)/(u+1).
func montgomeryToEdwards(u []byte) ([]byte, error) {
	if len(u) != 32 {
		return nil, errors.New("public key must be 32 bytes")
	}
	um, err := new(field.Element).SetBytes(u)
	if err != nil {
		return nil, err
	}
	one := new(field.Element).One()
	num := new(field.Element).Subtract(um, one)
	den := new(field.Element).Add(um, one)
	y := new(field.Element).Multiply(num, new(field.Element).Invert(den))

	out := y.Bytes()
	out[31] &= 0x7F
	return out, nil
}

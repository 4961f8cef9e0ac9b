package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce size in bytes.
	NonceSize = 12

	// SaltSize is the PBKDF2 salt size in bytes.
	SaltSize = 16

	// PBKDF2Iterations is the iteration count for password-derived keys.
	PBKDF2Iterations = 100000
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DeriveKey derives a 32-byte AES key from a password and salt using
// PBKDF2-SHA-256 with PBKDF2Iterations rounds.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// EncryptGCM encrypts plaintext with AES-256-GCM under the given key and
// explicit nonce. The returned ciphertext includes the GCM tag.
func EncryptGCM(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("nonce must be 12 bytes")
	}
	return gcm.Seal(nil, nonce, plaintext, additionalData), nil
}

// DecryptGCM decrypts ciphertext produced by EncryptGCM.
func DecryptGCM(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("nonce must be 12 bytes")
	}
	return gcm.Open(nil, nonce, ciphertext, additionalData)
}

// EncryptAESGCM encrypts data with AES-256-GCM using a random nonce, which is
// prepended to the returned ciphertext.
func EncryptAESGCM(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptAESGCM decrypts data encrypted with EncryptAESGCM.
func DecryptAESGCM(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	ciphertext = ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.New("key must be 32 bytes for AES-256")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Digest returns the SHA-256 digest of data.
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// ConstantTimeEqual compares two byte slices in time independent of their
// contents. It accumulates the XOR of every byte pair and checks the
// accumulator once at the end.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var acc byte
	for i := range a {
		acc |= a[i] ^ b[i]
	}
	return acc == 0
}

package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	assert.NotZero(t, id.KeyPair.PublicKey)
	assert.GreaterOrEqual(t, id.RegistrationID, uint32(1))
	assert.LessOrEqual(t, id.RegistrationID, uint32(MaxRegistrationID))
}

func TestTaggedPublicRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	tagged := kp.TaggedPublic()
	require.Len(t, tagged, 33)
	assert.Equal(t, byte(CurveTag), tagged[0])

	pub, err := UntagPublic(tagged)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, pub)

	// Raw 32-byte keys are accepted too.
	raw, err := UntagPublic(kp.PublicKey[:])
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, raw)

	_, err = UntagPublic([]byte{0x06, 1, 2})
	assert.Error(t, err)
}

func TestSharedSecretAgreement(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	s1, err := SharedSecret(a.PrivateKey, b.PublicKey)
	require.NoError(t, err)
	s2, err := SharedSecret(b.PrivateKey, a.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestSignedPreKeyVerifies(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	spk, err := GenerateSignedPreKey(&id.KeyPair, 7)
	require.NoError(t, err)

	bundle := PreKeyBundle{
		RegistrationID:        id.RegistrationID,
		IdentityKey:           id.KeyPair.TaggedPublic(),
		SignedPreKeyID:        spk.KeyID,
		SignedPreKey:          spk.TaggedPublic(),
		SignedPreKeySignature: spk.Signature,
	}
	assert.NoError(t, bundle.Verify())

	bundle.SignedPreKeySignature = append([]byte(nil), spk.Signature...)
	bundle.SignedPreKeySignature[3] ^= 0x80
	assert.ErrorIs(t, bundle.Verify(), ErrBadSignature)

	bundle.SignedPreKeySignature = nil
	assert.ErrorIs(t, bundle.Verify(), ErrBadSignature)
}

func TestGenerateOneTimePreKeysSequentialIDs(t *testing.T) {
	pks, err := GenerateOneTimePreKeys(42, 5)
	require.NoError(t, err)
	require.Len(t, pks, 5)

	for i, pk := range pks {
		assert.Equal(t, uint32(42+i), pk.KeyID)
	}
}

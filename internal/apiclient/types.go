package apiclient

import (
	"time"

	"github.com/rhelsing/obscura/internal/keys"
)

// SignedPreKeyUpload is the public half of a signed prekey. Key fields are
// base64 on the wire; publicKey carries the 33-byte curve-tagged form.
type SignedPreKeyUpload struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// PreKeyUpload is the public half of a one-time prekey.
type PreKeyUpload struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

// RegisterRequest creates an account and publishes initial key material.
type RegisterRequest struct {
	Username       string             `json:"username"`
	Password       string             `json:"password"`
	IdentityKey    []byte             `json:"identityKey"`
	RegistrationID uint32             `json:"registrationId"`
	SignedPreKey   SignedPreKeyUpload `json:"signedPreKey"`
	OneTimePreKeys []PreKeyUpload     `json:"oneTimePreKeys"`
	DeviceUUID     string             `json:"deviceUuid"`
}

// LoginRequest authenticates an existing account.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse carries the bearer token and account identifiers.
type AuthResponse struct {
	AccessToken string    `json:"accessToken"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// PreKeyBundleResponse is a peer device's published key material.
type PreKeyBundleResponse struct {
	RegistrationID        uint32  `json:"registrationId"`
	IdentityKey           []byte  `json:"identityKey"`
	SignedPreKeyID        uint32  `json:"signedPreKeyId"`
	SignedPreKey          []byte  `json:"signedPreKey"`
	SignedPreKeySignature []byte  `json:"signedPreKeySignature"`
	OneTimePreKeyID       *uint32 `json:"oneTimePreKeyId,omitempty"`
	OneTimePreKey         []byte  `json:"oneTimePreKey,omitempty"`
}

// Bundle converts the response into the key-agreement form.
func (r *PreKeyBundleResponse) Bundle() *keys.PreKeyBundle {
	return &keys.PreKeyBundle{
		RegistrationID:        r.RegistrationID,
		IdentityKey:           r.IdentityKey,
		SignedPreKeyID:        r.SignedPreKeyID,
		SignedPreKey:          r.SignedPreKey,
		SignedPreKeySignature: r.SignedPreKeySignature,
		OneTimePreKeyID:       r.OneTimePreKeyID,
		OneTimePreKey:         r.OneTimePreKey,
	}
}

// UploadPreKeysRequest publishes replenished one-time prekeys.
type UploadPreKeysRequest struct {
	PreKeys []PreKeyUpload `json:"preKeys"`
}

// AttachmentResponse carries a server-assigned attachment id.
type AttachmentResponse struct {
	AttachmentID string `json:"attachmentId"`
}

// LinkChallengeRequest publishes a freshly generated link code along with
// the pending device's key material.
type LinkChallengeRequest struct {
	Code           string             `json:"code"`
	DeviceUUID     string             `json:"deviceUuid"`
	IdentityKey    []byte             `json:"identityKey"`
	RegistrationID uint32             `json:"registrationId"`
	SignedPreKey   SignedPreKeyUpload `json:"signedPreKey"`
	OneTimePreKeys []PreKeyUpload     `json:"oneTimePreKeys"`
}

// LinkedDeviceResponse describes the device admitted by an approval.
type LinkedDeviceResponse struct {
	ServerUserID string `json:"serverUserId"`
	DeviceID     uint32 `json:"deviceId"`
	DeviceUUID   string `json:"deviceUuid"`
	IdentityKey  []byte `json:"identityKey"`
}

// UserLookupResponse resolves a username.
type UserLookupResponse struct {
	UserID   string         `json:"userId"`
	Username string         `json:"username"`
	Devices  []DeviceRecord `json:"devices"`
}

// DeviceRecord is one of the account's registered devices.
type DeviceRecord struct {
	ServerUserID string    `json:"serverUserId"`
	DeviceID     uint32    `json:"deviceId"`
	DeviceUUID   string    `json:"deviceUuid"`
	IdentityKey  []byte    `json:"identityKey"`
	LinkedAt     time.Time `json:"linkedAt"`
}

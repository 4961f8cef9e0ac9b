package ratchet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// maxSkippedKeys bounds the skipped-message-key cache per session.
const maxSkippedKeys = 1000

// sessionState is the Double Ratchet state for one session.
type sessionState struct {
	// DHs is the sending ratchet key pair, private||public.
	DHs []byte `json:"dhs"`
	// DHr is the peer's current ratchet public key.
	DHr []byte `json:"dhr,omitempty"`
	// RK is the root key.
	RK []byte `json:"rk"`
	// CKs and CKr are the sending and receiving chain keys.
	CKs []byte `json:"cks,omitempty"`
	CKr []byte `json:"ckr,omitempty"`
	// Ns and Nr are the chain message counters; PN is the length of the
	// previous sending chain.
	Ns int `json:"ns"`
	Nr int `json:"nr"`
	PN int `json:"pn"`
}

func (s *sessionState) clone() *sessionState {
	return &sessionState{
		DHs: append([]byte(nil), s.DHs...),
		DHr: append([]byte(nil), s.DHr...),
		RK:  append([]byte(nil), s.RK...),
		CKs: append([]byte(nil), s.CKs...),
		CKr: append([]byte(nil), s.CKr...),
		Ns:  s.Ns,
		Nr:  s.Nr,
		PN:  s.PN,
	}
}

// pendingPreKey is retained on the initiating side until the peer's first
// reply; while present, outgoing messages carry the full X3DH header.
type pendingPreKey struct {
	RegistrationID uint32  `json:"registrationId"`
	PreKeyID       *uint32 `json:"preKeyId,omitempty"`
	SignedPreKeyID uint32  `json:"signedPreKeyId"`
	BaseKey        []byte  `json:"baseKey"` // curve-tagged ephemeral public
}

// Record is the serializable session state for one peer device address.
type Record struct {
	State         *sessionState     `json:"state"`
	TheirIdentity []byte            `json:"theirIdentity"` // curve-tagged
	TheirBaseKey  []byte            `json:"theirBaseKey,omitempty"`
	Pending       *pendingPreKey    `json:"pending,omitempty"`
	Skipped       map[string][]byte `json:"skipped,omitempty"`

	// ResetPending marks a session the peer asked to abandon. The next
	// outbound encrypt rebuilds from a fresh bundle; inbound messages on
	// the old chains still decrypt until then.
	ResetPending bool `json:"resetPending,omitempty"`
}

func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalRecord(b []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	return &r, nil
}

func skipKey(n int, ratchetKey []byte) string {
	return fmt.Sprintf("%d:%s", n, hex.EncodeToString(ratchetKey))
}

package devices

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rhelsing/obscura/internal/apiclient"
	"github.com/rhelsing/obscura/internal/signalstore"
	"github.com/rhelsing/obscura/internal/wire"
)

// LinkState is the lifecycle of a link challenge.
type LinkState int

const (
	LinkPending LinkState = iota
	LinkApproved
	LinkConsumed
)

// LinkChallenge is generated freshly on each login from a device not yet
// registered to the account. Single use.
type LinkChallenge struct {
	Code      string
	CreatedAt time.Time
	State     LinkState
}

// NewLinkChallenge generates a fresh single-use challenge.
func NewLinkChallenge() *LinkChallenge {
	return &LinkChallenge{
		Code:      uuid.NewString(),
		CreatedAt: time.Now(),
		State:     LinkPending,
	}
}

// LinkApprover consumes a link code server-side and returns the admitted
// device. A replayed code fails with apiclient.ErrConflict.
type LinkApprover func(ctx context.Context, code string) (*DeviceEntry, error)

// ApproveLink approves a pending device: the challenge is consumed
// server-side, the account state is packaged as a SYNC_BLOB and sent to the
// new device, and the grown device set is announced to every accepted
// friend.
func (e *Engine) ApproveLink(ctx context.Context, approve LinkApprover, code string) error {
	entry, err := approve(ctx, code)
	if err != nil {
		if errors.Is(err, apiclient.ErrConflict) || errors.Is(err, apiclient.ErrNotFound) {
			return ErrLinkChallengeInvalid
		}
		return err
	}

	// A device that already appears in the account's set means the code
	// was replayed; duplicates must not be created.
	for _, d := range e.OwnDevices() {
		if d.DeviceUUID == entry.DeviceUUID {
			return ErrLinkChallengeInvalid
		}
	}

	blob, err := e.BuildSyncBlob(ctx)
	if err != nil {
		return err
	}

	msg := &wire.ClientMessage{
		Type:      wire.ClientMessageSyncBlob,
		Timestamp: time.Now().UnixMilli(),
		SyncBlob:  blob,
	}
	addr := signalstore.Address{UserID: entry.ServerUserID, DeviceID: entry.DeviceID}
	if err := e.SendToDevice(ctx, addr, msg); err != nil {
		return err
	}

	e.logger.Printf("Approved link for device %s", entry.DeviceUUID)
	return e.AnnounceDevices(ctx)
}

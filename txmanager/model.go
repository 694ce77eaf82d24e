package txmanager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/go2pc/component"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// rmContext is the in memory state of one open transaction branch.
type rmContext struct {
	tx           *txn.Transaction
	reg          *registration
	participants []uuid.UUID
	// status is StatusPending while the resource manager's Start is running.
	status    txn.Status
	value     component.Context
	startedAt time.Time
	// finishing is set while commit or rollback owns the branch.
	finishing bool
}

// OpenTransaction describes an open branch for the admin surface.
type OpenTransaction struct {
	TxID       uint64
	TaskID     uuid.UUID
	ResourceID uuid.UUID
	Status     txn.Status
	StartedAt  time.Time
}

type replayKey struct{}

// withReplay marks calls issued by journal replay. They bypass ordering checks.
func withReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

func replaying(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}

package component

import (
	"context"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// Resource manager plugin
// 1. A ResourceManager owns the application state one transaction payload acts upon.
// 2. It is registered into the local transaction manager on every node that replicates it;
//    the transaction manager journals each step and drives the callbacks below.
// 3. Errors should carry a txn.Code (txn.Errorf / txn.Wrap). A plain error is treated as
//    txn.CodeInternal.

// Context is the opaque per-transaction state returned by Start and handed back to the
// later phases.
type Context interface{}

// ResourceManager is implemented by the application.
type ResourceManager interface {
	// ID is unique across the cluster and identical on every replica.
	ID() uuid.UUID
	// Start begins the work described by tx.Payload.
	Start(ctx context.Context, tx *txn.Transaction) (Context, error)
	// Prepare votes on the outcome. false is a vote to roll back.
	Prepare(ctx context.Context, rc Context) (bool, error)
	Commit(ctx context.Context, rc Context) error
	Rollback(ctx context.Context, rc Context) error
	// CreateTaskInfo describes a payload for the client facing task record.
	CreateTaskInfo(payload []byte) (txn.TaskInfo, error)
	// ProcessPostSync runs once the replica has caught up with the cluster and before it
	// accepts new transactions again.
	ProcessPostSync(ctx context.Context) error
}

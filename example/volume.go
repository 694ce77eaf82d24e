// Package example is a resource manager keeping account balances in redis. Each replica
// of the volume owns its own key namespace.
package example

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/demdxx/gocast"
	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/go2pc/component"
	"github.com/xiaoxuxiansheng/go2pc/example/pkg"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// TXStatus of a branch as the volume records it.
type TXStatus string

func (t TXStatus) String() string {
	return string(t)
}

const (
	TXStarted   TXStatus = "started"
	TXCommitted TXStatus = "committed"
	TXCanceled  TXStatus = "canceled"
)

// Transfer is the payload of a volume transaction: "account=delta", e.g. "alice=-30".
type Transfer struct {
	Account string
	Delta   int64
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s=%+d", t.Account, t.Delta)
}

func ParseTransfer(payload []byte) (Transfer, error) {
	account, delta, ok := strings.Cut(strings.TrimSpace(string(payload)), "=")
	if !ok || account == "" {
		return Transfer{}, fmt.Errorf("transfer %q: want account=delta", payload)
	}
	d, err := strconv.ParseInt(delta, 10, 64)
	if err != nil {
		return Transfer{}, fmt.Errorf("transfer %q: %w", payload, err)
	}
	return Transfer{Account: account, Delta: d}, nil
}

// branch is the component.Context of one transaction.
type branch struct {
	txID uint64
	Transfer
}

// Volume implements component.ResourceManager.
type Volume struct {
	id        uuid.UUID
	namespace string
	client    *redis_lock.Client
}

var _ component.ResourceManager = (*Volume)(nil)

func NewVolume(id uuid.UUID, namespace string, client *redis_lock.Client) *Volume {
	return &Volume{
		id:        id,
		namespace: namespace,
		client:    client,
	}
}

func (v *Volume) ID() uuid.UUID {
	return v.id
}

// Balance reads the committed balance of account.
func (v *Volume) Balance(ctx context.Context, account string) (int64, error) {
	raw, err := v.client.Get(ctx, pkg.BuildBalanceKey(v.namespace, account))
	if errors.Is(err, redis_lock.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return gocast.ToInt64(raw), nil
}

func (v *Volume) lock(ctx context.Context, txID uint64) (func(), error) {
	lock := redis_lock.NewRedisLock(pkg.BuildTXLockKey(v.namespace, txID), v.client)
	if err := lock.Lock(ctx); err != nil {
		return nil, txn.Wrap(txn.CodeInternal, txID, err)
	}
	return func() {
		_ = lock.Unlock(ctx)
	}, nil
}

func (v *Volume) status(ctx context.Context, txID uint64) (string, error) {
	status, err := v.client.Get(ctx, pkg.BuildTXKey(v.namespace, txID))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return "", txn.Wrap(txn.CodeInternal, txID, err)
	}
	return status, nil
}

func (v *Volume) Start(ctx context.Context, tx *txn.Transaction) (component.Context, error) {
	transfer, err := ParseTransfer(tx.Payload)
	if err != nil {
		return nil, txn.Wrap(txn.CodeInvalid, tx.ID, err)
	}
	b := &branch{txID: tx.ID, Transfer: transfer}

	// 1. serialize on the transaction id
	unlock, err := v.lock(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 2. idempotence on the transaction id
	status, err := v.status(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	switch status {
	case TXStarted.String(), TXCommitted.String():
		return b, nil
	case TXCanceled.String():
		return nil, txn.Errorf(txn.CodeRollback, tx.ID, "already canceled")
	}

	// 3. freeze the account, one open branch per account
	reply, err := v.client.SetNX(ctx, pkg.BuildFreezeKey(v.namespace, transfer.Account), strconv.FormatUint(tx.ID, 10))
	if err != nil {
		return nil, txn.Wrap(txn.CodeInternal, tx.ID, err)
	}
	if reply != 1 {
		return nil, txn.Errorf(txn.CodeDeadlock, tx.ID, "account %s is held by another transaction", transfer.Account)
	}

	// 4. record the branch
	if _, err = v.client.Set(ctx, pkg.BuildTXDetailKey(v.namespace, tx.ID), transfer.String()); err != nil {
		return nil, txn.Wrap(txn.CodeInternal, tx.ID, err)
	}
	if _, err = v.client.Set(ctx, pkg.BuildTXKey(v.namespace, tx.ID), TXStarted.String()); err != nil {
		return nil, txn.Wrap(txn.CodeInternal, tx.ID, err)
	}
	return b, nil
}

// Prepare votes against transfers that would overdraw the account.
func (v *Volume) Prepare(ctx context.Context, rc component.Context) (bool, error) {
	b := rc.(*branch)
	balance, err := v.Balance(ctx, b.Account)
	if err != nil {
		return false, txn.Wrap(txn.CodeInternal, b.txID, err)
	}
	return balance+b.Delta >= 0, nil
}

func (v *Volume) Commit(ctx context.Context, rc component.Context) error {
	b := rc.(*branch)
	unlock, err := v.lock(ctx, b.txID)
	if err != nil {
		return err
	}
	defer unlock()

	// 1. only a started branch moves on
	status, err := v.status(ctx, b.txID)
	if err != nil {
		return err
	}
	switch status {
	case TXCommitted.String():
		return nil
	case TXStarted.String():
	default:
		return txn.Errorf(txn.CodeProtocol, b.txID, "cannot commit in status %q", status)
	}

	// 2. apply
	balance, err := v.Balance(ctx, b.Account)
	if err != nil {
		return txn.Wrap(txn.CodeInternal, b.txID, err)
	}
	if _, err = v.client.Set(ctx, pkg.BuildBalanceKey(v.namespace, b.Account), strconv.FormatInt(balance+b.Delta, 10)); err != nil {
		return txn.Wrap(txn.CodeInternal, b.txID, err)
	}

	// 3. a lost status update is repaired by the idempotent retry
	_, _ = v.client.Set(ctx, pkg.BuildTXKey(v.namespace, b.txID), TXCommitted.String())
	v.release(ctx, b)
	return nil
}

func (v *Volume) Rollback(ctx context.Context, rc component.Context) error {
	b := rc.(*branch)
	unlock, err := v.lock(ctx, b.txID)
	if err != nil {
		return err
	}
	defer unlock()

	status, err := v.status(ctx, b.txID)
	if err != nil {
		return err
	}
	if status == TXCommitted.String() {
		return txn.Errorf(txn.CodeProtocol, b.txID, "rollback after commit")
	}

	v.release(ctx, b)
	if _, err = v.client.Set(ctx, pkg.BuildTXKey(v.namespace, b.txID), TXCanceled.String()); err != nil {
		return txn.Wrap(txn.CodeInternal, b.txID, err)
	}
	return nil
}

// release drops the freeze if this branch holds it.
func (v *Volume) release(ctx context.Context, b *branch) {
	key := pkg.BuildFreezeKey(v.namespace, b.Account)
	holder, err := v.client.Get(ctx, key)
	if err != nil || gocast.ToUint64(holder) != b.txID {
		return
	}
	_ = v.client.Del(ctx, key)
}

func (v *Volume) CreateTaskInfo(payload []byte) (txn.TaskInfo, error) {
	transfer, err := ParseTransfer(payload)
	if err != nil {
		return txn.TaskInfo{}, err
	}
	return txn.TaskInfo{
		Name:        "transfer",
		Description: transfer.String(),
		Info:        fmt.Sprintf("account %s", transfer.Account),
	}, nil
}

// ProcessPostSync stamps the sync time of the volume.
func (v *Volume) ProcessPostSync(ctx context.Context) error {
	_, err := v.client.Set(ctx, pkg.BuildSyncKey(v.namespace), time.Now().UTC().Format(time.RFC3339))
	return err
}

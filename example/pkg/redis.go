package pkg

import (
	"fmt"

	"github.com/xiaoxuxiansheng/redis_lock"
)

// NewRedisClient returns a client for the redis instance backing the example volumes.
func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// BuildTXKey is the key of the branch status of txID, used for idempotence.
func BuildTXKey(namespace string, txID uint64) string {
	return fmt.Sprintf("txKey:%s:%d", namespace, txID)
}

// BuildTXDetailKey is the key of the payload a branch works on.
func BuildTXDetailKey(namespace string, txID uint64) string {
	return fmt.Sprintf("txDetailKey:%s:%d", namespace, txID)
}

// BuildTXLockKey is the key of the lock serializing the phases of one branch.
func BuildTXLockKey(namespace string, txID uint64) string {
	return fmt.Sprintf("txLockKey:%s:%d", namespace, txID)
}

// BuildBalanceKey is the key of an account balance.
func BuildBalanceKey(namespace, account string) string {
	return fmt.Sprintf("balance:%s:%s", namespace, account)
}

// BuildFreezeKey marks an account as held by an open branch. The value is the tx id.
func BuildFreezeKey(namespace, account string) string {
	return fmt.Sprintf("freeze:%s:%s", namespace, account)
}

// BuildSyncKey records when the volume last finished a sync.
func BuildSyncKey(namespace string) string {
	return fmt.Sprintf("sync:%s", namespace)
}

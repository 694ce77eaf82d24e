// Package txn holds the data shared by the coordinator, the participants and the journal.
package txn

import (
	"time"

	"github.com/google/uuid"
)

// Status of a task as seen by one node. It only moves forward.
type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusPrepared
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusStarted:
		return "STARTED"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Transaction is immutable once the coordinator allocated its id.
type Transaction struct {
	ID          uint64
	TaskID      uuid.UUID
	ResourceID  uuid.UUID
	InitiatorID uuid.UUID
	Payload     []byte
	// Timeout bounds every coordinator phase call.
	Timeout time.Duration
}

// TaskInfo is the human readable description a resource manager derives from a payload.
type TaskInfo struct {
	Name        string
	Description string
	Info        string
}

// Task is the client visible record of a submitted transaction.
type Task struct {
	TaskID      uuid.UUID
	ResourceID  uuid.UUID
	TxID        uint64
	Status      Status
	Name        string
	Description string
	Info        string
	Timestamp   time.Time
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Describe copies info into the task.
func (t *Task) Describe(info TaskInfo) {
	t.Name = info.Name
	t.Description = info.Description
	t.Info = info.Info
}

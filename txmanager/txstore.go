package txmanager

import (
	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/go2pc/journal"
)

// Journal is the durable log the manager keeps per resource manager.
// *journal.Journal is the file backed implementation.
type Journal interface {
	Start() error
	Close() error
	Append(e *journal.Entry) error
	// LastCompleted is the highest transaction id with a terminal entry.
	LastCompleted() (uint64, error)
	// Extract returns entries with from < id <= to in write order.
	Extract(from, to uint64) ([]*journal.Entry, error)
	Records() ([]*journal.Record, error)
	Find(taskID uuid.UUID) (*journal.Record, error)
	Path() string
}

// JournalFactory builds the journal of a resource manager on a node.
type JournalFactory func(nodeID, resourceID uuid.UUID) Journal

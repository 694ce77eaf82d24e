package txmanager

import (
	"time"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/go2pc/journal"
)

// Options of the transaction manager and its synchronizer.
type Options struct {
	// JournalDir holds one journal per registered resource manager.
	JournalDir string
	// Journals builds the journal of a resource manager. Defaults to a rotating file
	// journal under JournalDir.
	Journals JournalFactory
	// MonitorTick is the period of the stale transaction reaper.
	MonitorTick time.Duration
	// ReapFactor times a transaction's timeout is how long an open context may live.
	ReapFactor int
	// DiscoveryTick is the period at which unsettled resource managers are re-synced.
	DiscoveryTick time.Duration
	// CallTimeout bounds each peer query of the synchronizer.
	CallTimeout time.Duration
	// SyncRounds bounds discover/evaluate rounds of one Sync call.
	SyncRounds int
}

type Option func(*Options)

func WithJournalDir(dir string) Option {
	return func(o *Options) {
		o.JournalDir = dir
	}
}

func WithJournalFactory(f JournalFactory) Option {
	return func(o *Options) {
		o.Journals = f
	}
}

func WithMonitorTick(tick time.Duration) Option {
	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithReapFactor(factor int) Option {
	return func(o *Options) {
		o.ReapFactor = factor
	}
}

func WithDiscoveryTick(tick time.Duration) Option {
	return func(o *Options) {
		o.DiscoveryTick = tick
	}
}

func WithCallTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.CallTimeout = timeout
	}
}

func WithSyncRounds(n int) Option {
	return func(o *Options) {
		o.SyncRounds = n
	}
}

// repair fills in defaults for whatever was left unset.
func repair(o *Options) {
	if o.JournalDir == "" {
		o.JournalDir = "journal"
	}
	if o.Journals == nil {
		dir := o.JournalDir
		o.Journals = func(nodeID, resourceID uuid.UUID) Journal {
			return journal.New(dir, nodeID, resourceID)
		}
	}
	if o.MonitorTick <= 0 {
		o.MonitorTick = 10 * time.Second
	}
	if o.ReapFactor <= 0 {
		o.ReapFactor = 4
	}
	if o.DiscoveryTick <= 0 {
		o.DiscoveryTick = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
	if o.SyncRounds <= 0 {
		o.SyncRounds = 8
	}
}

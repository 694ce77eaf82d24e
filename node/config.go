package node

import (
	"fmt"
	"time"

	"github.com/xiaoxuxiansheng/go2pc/cluster"
	"github.com/xiaoxuxiansheng/go2pc/initiator"
	"github.com/xiaoxuxiansheng/go2pc/log"
	"github.com/xiaoxuxiansheng/go2pc/taskcache"
	"github.com/xiaoxuxiansheng/go2pc/txmanager"
)

// Config is the per node configuration. Zero fields take the defaults of the package they
// belong to.
type Config struct {
	// JournalDir holds the journals of the local resource managers.
	JournalDir string
	// TxTimeout bounds every phase call of a transaction this node coordinates.
	TxTimeout time.Duration
	// PollInterval is how often the prepare barrier looks at the shared counters.
	PollInterval time.Duration
	// QueueSize caps the requests waiting for the initiator.
	QueueSize int

	MonitorTick   time.Duration
	ReapFactor    int
	DiscoveryTick time.Duration
	// CallTimeout bounds the synchronizer's peer queries. Defaults to TxTimeout.
	CallTimeout time.Duration

	// CounterDSN, when set, keeps the shared counters in this MySQL database instead of
	// the counters handed to New.
	CounterDSN string

	// Log replaces the process logger when set.
	Log *log.Config
}

func (c *Config) repair() {
	if c.TxTimeout <= 0 {
		c.TxTimeout = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = c.TxTimeout
	}
}

func (c *Config) counters(fallback cluster.Counters) (cluster.Counters, error) {
	if c.CounterDSN == "" {
		return fallback, nil
	}
	db, err := cluster.OpenMySQL(c.CounterDSN)
	if err != nil {
		return nil, fmt.Errorf("node: open counter database: %w", err)
	}
	counters, err := cluster.NewSQLCounters(db)
	if err != nil {
		return nil, err
	}
	return counters, nil
}

func (c *Config) managerOptions() []txmanager.Option {
	return []txmanager.Option{
		txmanager.WithJournalDir(c.JournalDir),
		txmanager.WithMonitorTick(c.MonitorTick),
		txmanager.WithReapFactor(c.ReapFactor),
		txmanager.WithDiscoveryTick(c.DiscoveryTick),
		txmanager.WithCallTimeout(c.CallTimeout),
	}
}

func (c *Config) initiatorOptions() []initiator.Option {
	return []initiator.Option{
		initiator.WithTxTimeout(c.TxTimeout),
		initiator.WithPollInterval(c.PollInterval),
		initiator.WithQueueSize(c.QueueSize),
	}
}

// Options override single settings of the assembled parts. They are applied after the
// ones derived from Config.
type Options struct {
	Manager   []txmanager.Option
	Initiator []initiator.Option
	Cache     []taskcache.Option
}

type Option func(*Options)

func WithManagerOptions(opts ...txmanager.Option) Option {
	return func(o *Options) {
		o.Manager = append(o.Manager, opts...)
	}
}

func WithInitiatorOptions(opts ...initiator.Option) Option {
	return func(o *Options) {
		o.Initiator = append(o.Initiator, opts...)
	}
}

func WithCacheOptions(opts ...taskcache.Option) Option {
	return func(o *Options) {
		o.Cache = append(o.Cache, opts...)
	}
}

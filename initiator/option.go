package initiator

import "time"

type Options struct {
	// TxTimeout bounds each phase fan-out and is the timeout carried by every transaction.
	TxTimeout time.Duration
	// PollInterval is the retry interval of the prepare barrier and the counter merge.
	PollInterval time.Duration
	// QueueSize caps requests waiting for the worker.
	QueueSize int
}

type Option func(*Options)

func WithTxTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.TxTimeout = timeout
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.PollInterval = interval
	}
}

func WithQueueSize(size int) Option {
	return func(o *Options) {
		o.QueueSize = size
	}
}

func repair(o *Options) {
	if o.TxTimeout <= 0 {
		o.TxTimeout = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	if o.PollInterval > o.TxTimeout {
		o.PollInterval = o.TxTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
}

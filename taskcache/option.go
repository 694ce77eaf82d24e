package taskcache

import "time"

// Options of the task cache. Terminal tasks are kept up to AbsoluteSize and for at most
// AbsoluteDuration; the ones older than MaxDuration only while there are no more than
// MaxSize terminal tasks.
type Options struct {
	AbsoluteDuration time.Duration
	AbsoluteSize     int
	MaxDuration      time.Duration
	MaxSize          int
	PurgeInterval    time.Duration
	// UnknownSize and UnknownTTL bound the cache of lookups answered by the loader.
	UnknownSize int
	UnknownTTL  time.Duration
	Now         func() time.Time
}

type Option func(*Options)

func WithAbsolute(d time.Duration, size int) Option {
	return func(o *Options) {
		o.AbsoluteDuration, o.AbsoluteSize = d, size
	}
}

func WithMax(d time.Duration, size int) Option {
	return func(o *Options) {
		o.MaxDuration, o.MaxSize = d, size
	}
}

func WithPurgeInterval(d time.Duration) Option {
	return func(o *Options) {
		o.PurgeInterval = d
	}
}

func WithUnknown(size int, ttl time.Duration) Option {
	return func(o *Options) {
		o.UnknownSize, o.UnknownTTL = size, ttl
	}
}

// WithNow replaces the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

func repair(o *Options) {
	if o.AbsoluteDuration <= 0 {
		o.AbsoluteDuration = 24 * time.Hour
	}
	if o.AbsoluteSize <= 0 {
		o.AbsoluteSize = 10000
	}
	if o.MaxDuration <= 0 || o.MaxDuration > o.AbsoluteDuration {
		o.MaxDuration = o.AbsoluteDuration / 24
	}
	if o.MaxSize <= 0 || o.MaxSize > o.AbsoluteSize {
		o.MaxSize = o.AbsoluteSize / 10
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Minute
	}
	if o.UnknownSize <= 0 {
		o.UnknownSize = 1024
	}
	if o.UnknownTTL <= 0 {
		o.UnknownTTL = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

package journal

// Options of a journal.
type Options struct {
	// MaxSizeMB is the size at which the current file is rotated.
	MaxSizeMB int
	// MaxBackups caps rotated files kept on disk. 0 keeps all of them, which catch-up
	// extraction relies on.
	MaxBackups int
	// LocalTime names rotated files with local instead of UTC time.
	LocalTime bool
}

type Option func(*Options)

func WithMaxSize(megabytes int) Option {
	return func(o *Options) {
		o.MaxSizeMB = megabytes
	}
}

func WithMaxBackups(n int) Option {
	return func(o *Options) {
		o.MaxBackups = n
	}
}

func WithLocalTime(local bool) Option {
	return func(o *Options) {
		o.LocalTime = local
	}
}

func repair(o *Options) {
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = 64
	}
	if o.MaxBackups < 0 {
		o.MaxBackups = 0
	}
}

package file

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/ews/archive"
)

type options struct {
	dir       string
	prefix    string
	compress  bool
	maxSize   int64
	retention time.Duration
	logger    *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix: archive.DefaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the file archive.
type Option func(*options)

// WithDir sets the root directory. Required.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithPrefix sets the path prefix below the root directory.
// Default is "expansions".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithCompression gzips snapshots and adds a .gz suffix.
func WithCompression(enabled bool) Option {
	return func(o *options) {
		o.compress = enabled
	}
}

// WithMaxSize caps the archive size in bytes. When the archive is full,
// new snapshots are rejected until old ones are pruned.
// Default is 0 (unlimited).
func WithMaxSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.maxSize = size
		}
	}
}

// WithRetention removes snapshots older than d while connected.
// Default is 0 (keep forever).
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Package file archives expansion snapshots to a local directory.
//
// Each snapshot becomes one JSON file laid out like the object storage
// archives, so a directory can be synced to a bucket later.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbaliyan/ews/archive"
	"github.com/rbaliyan/ews/store"
)

// ErrArchiveFull is returned by Save when WithMaxSize would be exceeded.
var ErrArchiveFull = errors.New("file archive: size limit reached")

// Archive writes snapshots below a root directory.
type Archive struct {
	root string
	opts *options

	logger *slog.Logger

	mu   sync.Mutex
	size int64

	stop chan struct{}
	done chan struct{}
}

// Ensure Archive implements store.Sink.
var _ store.Sink = (*Archive)(nil)

// New creates the root directory if needed.
func New(opts ...Option) (*Archive, error) {
	o := newOptions(opts...)
	if o.dir == "" {
		return nil, errors.New("file archive: directory is required")
	}
	root := filepath.Join(o.dir, filepath.FromSlash(o.prefix))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Archive{
		root:   root,
		opts:   o,
		logger: o.logger,
	}, nil
}

// Connect measures the archive and starts retention cleanup.
func (a *Archive) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		return store.ErrAlreadyConnected
	}

	a.size = a.measure()
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	if a.opts.retention > 0 {
		go a.cleanupLoop(a.stop, a.done)
	} else {
		close(a.done)
	}
	return nil
}

// Close stops retention cleanup.
func (a *Archive) Close(_ context.Context) error {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Path returns the file a snapshot is written to.
func (a *Archive) Path(e *store.Expansion) string {
	p := filepath.Join(a.opts.dir, filepath.FromSlash(archive.ObjectKey(a.opts.prefix, e)))
	if a.opts.compress {
		p += ".gz"
	}
	return p
}

// Save writes e through a temporary file so readers never see partial files.
func (a *Archive) Save(_ context.Context, e *store.Expansion) error {
	obj, err := archive.Encode(a.opts.prefix, e, a.opts.compress)
	if err != nil {
		return err
	}
	size := int64(len(obj.Body))
	if !a.reserve(size) {
		return fmt.Errorf("%w: %d bytes", ErrArchiveFull, a.opts.maxSize)
	}

	path := a.Path(e)
	if err := writeAtomic(path, obj.Body); err != nil {
		a.release(size)
		return err
	}
	a.logger.Debug("archived expansion", "address", e.Address, "path", path, "bytes", size)
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("move snapshot: %w", err)
	}
	return nil
}

func (a *Archive) reserve(n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opts.maxSize > 0 && a.size+n > a.opts.maxSize {
		return false
	}
	a.size += n
	return true
}

func (a *Archive) release(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.size -= n
	if a.size < 0 {
		a.size = 0
	}
}

// Size returns the bytes currently accounted to the archive.
func (a *Archive) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

func (a *Archive) measure() int64 {
	var size int64
	err := filepath.WalkDir(a.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	if err != nil {
		a.logger.Warn("failed to measure archive", "error", err)
	}
	return size
}

func (a *Archive) cleanupLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.opts.retention / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			a.Prune(now)
		}
	}
}

// Prune removes snapshots last written before now minus the retention
// period and returns how many were removed. It does nothing without
// WithRetention.
func (a *Archive) Prune(now time.Time) int {
	if a.opts.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-a.opts.retention)

	var removed int
	var freed int64
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
			freed += info.Size()
		}
		return nil
	})
	if err != nil {
		a.logger.Warn("failed to prune archive", "error", err)
	}

	if removed > 0 {
		a.release(freed)
		a.logger.Info("archive cleanup completed", "removed", removed, "freed_bytes", freed)
	}
	return removed
}

// Package diskstore implements the durable, content-addressed cache
// tier. There is no index file: the filesystem tree itself is the
// index, keyed at {rootDir}/{namespace}/{CacheKey}. All mutating and
// reading operations for a given store are funneled through a single
// serial queue (one worker goroutine draining a channel) so writes to
// the same key never race each other.
package diskstore

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rclone/imagecache/cacheerr"
	"github.com/rclone/imagecache/internal/rlog"
)

// BackupExcluder marks a path as excluded from platform backups (e.g. an
// extended attribute or resource fork flag). The mechanism is inherently
// platform-specific, so DiskStore depends only on this narrow capability;
// NoopExcluder is the default when the caller has nothing to wire in.
type BackupExcluder interface {
	ExcludeFromBackup(path string) error
}

// NoopExcluder implements BackupExcluder as a no-op.
type NoopExcluder struct{}

// ExcludeFromBackup implements BackupExcluder.
func (NoopExcluder) ExcludeFromBackup(path string) error { return nil }

// DiskStore is the durable, content-addressed cache tier.
type DiskStore struct {
	rootDir   string
	namespace string
	excluder  BackupExcluder

	opsCh    chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates the namespace directory under rootDir if needed and starts
// the serial I/O worker. excluder may be nil, in which case backup
// exclusion is a no-op.
func New(rootDir, namespace string, excluder BackupExcluder) (*DiskStore, error) {
	if excluder == nil {
		excluder = NoopExcluder{}
	}
	dir := filepath.Join(rootDir, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "diskstore: create root")
	}
	d := &DiskStore{
		rootDir:   rootDir,
		namespace: namespace,
		excluder:  excluder,
		opsCh:     make(chan func(), 64),
		stopCh:    make(chan struct{}),
	}
	go d.worker()
	return d, nil
}

func (d *DiskStore) worker() {
	for {
		select {
		case <-d.stopCh:
			return
		case fn := <-d.opsCh:
			fn()
		}
	}
}

// enqueue runs fn on the serial worker and blocks until it completes,
// preserving per-key write ordering while keeping the public API
// synchronous for callers.
func (d *DiskStore) enqueue(fn func()) {
	done := make(chan struct{})
	d.opsCh <- func() {
		fn()
		close(done)
	}
	<-done
}

func (d *DiskStore) pathFor(key string) string {
	return filepath.Join(d.rootDir, d.namespace, key)
}

// Get reads the raw bytes stored under key. Any I/O error, including a
// missing file, is reported as cacheerr.ErrNotCached: the disk tier never
// distinguishes "absent" from "unreadable" to its callers.
func (d *DiskStore) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, cacheerr.ErrInvalidInput
	}
	var data []byte
	var miss bool
	d.enqueue(func() {
		b, err := os.ReadFile(d.pathFor(key))
		if err != nil {
			miss = true
			return
		}
		data = b
	})
	if miss {
		return nil, cacheerr.ErrNotCached
	}
	return data, nil
}

// Put atomically writes data under key via a temp file plus rename, then
// optionally marks the path excluded from backups.
func (d *DiskStore) Put(key string, data []byte, disableBackup bool) error {
	if key == "" {
		return cacheerr.ErrInvalidInput
	}
	var opErr error
	d.enqueue(func() {
		path := d.pathFor(key)
		f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
		if err != nil {
			opErr = errors.Wrap(err, "diskstore: create temp")
			return
		}
		tmpPath := f.Name()
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(tmpPath)
			opErr = errors.Wrap(err, "diskstore: write temp")
			return
		}
		if err := f.Close(); err != nil {
			os.Remove(tmpPath)
			opErr = errors.Wrap(err, "diskstore: close temp")
			return
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			opErr = errors.Wrap(err, "diskstore: rename")
			return
		}
		if disableBackup {
			if err := d.excluder.ExcludeFromBackup(path); err != nil {
				rlog.Debugf("diskstore", "exclude from backup failed for %s: %v", path, err)
			}
		}
	})
	if opErr != nil {
		return errors.Wrap(cacheerr.ErrIOFailure, opErr.Error())
	}
	return nil
}

// Remove deletes the file for key. A missing file is not an error.
func (d *DiskStore) Remove(key string) error {
	if key == "" {
		return cacheerr.ErrInvalidInput
	}
	var opErr error
	d.enqueue(func() {
		if err := os.Remove(d.pathFor(key)); err != nil && !os.IsNotExist(err) {
			opErr = err
		}
	})
	if opErr != nil {
		return errors.Wrap(cacheerr.ErrIOFailure, opErr.Error())
	}
	return nil
}

// Clear removes every entry in the namespace directory.
func (d *DiskStore) Clear() error {
	var opErr error
	d.enqueue(func() {
		dir := filepath.Join(d.rootDir, d.namespace)
		entries, err := os.ReadDir(dir)
		if err != nil {
			opErr = err
			return
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				opErr = err
			}
		}
	})
	if opErr != nil {
		return errors.Wrap(cacheerr.ErrIOFailure, opErr.Error())
	}
	return nil
}

type fileStat struct {
	path    string
	size    int64
	modTime time.Time
}

// Cleanup evicts entries older than maxAge (when > 0), then evicts the
// least recently written entries until the namespace is at or under
// maxSize (when > 0). The filesystem's own mtime stands in for a
// timestamp index since there is no separate index file.
func (d *DiskStore) Cleanup(maxAge time.Duration, maxSize int64) error {
	var opErr error
	d.enqueue(func() {
		dir := filepath.Join(d.rootDir, d.namespace)
		entries, err := os.ReadDir(dir)
		if err != nil {
			opErr = err
			return
		}
		files := make([]fileStat, 0, len(entries))
		now := time.Now()
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if maxAge > 0 && now.Sub(info.ModTime()) > maxAge {
				if err := os.Remove(path); err != nil {
					rlog.Debugf("diskstore", "cleanup: remove %s: %v", path, err)
				}
				continue
			}
			files = append(files, fileStat{path: path, size: info.Size(), modTime: info.ModTime()})
		}

		if maxSize <= 0 {
			return
		}
		var total int64
		for _, f := range files {
			total += f.size
		}
		if total <= maxSize {
			return
		}
		sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
		for _, f := range files {
			if total <= maxSize {
				break
			}
			if err := os.Remove(f.path); err != nil {
				rlog.Debugf("diskstore", "cleanup: remove %s: %v", f.path, err)
				continue
			}
			total -= f.size
		}
	})
	return opErr
}

// Close stops the serial I/O worker.
func (d *DiskStore) Close() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

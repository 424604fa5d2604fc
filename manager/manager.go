// Package manager implements the top-level orchestration of a cached
// image load: blacklist check, memory check, disk check, download,
// store, and failure bookkeeping, in that fixed order.
package manager

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/rclone/imagecache/cacheerr"
	"github.com/rclone/imagecache/cacheimage"
	"github.com/rclone/imagecache/cachekey"
	"github.com/rclone/imagecache/config"
	"github.com/rclone/imagecache/diskstore"
	"github.com/rclone/imagecache/downloader"
	"github.com/rclone/imagecache/fetcher"
	"github.com/rclone/imagecache/internal/rlog"
	"github.com/rclone/imagecache/memstore"
	"github.com/rclone/imagecache/ophandle"
)

// ProgressFunc reports download progress for a ProgressiveLoad request.
type ProgressFunc func(url string, receivedBytes, expectedTotalBytes int64)

// Manager is the core's single entry point.
type Manager struct {
	cache      Cache
	downloader *downloader.Downloader
	blacklist  *Blacklist
	cfg        *config.Config
	onProgress ProgressFunc

	handlesMu sync.Mutex
	handles   map[uint64]*ophandle.Handle
	nextOpID  atomic.Uint64
}

// New builds a Manager over the given tiers. blacklist may be nil to
// disable non-retriable-failure tracking; cfg may be nil to use fixed
// defaults (cache in memory, disable backup, both tiers).
func New(mem *memstore.MemoryStore, disk *diskstore.DiskStore, decoder cacheimage.Decoder,
	dl *downloader.Downloader, blacklist *Blacklist, cfg *config.Config, onProgress ProgressFunc) *Manager {
	if cfg != nil && mem != nil {
		cfg.Subscribe(mem.OnConfigChanged)
	}
	return &Manager{
		cache:      newTieredCache(mem, disk, decoder),
		downloader: dl,
		blacklist:  blacklist,
		cfg:        cfg,
		onProgress: onProgress,
		handles:    make(map[uint64]*ophandle.Handle),
	}
}

// LoadImage runs the six-step algorithm: blacklist check, memory check,
// disk check, download, store, and failure bookkeeping. completion may
// be nil for fire-and-forget callers that only care about side effects
// (e.g. pre-warming a cache).
func (m *Manager) LoadImage(ctx context.Context, rawURL string, options Options, completion func(LoadResult)) *ophandle.Handle {
	if rawURL == "" {
		deliver(completion, LoadResult{Err: cacheerr.ErrInvalidInput, Finished: true})
		return ophandle.New(nil)
	}
	key := cachekey.Key(rawURL)

	// Step 1: blacklist check.
	if options&RetryFailed == 0 && m.blacklist != nil && m.blacklist.IsBlacklisted(key) {
		deliver(completion, LoadResult{Err: errors.Wrap(cacheerr.ErrProtocolFailure, "url is blacklisted"), Finished: true})
		return ophandle.New(nil)
	}

	// storeTarget gates step 5 only: a memory-only load still queries both
	// tiers below, it just never writes the fresh result back to disk.
	storeTarget := CacheTargetBoth
	if options&CacheMemoryOnly != 0 {
		storeTarget = CacheTargetMemory
	}

	// Steps 2-3: memory then disk check (tieredCache.QueryImage checks
	// memory first, then disk), unconditionally across both tiers
	// regardless of CacheMemoryOnly.
	if options&RefreshCached == 0 {
		if img, hitTier, ok := m.cache.QueryImage(key, CacheTargetBoth); ok {
			deliver(completion, LoadResult{Image: img, CacheType: hitTier, Finished: true, AvoidAutoSetImage: options&AvoidAutoSetImage != 0})
			return ophandle.New(nil)
		}
	} else if img, hitTier, ok := m.cache.QueryImage(key, CacheTargetBoth); ok {
		// RefreshCached: deliver a preview from whichever tier already
		// holds the entry, then still refresh over the network.
		deliver(completion, LoadResult{Image: img, CacheType: hitTier, Finished: false, AvoidAutoSetImage: options&AvoidAutoSetImage != 0})
	}

	return m.download(ctx, rawURL, key, options, storeTarget, completion)
}

// step 4-6: download, store on success, blacklist on non-retriable failure.
func (m *Manager) download(ctx context.Context, rawURL, key string, options Options, storeTarget CacheTarget, completion func(LoadResult)) *ophandle.Handle {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		deliver(completion, LoadResult{Err: errors.Wrap(cacheerr.ErrInvalidInput, err.Error()), Finished: true})
		return ophandle.New(nil)
	}

	var fetchOpts fetcher.Options
	if options&HandleCookies != 0 {
		fetchOpts |= fetcher.HandleCookies
	}
	if options&AllowInvalidSSLCertificates != 0 {
		fetchOpts |= fetcher.AllowInvalidSSLCertificates
	}

	var suppressed atomic.Bool
	disableBackup := m.cfg == nil || m.cfg.ShouldDisableBackup()

	opID := m.nextOpID.Add(1)

	priority := downloader.PriorityNormal
	switch {
	case options&HighPriority != 0:
		priority = downloader.PriorityHigh
	case options&LowPriority != 0:
		priority = downloader.PriorityLow
	}

	innerHandle := m.downloader.Download(req, rawURL, fetchOpts, priority,
		func(received, total int64) {
			if options&ProgressiveLoad != 0 && !suppressed.Load() && m.onProgress != nil {
				m.onProgress(rawURL, received, total)
			}
		},
		nil,
		func(img *cacheimage.CachedImage, err error) {
			defer m.forgetHandle(opID)
			m.onDownloadComplete(key, rawURL, storeTarget, options, disableBackup, img, err, &suppressed, completion)
		},
	)

	handle := ophandle.New(func() {
		if options&ContinueInBackground != 0 {
			suppressed.Store(true)
		} else {
			innerHandle.Cancel()
		}
		m.forgetHandle(opID)
	})
	m.trackHandle(opID, handle)
	return handle
}

func (m *Manager) onDownloadComplete(key, rawURL string, storeTarget CacheTarget, options Options, disableBackup bool,
	img *cacheimage.CachedImage, err error, suppressed *atomic.Bool, completion func(LoadResult)) {
	if err != nil {
		var protoErr *cacheerr.ProtocolError
		if errors.As(err, &protoErr) && protoErr.NonRetriable() && m.blacklist != nil {
			if blErr := m.blacklist.Add(key, protoErr.Status); blErr != nil {
				rlog.Errorf("manager", "failed to blacklist %s: %v", rawURL, blErr)
			}
		}
		if !suppressed.Load() {
			deliver(completion, LoadResult{Err: err, CacheType: CacheTargetNone, Finished: true})
		}
		return
	}

	if m.cfg != nil && !m.cfg.ShouldCacheInMemory() && storeTarget == CacheTargetBoth {
		storeTarget = CacheTargetDisk
	}
	m.cache.StoreImage(key, img, storeTarget, disableBackup)
	if m.blacklist != nil {
		if blErr := m.blacklist.Remove(key); blErr != nil {
			rlog.Errorf("manager", "failed to clear blacklist entry for %s: %v", rawURL, blErr)
		}
	}
	if !suppressed.Load() {
		deliver(completion, LoadResult{Image: img, CacheType: storeTarget, Finished: true, AvoidAutoSetImage: options&AvoidAutoSetImage != 0})
	}
}

func deliver(completion func(LoadResult), result LoadResult) {
	if completion != nil {
		completion(result)
	}
}

// IsCached reports whether rawURL currently has an entry in either tier.
func (m *Manager) IsCached(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	_, _, ok := m.cache.QueryImage(cachekey.Key(rawURL), CacheTargetBoth)
	return ok
}

// CancelAll cancels every in-flight LoadImage operation and clears the
// blacklist; ClearBlacklist does the latter alone.
func (m *Manager) CancelAll() {
	m.handlesMu.Lock()
	handles := make([]*ophandle.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[uint64]*ophandle.Handle)
	m.handlesMu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	m.ClearBlacklist()
}

// ClearBlacklist wipes every blacklisted URL, if a blacklist is configured.
func (m *Manager) ClearBlacklist() {
	if m.blacklist == nil {
		return
	}
	if err := m.blacklist.Clear(); err != nil {
		rlog.Errorf("manager", "failed to clear blacklist: %v", err)
	}
}

func (m *Manager) trackHandle(id uint64, h *ophandle.Handle) {
	m.handlesMu.Lock()
	m.handles[id] = h
	m.handlesMu.Unlock()
}

func (m *Manager) forgetHandle(id uint64) {
	m.handlesMu.Lock()
	delete(m.handles, id)
	m.handlesMu.Unlock()
}

// Cache exposes the Manager's underlying cache capability, e.g. for a
// caller that wants to pre-warm or explicitly evict without a network
// round trip.
func (m *Manager) Cache() Cache {
	return m.cache
}

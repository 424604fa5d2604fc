// Package downloader coalesces concurrent requests for the same URL onto
// a single in-flight fetcher.Fetcher and runs transfers through a
// bounded, runtime-resizable worker pool.
//
// Each URL's "bucket" of subscribers lets multiple callers wait on the
// same in-flight fetch without triggering duplicate transfers. The
// snapshot-then-remove-then-fan-out protocol for terminal delivery
// avoids a subscriber that arrives between "fetch finished" and
// "bucket removed" from being silently dropped or double-notified.
package downloader

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/rclone/imagecache/cacheerr"
	"github.com/rclone/imagecache/cacheimage"
	"github.com/rclone/imagecache/fetcher"
	"github.com/rclone/imagecache/internal/rlog"
	"github.com/rclone/imagecache/ophandle"
)

// DefaultMaxConcurrent is the worker pool size when none is given.
const DefaultMaxConcurrent = 2

// StartFunc is notified when a URL transitions from idle to in-flight.
type StartFunc func(url string)

// StopFunc is notified when a URL's in-flight fetch ends, successfully,
// with an error, or because every subscriber cancelled.
type StopFunc func(url string)

type subscriber struct {
	id         uint64
	progress   fetcher.ProgressFunc
	redirect   fetcher.RedirectFunc
	completion fetcher.CompletionFunc
}

// Priority selects how a Download call contends for a worker slot.
type Priority int

const (
	// PriorityLow yields a free slot to any PriorityNormal or
	// PriorityHigh request currently waiting for one.
	PriorityLow Priority = iota
	// PriorityNormal contends for the ordinary maxConcurrent slots.
	PriorityNormal
	// PriorityHigh may additionally use the reserved pool set by
	// SetHighPriorityReserve.
	PriorityHigh
)

// bucket holds every subscriber currently waiting on one URL's in-flight
// fetch. Reads (fan-out of progress/terminal callbacks) take the RLock;
// subscribing or unsubscribing takes the exclusive Lock, a barrier
// against a fan-out in progress.
type bucket struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	cancelFetch func()
	// cancelled is set once the last subscriber unsubscribes before a
	// cancelFetch was even assigned (the fetch was still queued for a
	// worker slot). run checks it right after acquiring a slot so it
	// doesn't perform a transfer nobody is waiting on.
	cancelled bool
}

func (b *bucket) snapshot() []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Downloader is the coalescing, bounded-concurrency download layer.
type Downloader struct {
	decoder cacheimage.Decoder
	limiter *rate.Limiter

	bucketsMu sync.Mutex
	buckets   map[string]*bucket
	nextSubID atomic.Uint64

	poolMu              sync.Mutex
	poolCond            *sync.Cond
	active              int
	waitingNormal       int // PriorityNormal/PriorityHigh requests currently contending for a slot
	maxConcurrent       int
	highPriorityReserve int

	lifecycleMu sync.Mutex
	startSubs   []StartFunc
	stopSubs    []StopFunc
}

// New builds a Downloader. decoder is required; limiter may be nil to
// disable RPS throttling.
func New(decoder cacheimage.Decoder, limiter *rate.Limiter, maxConcurrent int) *Downloader {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	d := &Downloader{
		decoder:             decoder,
		limiter:             limiter,
		buckets:             make(map[string]*bucket),
		maxConcurrent:       maxConcurrent,
		highPriorityReserve: 1,
	}
	d.poolCond = sync.NewCond(&d.poolMu)
	return d
}

// SetHighPriorityReserve sets how many worker slots beyond maxConcurrent
// a highPriority Download call may use. 0 disables the reserve.
func (d *Downloader) SetHighPriorityReserve(n int) {
	if n < 0 {
		n = 0
	}
	d.poolMu.Lock()
	d.highPriorityReserve = n
	d.poolMu.Unlock()
	d.poolCond.Broadcast()
}

// SetMaxConcurrent resizes the worker pool at runtime.
func (d *Downloader) SetMaxConcurrent(n int) {
	if n <= 0 {
		n = 1
	}
	d.poolMu.Lock()
	d.maxConcurrent = n
	d.poolMu.Unlock()
	d.poolCond.Broadcast()
}

// OnStart registers fn to be called whenever a URL starts an in-flight
// fetch. Returns an unsubscribe function.
func (d *Downloader) OnStart(fn StartFunc) func() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	d.startSubs = append(d.startSubs, fn)
	idx := len(d.startSubs) - 1
	return func() {
		d.lifecycleMu.Lock()
		defer d.lifecycleMu.Unlock()
		d.startSubs[idx] = nil
	}
}

// OnStop registers fn to be called whenever a URL's in-flight fetch ends.
func (d *Downloader) OnStop(fn StopFunc) func() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	d.stopSubs = append(d.stopSubs, fn)
	idx := len(d.stopSubs) - 1
	return func() {
		d.lifecycleMu.Lock()
		defer d.lifecycleMu.Unlock()
		d.stopSubs[idx] = nil
	}
}

func (d *Downloader) notifyStart(url string) {
	d.lifecycleMu.Lock()
	subs := append([]StartFunc(nil), d.startSubs...)
	d.lifecycleMu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(url)
		}
	}
}

func (d *Downloader) notifyStop(url string) {
	d.lifecycleMu.Lock()
	subs := append([]StopFunc(nil), d.stopSubs...)
	d.lifecycleMu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(url)
		}
	}
}

// Download subscribes to url's in-flight fetch, starting one if none is
// running. Concurrent calls for the same url share a single underlying
// Fetcher.
// priority selects how the request contends for a worker slot: PriorityHigh
// may use the small reserved pool set aside by SetHighPriorityReserve so an
// urgent fetch doesn't queue behind a saturated pool of ordinary ones,
// while PriorityLow yields a free slot to any normal or high request
// still waiting for one.
func (d *Downloader) Download(req *http.Request, url string, options fetcher.Options, priority Priority,
	progress fetcher.ProgressFunc, redirect fetcher.RedirectFunc, completion fetcher.CompletionFunc) *ophandle.Handle {

	id := d.nextSubID.Add(1)
	sub := &subscriber{id: id, progress: progress, redirect: redirect, completion: completion}

	d.bucketsMu.Lock()
	b, exists := d.buckets[url]
	if !exists {
		b = &bucket{subscribers: make(map[uint64]*subscriber)}
		d.buckets[url] = b
	}
	d.bucketsMu.Unlock()

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	if !exists {
		d.notifyStart(url)
		go d.run(req, url, b, options, priority)
	}

	return ophandle.New(func() { d.unsubscribe(url, b, id) })
}

func (d *Downloader) unsubscribe(url string, b *bucket, id uint64) {
	b.mu.Lock()
	delete(b.subscribers, id)
	empty := len(b.subscribers) == 0
	var cancelFetch func()
	if empty {
		b.cancelled = true
		cancelFetch = b.cancelFetch
	}
	b.mu.Unlock()

	if !empty {
		return
	}
	d.bucketsMu.Lock()
	if d.buckets[url] == b {
		delete(d.buckets, url)
	}
	d.bucketsMu.Unlock()
	if cancelFetch != nil {
		cancelFetch()
	}
}

// run acquires a worker slot, runs one Fetcher for url, and fans its
// callbacks out to every current subscriber.
func (d *Downloader) run(req *http.Request, url string, b *bucket, options fetcher.Options, priority Priority) {
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	acquired := d.acquireWorker(ctx, priority)
	if acquired {
		defer d.releaseWorker()
	}
	defer d.notifyStop(url)
	defer d.removeBucketIfStillMapped(url, b)

	if !acquired {
		d.deliverTerminal(url, b, nil, cacheerr.ErrCancelled)
		return
	}

	b.mu.Lock()
	alreadyCancelled := b.cancelled
	b.mu.Unlock()
	if alreadyCancelled {
		// Every subscriber unsubscribed while this fetch was still
		// queued for a worker slot; nobody is waiting on it anymore.
		d.deliverTerminal(url, b, nil, cacheerr.ErrCancelled)
		return
	}

	finished := make(chan struct{})
	var once sync.Once
	signalDone := func() { once.Do(func() { close(finished) }) }

	f := fetcher.New(req.Clone(ctx), options, d.decoder, d.limiter,
		func(received, total int64) {
			for _, s := range b.snapshot() {
				if s.progress != nil {
					s.progress(received, total)
				}
			}
		},
		func(r *http.Request, via []*http.Request) bool {
			subs := b.snapshot()
			if len(subs) == 0 {
				return true
			}
			for _, s := range subs {
				if s.redirect != nil {
					return s.redirect(r, via)
				}
			}
			return true
		},
		func(img *cacheimage.CachedImage, err error) {
			d.deliverTerminal(url, b, img, err)
			signalDone()
		},
		func() {
			rlog.Debugf("downloader", "fetch for %s cancelled before completion", url)
			signalDone()
		},
	)

	b.mu.Lock()
	b.cancelFetch = f.Cancel
	b.mu.Unlock()

	f.Start()
	go func() {
		select {
		case <-ctx.Done():
			f.Cancel()
		case <-finished:
		}
	}()
	<-finished
}

// deliverTerminal implements the snapshot -> remove -> fan-out-in-order
// protocol: subscribers are captured and the bucket is unlinked from the
// map before any callback fires, so a cancel racing the completion can't
// observe a half-delivered bucket.
func (d *Downloader) deliverTerminal(url string, b *bucket, img *cacheimage.CachedImage, err error) {
	subs := b.snapshot()
	d.removeBucketIfStillMapped(url, b)
	for _, s := range subs {
		if s.completion != nil {
			s.completion(img, err)
		}
	}
}

func (d *Downloader) removeBucketIfStillMapped(url string, b *bucket) {
	d.bucketsMu.Lock()
	if d.buckets[url] == b {
		delete(d.buckets, url)
	}
	d.bucketsMu.Unlock()
}

// acquireWorker blocks until either a worker slot is free or ctx is
// done, returning whether a slot was actually acquired. PriorityHigh
// callers may use the reserved pool set by SetHighPriorityReserve;
// PriorityLow callers stand down while any normal or high priority
// request is contending for a slot.
func (d *Downloader) acquireWorker(ctx context.Context, priority Priority) bool {
	woken := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.poolCond.Broadcast()
		case <-stop:
		}
		close(woken)
	}()

	d.poolMu.Lock()
	if priority != PriorityLow {
		d.waitingNormal++
	}
	limit := func() int {
		if priority == PriorityHigh {
			return d.maxConcurrent + d.highPriorityReserve
		}
		return d.maxConcurrent
	}
	blocked := func() bool {
		if priority == PriorityLow && d.waitingNormal > 0 {
			return true
		}
		return d.active >= limit()
	}
	for blocked() && ctx.Err() == nil {
		d.poolCond.Wait()
	}
	acquired := false
	if ctx.Err() == nil {
		d.active++
		acquired = true
	}
	wasContending := priority != PriorityLow
	if wasContending {
		d.waitingNormal--
	}
	d.poolMu.Unlock()
	if wasContending {
		// A normal/high request stopped contending (acquired a slot or
		// gave up); any PriorityLow waiter blocked on waitingNormal > 0
		// needs a chance to recheck.
		d.poolCond.Broadcast()
	}
	close(stop)
	<-woken
	return acquired
}

func (d *Downloader) releaseWorker() {
	d.poolMu.Lock()
	d.active--
	d.poolMu.Unlock()
	d.poolCond.Broadcast()
}


package manager

import "github.com/rclone/imagecache/cacheimage"

// Options is the bitmask callers pass to LoadImage.
type Options uint32

const (
	// RetryFailed bypasses the blacklist for this call.
	RetryFailed Options = 1 << iota
	// LowPriority makes this fetch yield its worker slot to any normal
	// or HighPriority fetch currently waiting for one; it carries no
	// reserved-slot privilege of its own.
	LowPriority
	// CacheMemoryOnly skips writing the fetched result to the disk tier.
	// The disk tier is still queried for a pre-existing hit like any
	// other load.
	CacheMemoryOnly
	// ProgressiveLoad requests progress callbacks as bytes arrive rather
	// than only a single terminal callback.
	ProgressiveLoad
	// RefreshCached always re-fetches: a hit in either cache tier is first
	// delivered as a preview (Finished=false), then the fresh result is
	// stored into the tiers and delivered with Finished=true.
	RefreshCached
	// ContinueInBackground keeps the underlying fetch running after the
	// caller cancels its handle; the caller simply stops being notified.
	ContinueInBackground
	// HandleCookies attaches a per-request cookie jar at the fetcher layer.
	HandleCookies
	// AllowInvalidSSLCertificates skips TLS certificate verification.
	AllowInvalidSSLCertificates
	// HighPriority lets this fetch use the downloader's reserved pool of
	// extra worker slots instead of queueing behind a saturated pool.
	HighPriority
	// AvoidAutoSetImage is a pass-through hint for UI-layer callers that
	// bind CachedImage results directly to a view; this core has no such
	// binding and only carries the bit through to the completion callback
	// via LoadResult.
	AvoidAutoSetImage
)

// LoadResult is handed to a LoadImage completion callback.
type LoadResult struct {
	Image *cacheimage.CachedImage
	Err   error
	// CacheType reports which tier the Image came from: CacheTargetMemory
	// or CacheTargetDisk for a cache hit, the tier(s) just written to for
	// a fresh download, or CacheTargetNone on a miss/error.
	CacheType CacheTarget
	// Finished is false for a RefreshCached preview delivered from a warm
	// tier while the network refresh is still in flight, and true for
	// every other completion, including the refresh's own final callback.
	Finished          bool
	AvoidAutoSetImage bool
}

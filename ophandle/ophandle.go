// Package ophandle provides the small idempotent-cancel handle shared by
// the downloader and manager layers.
package ophandle

import "sync"

// Handle lets a caller cancel an in-flight operation exactly once,
// regardless of how many times Cancel is called.
type Handle struct {
	once     sync.Once
	cancelFn func()
}

// New wraps cancelFn as a Handle. cancelFn may be nil.
func New(cancelFn func()) *Handle {
	return &Handle{cancelFn: cancelFn}
}

// Cancel runs the underlying cancellation exactly once.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		if h.cancelFn != nil {
			h.cancelFn()
		}
	})
}

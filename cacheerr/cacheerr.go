// Package cacheerr defines the error taxonomy shared by every tier of the
// cache/downloader/manager stack. Each tier wraps one of these sentinels
// with github.com/pkg/errors so a caller can still test the category
// with errors.Is after unwrapping the context.
package cacheerr

import "github.com/pkg/errors"

// Sentinel errors for the taxonomy below. NotCached and Cancelled are
// not user-facing failures: callers check for them to distinguish a miss
// or a suppressed callback from a real error.
var (
	// ErrInvalidInput covers a null/empty URL or cache key.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotCached means the requested tier has no entry for this key.
	ErrNotCached = errors.New("not cached")
	// ErrNetworkFailure covers transport errors, timeouts, and DNS failures.
	ErrNetworkFailure = errors.New("network failure")
	// ErrProtocolFailure covers HTTP 4xx/5xx or a malformed response.
	ErrProtocolFailure = errors.New("protocol failure")
	// ErrDecodeFailure means bytes were retrieved but the decoder rejected them.
	ErrDecodeFailure = errors.New("decode failure")
	// ErrIOFailure covers disk read/write/enumerate failures.
	ErrIOFailure = errors.New("io failure")
	// ErrCancelled means the caller's handle was cancelled; not surfaced
	// as an error to that subscriber.
	ErrCancelled = errors.New("cancelled")
)

// ProtocolError carries the HTTP status code alongside ErrProtocolFailure
// so callers can decide retriability: 400/403/404/410 are non-retriable
// and blacklist the URL.
type ProtocolError struct {
	StatusCode int
	Status     string
}

func (e *ProtocolError) Error() string {
	return "protocol failure: " + e.Status
}

// Unwrap lets errors.Is(err, ErrProtocolFailure) succeed.
func (e *ProtocolError) Unwrap() error {
	return ErrProtocolFailure
}

// NonRetriable reports whether the status code should blacklist the URL.
func (e *ProtocolError) NonRetriable() bool {
	switch e.StatusCode {
	case 400, 403, 404, 410:
		return true
	}
	return false
}

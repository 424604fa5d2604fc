// Package fetcher performs a single HTTP transfer for one cached image
// URL. It is the lowest layer of the download stack: it knows nothing
// about coalescing subscribers or worker pools, only how to run one
// request to completion (or cancellation) and report progress,
// redirects, and the terminal result exactly once.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/rclone/imagecache/cacheerr"
	"github.com/rclone/imagecache/cacheimage"
)

// FetchTimeout bounds a single transfer end to end.
const FetchTimeout = 15 * time.Second

// Options gates the optional behaviors a Fetcher may need for a given
// request, a subset of the Manager's broader options mask.
type Options uint8

const (
	// HandleCookies attaches a per-request cookie jar.
	HandleCookies Options = 1 << iota
	// AllowInvalidSSLCertificates skips TLS certificate verification.
	AllowInvalidSSLCertificates
)

// ProgressFunc reports bytes received so far and the expected total,
// or a negative total when Content-Length is unknown.
type ProgressFunc func(receivedBytes, expectedTotalBytes int64)

// RedirectFunc decides whether to follow a redirect; returning false
// stops the chain and the last response is used as-is.
type RedirectFunc func(req *http.Request, via []*http.Request) bool

// CompletionFunc reports the terminal, non-cancelled outcome: either a
// decoded image or an error from the cacheerr taxonomy.
type CompletionFunc func(img *cacheimage.CachedImage, err error)

// Fetcher drives a single HTTP transfer.
type Fetcher struct {
	request *http.Request
	options Options
	decoder cacheimage.Decoder
	limiter *rate.Limiter

	onProgress   ProgressFunc
	onRedirect   RedirectFunc
	onCompletion CompletionFunc
	onCancelled  func()

	terminal atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds a Fetcher for request. decoder is required; limiter may be
// nil to disable throttling. Any of the callbacks may be nil.
func New(request *http.Request, options Options, decoder cacheimage.Decoder, limiter *rate.Limiter,
	onProgress ProgressFunc, onRedirect RedirectFunc, onCompletion CompletionFunc, onCancelled func()) *Fetcher {
	ctx, cancel := context.WithTimeout(request.Context(), FetchTimeout)
	return &Fetcher{
		request:      request,
		options:      options,
		decoder:      decoder,
		limiter:      limiter,
		onProgress:   onProgress,
		onRedirect:   onRedirect,
		onCompletion: onCompletion,
		onCancelled:  onCancelled,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start runs the transfer on its own goroutine. Exactly one of
// onCompletion or onCancelled fires before Start's goroutine exits,
// never both.
func (f *Fetcher) Start() {
	go f.run()
}

// Cancel stops the transfer. Calling it more than once, or after the
// transfer has already completed, is a no-op beyond the first call.
func (f *Fetcher) Cancel() {
	if f.terminal.CompareAndSwap(false, true) {
		f.cancel()
		if f.onCancelled != nil {
			f.onCancelled()
		}
		return
	}
	f.cancel()
}

func (f *Fetcher) finish(img *cacheimage.CachedImage, err error) {
	if !f.terminal.CompareAndSwap(false, true) {
		return
	}
	f.cancel()
	if f.onCompletion != nil {
		f.onCompletion(img, err)
	}
}

func (f *Fetcher) run() {
	req := f.request.Clone(f.ctx)
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set("Accept", "image/*")

	client := &http.Client{}
	if f.options&HandleCookies != 0 {
		jar, err := cookiejar.New(nil)
		if err == nil {
			client.Jar = jar
		}
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if f.onRedirect != nil && !f.onRedirect(req, via) {
			return http.ErrUseLastResponse
		}
		return nil
	}
	if f.options&AllowInvalidSSLCertificates != 0 {
		client.Transport = insecureTransport()
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(f.ctx); err != nil {
			f.finish(nil, errors.Wrap(cacheerr.ErrCancelled, err.Error()))
			return
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if f.terminal.Load() {
			// Cancel() already claimed the terminal transition; nothing left to report.
			return
		}
		f.finish(nil, errors.Wrap(cacheerr.ErrNetworkFailure, err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.finish(nil, &cacheerr.ProtocolError{StatusCode: resp.StatusCode, Status: resp.Status})
		return
	}

	expectedTotal := resp.ContentLength // -1 when unknown, matches ProgressFunc's sentinel
	data, err := io.ReadAll(&progressReader{r: resp.Body, total: expectedTotal, onProgress: f.onProgress})
	if err != nil {
		if f.terminal.Load() {
			return
		}
		f.finish(nil, errors.Wrap(cacheerr.ErrNetworkFailure, err.Error()))
		return
	}

	img, err := f.decoder.Decode(data, resp.Header.Get("Content-Type"))
	if err != nil {
		f.finish(nil, errors.Wrap(cacheerr.ErrDecodeFailure, err.Error()))
		return
	}
	f.finish(img, nil)
}

type progressReader struct {
	r          io.Reader
	total      int64
	received   int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.received += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.received, p.total)
		}
	}
	return n, err
}


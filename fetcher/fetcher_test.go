package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/imagecache/cacheerr"
	"github.com/rclone/imagecache/cacheimage"
)

func newRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestFetcherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "image/*", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("pngdata"))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var gotImg *cacheimage.CachedImage
	var gotErr error
	var progressCalls int
	done := make(chan struct{})

	f := New(newRequest(t, srv.URL), 0, cacheimage.StubDecoder{}, nil,
		func(received, total int64) {
			mu.Lock()
			progressCalls++
			mu.Unlock()
		},
		nil,
		func(img *cacheimage.CachedImage, err error) {
			mu.Lock()
			gotImg, gotErr = img, err
			mu.Unlock()
			close(done)
		},
		nil,
	)
	f.Start()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not complete")
	}

	require.NoError(t, gotErr)
	require.NotNil(t, gotImg)
	assert.Equal(t, []byte("pngdata"), gotImg.Data)
	mu.Lock()
	assert.Positive(t, progressCalls)
	mu.Unlock()
}

func TestFetcherNonRetriableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	done := make(chan error, 1)
	f := New(newRequest(t, srv.URL), 0, cacheimage.StubDecoder{}, nil, nil, nil,
		func(img *cacheimage.CachedImage, err error) { done <- err }, nil)
	f.Start()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not complete")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, cacheerr.ErrProtocolFailure)
	var protoErr *cacheerr.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.True(t, protoErr.NonRetriable())
}

func TestFetcherCancelIsIdempotentAndSuppressesCompletion(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	var completionCalled, cancelledCalls int32
	var mu sync.Mutex
	cancelledCh := make(chan struct{})

	f := New(newRequest(t, srv.URL), 0, cacheimage.StubDecoder{}, nil, nil, nil,
		func(img *cacheimage.CachedImage, err error) {
			mu.Lock()
			completionCalled++
			mu.Unlock()
		},
		func() {
			mu.Lock()
			cancelledCalls++
			mu.Unlock()
			close(cancelledCh)
		},
	)
	f.Start()
	time.Sleep(50 * time.Millisecond) // let the request actually start

	f.Cancel()
	f.Cancel() // idempotent: must not double-fire

	select {
	case <-cancelledCh:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation callback never fired")
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, cancelledCalls)
	assert.Zero(t, completionCalled, "completion must not fire once cancelled has claimed the terminal signal")
}

func TestFetcherUnreachableHostIsNetworkFailure(t *testing.T) {
	done := make(chan error, 1)
	f := New(newRequest(t, "http://127.0.0.1:1"), 0, cacheimage.StubDecoder{}, nil, nil, nil,
		func(img *cacheimage.CachedImage, err error) { done <- err }, nil)
	f.Start()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not complete")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, cacheerr.ErrNetworkFailure)
}

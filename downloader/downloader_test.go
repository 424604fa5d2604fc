package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/imagecache/cacheerr"
	"github.com/rclone/imagecache/cacheimage"
)

func newGetReq(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestDownloaderCoalescesConcurrentSubscribers(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	d := New(cacheimage.StubDecoder{}, nil, 4)
	const n = 50
	var wg sync.WaitGroup
	var completions int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			d.Download(newGetReq(t, srv.URL), srv.URL, 0, PriorityNormal, nil, nil, func(img *cacheimage.CachedImage, err error) {
				assert.NoError(t, err)
				atomic.AddInt32(&completions, 1)
				close(done)
			})
			<-done
		}()
	}
	wg.Wait()

	assert.EqualValues(t, n, completions)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "coalesced subscribers must share one HTTP transfer")
}

func TestDownloaderCancelOneSubscriberDoesNotAffectOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	d := New(cacheimage.StubDecoder{}, nil, 4)

	cancelledCalled := int32(0)
	h1 := d.Download(newGetReq(t, srv.URL), srv.URL, 0, PriorityNormal, nil, nil, func(img *cacheimage.CachedImage, err error) {
		atomic.AddInt32(&cancelledCalled, 1)
	})

	done2 := make(chan error, 1)
	d.Download(newGetReq(t, srv.URL), srv.URL, 0, PriorityNormal, nil, nil, func(img *cacheimage.CachedImage, err error) {
		done2 <- err
	})

	time.Sleep(10 * time.Millisecond)
	h1.Cancel()
	h1.Cancel() // idempotent

	select {
	case err := <-done2:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("surviving subscriber never got its completion")
	}
	assert.Zero(t, atomic.LoadInt32(&cancelledCalled), "a cancelled subscriber must not receive the terminal completion")
}

func TestDownloaderCancellingLastSubscriberCancelsFetch(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-block
	}))
	defer srv.Close()
	defer close(block)

	d := New(cacheimage.StubDecoder{}, nil, 4)
	var stopped int32
	d.OnStop(func(url string) { atomic.AddInt32(&stopped, 1) })

	h := d.Download(newGetReq(t, srv.URL), srv.URL, 0, PriorityNormal, nil, nil, nil)
	<-started
	h.Cancel()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&stopped) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDownloaderMaxConcurrentBoundsActiveFetches(t *testing.T) {
	var active, maxSeen int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("d"))
	}))
	defer srv.Close()

	d := New(cacheimage.StubDecoder{}, nil, 2)
	var wg sync.WaitGroup
	urls := []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c", srv.URL + "/d"}
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			done := make(chan struct{})
			d.Download(newGetReq(t, u), u, 0, PriorityNormal, nil, nil, func(img *cacheimage.CachedImage, err error) { close(done) })
			<-done
		}(u)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

func TestDownloaderCancellingWhileQueuedSkipsTheFetch(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("d"))
	}))
	defer srv.Close()
	defer close(release)

	d := New(cacheimage.StubDecoder{}, nil, 1)

	// Saturate the single worker slot with a blocked fetch so the next
	// Download call queues for a slot instead of starting immediately.
	blockerDone := make(chan struct{})
	d.Download(newGetReq(t, srv.URL+"/blocker"), srv.URL+"/blocker", 0, PriorityNormal, nil, nil,
		func(img *cacheimage.CachedImage, err error) { close(blockerDone) })

	queuedURL := srv.URL + "/queued"
	h := d.Download(newGetReq(t, queuedURL), queuedURL, 0, PriorityNormal, nil, nil,
		func(img *cacheimage.CachedImage, err error) { t.Error("queued subscriber must not be notified after cancelling") })

	time.Sleep(20 * time.Millisecond) // let the queued request reach acquireWorker
	h.Cancel()

	close(release)
	<-blockerDone

	// Give the queued fetch, if it wrongly started, time to hit the server.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "a fetch cancelled while queued must never reach the server")
}

func TestDownloaderLowPriorityYieldsToNormal(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("d"))
	}))
	defer srv.Close()
	defer close(release)

	d := New(cacheimage.StubDecoder{}, nil, 1)

	blockerDone := make(chan struct{})
	d.Download(newGetReq(t, srv.URL+"/blocker"), srv.URL+"/blocker", 0, PriorityNormal, nil, nil,
		func(img *cacheimage.CachedImage, err error) { close(blockerDone) })
	time.Sleep(20 * time.Millisecond)

	var order []string
	var orderMu sync.Mutex
	record := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}

	lowDone := make(chan struct{})
	d.Download(newGetReq(t, srv.URL+"/low"), srv.URL+"/low", 0, PriorityLow, nil, nil,
		func(img *cacheimage.CachedImage, err error) { record("low"); close(lowDone) })
	time.Sleep(10 * time.Millisecond)

	normalDone := make(chan struct{})
	d.Download(newGetReq(t, srv.URL+"/normal"), srv.URL+"/normal", 0, PriorityNormal, nil, nil,
		func(img *cacheimage.CachedImage, err error) { record("normal"); close(normalDone) })

	close(release)
	<-blockerDone
	<-lowDone
	<-normalDone

	require.Equal(t, []string{"normal", "low"}, order, "a PriorityNormal request queued after a PriorityLow one must be served first")
}

func TestDownloaderNetworkFailurePropagatesToAllSubscribers(t *testing.T) {
	d := New(cacheimage.StubDecoder{}, nil, 2)
	url := "http://127.0.0.1:1/unreachable"

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan error, 1)
			d.Download(newGetReq(t, url), url, 0, PriorityNormal, nil, nil, func(img *cacheimage.CachedImage, err error) { done <- err })
			err := <-done
			assert.ErrorIs(t, err, cacheerr.ErrNetworkFailure)
		}()
	}
	wg.Wait()
}

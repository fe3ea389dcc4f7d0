package asset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/edgeforge-io/edgeforge/internal/metrics"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
)

func newTestResolver(t *testing.T, opts ...Option) *Resolver {
	t.Helper()
	r, err := NewResolver(t.TempDir(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestResolveLocalPath(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "firmware.img")
	if err := os.WriteFile(local, []byte("image"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A failing client proves local resolution never touches the
	// network.
	r := newTestResolver(t, WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			t.Fatal("local resolve performed a network request")
			return nil, nil
		}),
	}))

	got, err := r.Resolve(context.Background(), local, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != local {
		t.Errorf("Resolve = %q, want %q unchanged", got, local)
	}

	if _, err := r.Resolve(context.Background(), filepath.Join(dir, "absent.img"), ""); !errors.IsKind(err, errors.NotFound) {
		t.Errorf("missing local asset kind = %v, want not found", errors.KindOf(err))
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestResolveDownloadsOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		w.Write([]byte("model-bytes"))
	}))
	defer srv.Close()

	r := newTestResolver(t)
	ref := srv.URL + "/person.tflite"

	const callers = 8
	paths := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Resolve(context.Background(), ref, "")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want exactly 1", got)
	}
	for _, p := range paths[1:] {
		if p != paths[0] {
			t.Errorf("callers got different paths: %q vs %q", p, paths[0])
		}
	}
	data, err := os.ReadFile(paths[0])
	if err != nil || string(data) != "model-bytes" {
		t.Errorf("cached content = %q, %v", data, err)
	}

	// Second resolve is a cache hit.
	if _, err := r.Resolve(context.Background(), ref, ""); err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("cache hit still reached the server (%d hits)", got)
	}
}

func TestResolveChecksum(t *testing.T) {
	body := []byte("firmware-image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	sum := sha256.Sum256(body)
	good := "sha256:" + hex.EncodeToString(sum[:])

	r := newTestResolver(t)
	if _, err := r.Resolve(context.Background(), srv.URL+"/fw.img", good); err != nil {
		t.Fatalf("Resolve with matching checksum: %v", err)
	}

	r2 := newTestResolver(t)
	_, err := r2.Resolve(context.Background(), srv.URL+"/fw.img", "sha256:"+hex.EncodeToString(make([]byte, 32)))
	if !errors.IsKind(err, errors.ChecksumMismatch) {
		t.Fatalf("error kind = %v, want checksum mismatch", errors.KindOf(err))
	}
	// A rejected download must not enter the cache.
	entries, _ := os.ReadDir(r2.cacheDir)
	if len(entries) != 0 {
		t.Errorf("cache holds %d entries after rejected download", len(entries))
	}
}

func TestResolveRetriesTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r := newTestResolver(t, WithMaxAttempts(2))
	r.retryDelay = time.Millisecond
	if _, err := r.Resolve(context.Background(), srv.URL+"/fw.img", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hit %d times, want 2", hits.Load())
	}
}

func TestResolveDownloadFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestResolver(t, WithMaxAttempts(1))
	_, err := r.Resolve(context.Background(), srv.URL+"/gone.img", "")
	if !errors.IsKind(err, errors.DownloadFailed) {
		t.Fatalf("error kind = %v, want download failed", errors.KindOf(err))
	}
}

func TestResolveS3WithoutStore(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve(context.Background(), "s3://assets/fw.img", "")
	if !errors.IsKind(err, errors.Precondition) {
		t.Fatalf("error kind = %v, want precondition", errors.KindOf(err))
	}
}

func downloadCount(outcome string) float64 {
	return testutil.ToFloat64(metrics.AssetDownloadsTotal.WithLabelValues(outcome))
}

func TestResolveCountsDownloadOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/gone.img" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	downloaded := downloadCount("downloaded")
	hit := downloadCount("hit")
	failed := downloadCount("failed")

	r := newTestResolver(t, WithMaxAttempts(1))
	if _, err := r.Resolve(context.Background(), srv.URL+"/fw.img", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := r.Resolve(context.Background(), srv.URL+"/fw.img", ""); err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
	if _, err := r.Resolve(context.Background(), srv.URL+"/gone.img", ""); err == nil {
		t.Fatal("Resolve of missing asset succeeded")
	}

	if got := downloadCount("downloaded") - downloaded; got != 1 {
		t.Errorf("downloaded counter grew by %v, want 1", got)
	}
	if got := downloadCount("hit") - hit; got != 1 {
		t.Errorf("hit counter grew by %v, want 1", got)
	}
	if got := downloadCount("failed") - failed; got != 1 {
		t.Errorf("failed counter grew by %v, want 1", got)
	}
}

func TestResolveSharedDownloadSurvivesCallerCancel(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		<-release
		w.Write([]byte("shared-bytes"))
	}))
	defer srv.Close()

	r := newTestResolver(t)
	ref := srv.URL + "/shared.img"

	ctx1, cancel1 := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx1, ref, "")
		firstErr <- err
	}()
	<-started

	secondPath := make(chan string, 1)
	secondErr := make(chan error, 1)
	go func() {
		p, err := r.Resolve(context.Background(), ref, "")
		secondPath <- p
		secondErr <- err
	}()

	// The first caller bails on its own cancellation without taking the
	// in-flight download down with it.
	cancel1()
	if err := <-firstErr; !errors.IsKind(err, errors.Aborted) {
		t.Fatalf("cancelled caller error kind = %v, want aborted", errors.KindOf(err))
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Fatalf("surviving caller Resolve: %v", err)
	}
	data, err := os.ReadFile(<-secondPath)
	if err != nil || string(data) != "shared-bytes" {
		t.Errorf("cached content = %q, %v", data, err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want exactly 1", got)
	}
}

func TestEvict(t *testing.T) {
	r := newTestResolver(t)
	old := filepath.Join(r.cacheDir, "stale.img")
	fresh := filepath.Join(r.cacheDir, "fresh.img")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	removed, err := r.Evict(24 * time.Hour)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d entries, want 1", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh entry was evicted")
	}
	if _, err := os.Stat(old); err == nil {
		t.Error("stale entry survived eviction")
	}
}

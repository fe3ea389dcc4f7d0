// Package asset materializes payload references: local paths pass
// through untouched, remote URLs are downloaded once into a shared
// content-addressed cache, and s3:// references are resolved through
// an object store into the same download path.
package asset

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/singleflight"

	"github.com/edgeforge-io/edgeforge/internal/metrics"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

const (
	defaultMaxAttempts = 3
	presignExpiry      = 15 * time.Minute
)

// Resolver resolves payload references to local files. Safe for
// concurrent use; concurrent requests for the same URL share one
// in-flight download.
type Resolver struct {
	log      log.Logger
	cacheDir string
	client   *http.Client
	s3       *minio.Client
	attempts int

	// retryDelay scales the backoff between download attempts.
	retryDelay time.Duration

	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient replaces the download client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithS3 enables s3:// references through the given object store.
func WithS3(c *minio.Client) Option {
	return func(r *Resolver) { r.s3 = c }
}

// WithMaxAttempts bounds download retries.
func WithMaxAttempts(n int) Option {
	return func(r *Resolver) { r.attempts = n }
}

func NewResolver(cacheDir string, opts ...Option) (*Resolver, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.PermissionDenied, "create cache dir", err)
	}
	r := &Resolver{
		log:        log.WithName("asset.resolver"),
		cacheDir:   cacheDir,
		client:     &http.Client{Timeout: 10 * time.Minute},
		attempts:   defaultMaxAttempts,
		retryDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns a local path for ref. Local paths are returned
// unchanged after an existence check and never touch the network.
// checksum, when non-empty, is "sha256:<hex>" or "md5:<hex>" and is
// verified before a download enters the cache.
func (r *Resolver) Resolve(ctx context.Context, ref, checksum string) (string, error) {
	if !isRemote(ref) {
		if _, err := os.Stat(ref); err != nil {
			return "", errors.Wrap(errors.NotFound, "local asset", err)
		}
		return ref, nil
	}

	cached := r.cachePath(ref)
	if _, err := os.Stat(cached); err == nil {
		metrics.AssetDownloadsTotal.WithLabelValues("hit").Inc()
		return cached, nil
	}

	// One download per reference regardless of how many steps want it.
	// The shared fetch runs detached from any single caller's context so
	// that one aborted run cannot fail the waiters; each caller still
	// bails on its own cancellation.
	ch := r.group.DoChan(ref, func() (interface{}, error) {
		dctx := context.WithoutCancel(ctx)
		// A concurrent caller may have just finished.
		if _, err := os.Stat(cached); err == nil {
			metrics.AssetDownloadsTotal.WithLabelValues("hit").Inc()
			return cached, nil
		}
		u, err := r.downloadURL(dctx, ref)
		if err != nil {
			metrics.AssetDownloadsTotal.WithLabelValues("failed").Inc()
			return "", err
		}
		if err := r.download(dctx, u, cached, checksum); err != nil {
			metrics.AssetDownloadsTotal.WithLabelValues("failed").Inc()
			return "", err
		}
		metrics.AssetDownloadsTotal.WithLabelValues("downloaded").Inc()
		return cached, nil
	})

	select {
	case <-ctx.Done():
		return "", errors.Wrap(errors.Aborted, "resolve asset", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") ||
		strings.HasPrefix(ref, "https://") ||
		strings.HasPrefix(ref, "s3://")
}

// cachePath keys the cache by reference hash, keeping the original
// extension so file types stay recognizable.
func (r *Resolver) cachePath(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	name := hex.EncodeToString(sum[:16])
	if ext := filepath.Ext(refBase(ref)); ext != "" && len(ext) <= 8 {
		name += ext
	}
	return filepath.Join(r.cacheDir, name)
}

func refBase(ref string) string {
	if u, err := url.Parse(ref); err == nil {
		return filepath.Base(u.Path)
	}
	return filepath.Base(ref)
}

// downloadURL maps an s3:// reference to a presigned URL; anything
// else is already fetchable.
func (r *Resolver) downloadURL(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "s3://") {
		return ref, nil
	}
	if r.s3 == nil {
		return "", errors.New(errors.Precondition, "s3 reference %q but no object store configured", ref)
	}
	trimmed := strings.TrimPrefix(ref, "s3://")
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", errors.New(errors.Precondition, "malformed s3 reference %q", ref)
	}
	u, err := r.s3.PresignedGetObject(ctx, bucket, key, presignExpiry, nil)
	if err != nil {
		return "", errors.Wrap(errors.DownloadFailed, "presign object", err)
	}
	return u.String(), nil
}

// download fetches u into dest via a temp file and an atomic rename,
// retrying transient failures with a growing delay.
func (r *Resolver) download(ctx context.Context, u, dest, checksum string) error {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt) * r.retryDelay
			r.log.Warn("retrying download", "url", u, "attempt", attempt, "delay", delay.String())
			select {
			case <-ctx.Done():
				return errors.Wrap(errors.Aborted, "download", ctx.Err())
			case <-time.After(delay):
			}
		}
		lastErr = r.fetchOnce(ctx, u, dest, checksum)
		if lastErr == nil {
			return nil
		}
		if !errors.KindOf(lastErr).Retryable() && !errors.IsKind(lastErr, errors.DownloadFailed) {
			return lastErr
		}
	}
	return lastErr
}

func (r *Resolver) fetchOnce(ctx context.Context, u, dest, checksum string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(errors.DownloadFailed, "build request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(errors.Aborted, "download", ctx.Err())
		}
		return errors.Wrap(errors.DownloadFailed, "fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.DownloadFailed, "fetch %s: status %d", u, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(r.cacheDir, ".download-*")
	if err != nil {
		return errors.Wrap(errors.PermissionDenied, "temp file", err)
	}
	defer os.Remove(tmp.Name())

	verifier, wantSum, err := checksumVerifier(checksum)
	if err != nil {
		tmp.Close()
		return err
	}

	var w io.Writer = tmp
	if verifier != nil {
		w = io.MultiWriter(tmp, verifier)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		tmp.Close()
		if ctx.Err() != nil {
			return errors.Wrap(errors.Aborted, "download", ctx.Err())
		}
		return errors.Wrap(errors.DownloadFailed, "copy body", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(errors.DownloadFailed, "close temp file", err)
	}

	if verifier != nil {
		got := hex.EncodeToString(verifier.Sum(nil))
		if !strings.EqualFold(got, wantSum) {
			return errors.New(errors.ChecksumMismatch, "asset checksum %s, expected %s", got, wantSum)
		}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return errors.Wrap(errors.PermissionDenied, "cache asset", err)
	}
	r.log.Info("asset cached", "url", u, "path", dest)
	return nil
}

func checksumVerifier(checksum string) (hash.Hash, string, error) {
	if checksum == "" {
		return nil, "", nil
	}
	algo, sum, ok := strings.Cut(checksum, ":")
	if !ok {
		return nil, "", errors.New(errors.Precondition, "malformed checksum %q", checksum)
	}
	switch algo {
	case "sha256":
		return sha256.New(), sum, nil
	case "md5":
		return md5.New(), sum, nil
	}
	return nil, "", errors.New(errors.Precondition, "unsupported checksum algorithm %q", algo)
}

// Evict removes cached assets older than maxAge. It is an explicit
// maintenance operation and must never run during a deployment.
func (r *Resolver) Evict(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(r.cacheDir)
	if err != nil {
		return 0, errors.Wrap(errors.NotFound, "read cache dir", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".download-") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.cacheDir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		r.log.Info("cache evicted", "removed", removed, "older_than", fmt.Sprint(maxAge))
	}
	return removed, nil
}

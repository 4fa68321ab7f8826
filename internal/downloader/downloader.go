package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/pakfetch/internal/metrics"
	"github.com/ligustah/pakfetch/internal/progress"
	"github.com/ligustah/pakfetch/pkg/sharded"
	"github.com/ligustah/pakfetch/pkg/vpk"
)

// ErrUndeclaredShard is returned for shards the manifest does not list.
var ErrUndeclaredShard = errors.New("downloader: shard not declared in manifest")

// Source downloads whole shards.
type Source interface {
	GetShard(ctx context.Context, containerBase string, index int) ([]byte, error)
}

// Catalog provides the expected size and digest of shards.
type Catalog interface {
	ShardInfo(ref vpk.ShardRef) (sharded.ShardInfo, bool)
}

// Options configures the downloader.
type Options struct {
	// Workers is the number of parallel fetches in FetchAll.
	// Default: 4
	Workers int

	// RetryAttempts is the maximum number of retries after the first attempt.
	// Negative disables retries.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// MaxConsecutiveFailures is the number of consecutive shard failures
	// before the circuit breaker trips and stops FetchAll.
	// Default: 10
	MaxConsecutiveFailures int

	// IsRetryable decides whether a download error is worth retrying.
	// Missing shards and context errors are never retried.
	IsRetryable func(error) bool

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// ShardDownloadError is returned when a shard could not be downloaded and
// verified within the allowed attempts.
type ShardDownloadError struct {
	Shard    vpk.ShardRef
	Attempts int
	Err      error
}

func (e *ShardDownloadError) Error() string {
	return fmt.Sprintf("download %s failed after %d attempts: %v", e.Shard.Name(), e.Attempts, e.Err)
}

func (e *ShardDownloadError) Unwrap() error {
	return e.Err
}

// FailedShard records information about a shard that failed to download.
type FailedShard struct {
	Shard vpk.ShardRef // Shard reference
	Error error        // The error that occurred
}

// CircuitBreakerError is returned when too many consecutive failures occur.
// It contains details about the failures that triggered the circuit breaker.
//
// This error is returned when:
//   - MaxConsecutiveFailures consecutive shard fetches fail
//   - The circuit breaker threshold is exceeded
//
// Use errors.As to extract this error and inspect FailedShards for details.
// The individual failures are also reachable through errors.As.
type CircuitBreakerError struct {
	ConsecutiveFailures int           // Number of consecutive failures
	FailedShards        []FailedShard // Details of failed shards
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive failures", e.ConsecutiveFailures)
}

func (e *CircuitBreakerError) Unwrap() []error {
	errs := make([]error, len(e.FailedShards))
	for i, f := range e.FailedShards {
		errs[i] = f.Error
	}
	return errs
}

// Result describes a shard that is available in the cache.
type Result struct {
	Ref    vpk.ShardRef
	Cached bool // served from the cache without a download
	Size   int64
}

// Stats counts fetch outcomes over the lifetime of a Fetcher.
type Stats struct {
	Downloaded int
	Cached     int
	Failed     int
	Retries    int
	Bytes      int64
}

// Fetcher downloads shards into a cache.
type Fetcher struct {
	source  Source
	cache   *sharded.Cache
	catalog Catalog
	opts    Options

	mu    sync.Mutex
	stats Stats
}

// New returns a Fetcher. Zero option values select defaults.
func New(source Source, cache *sharded.Cache, catalog Catalog, opts Options) *Fetcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	} else if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = 30 * time.Second
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 10
	}
	return &Fetcher{source: source, cache: cache, catalog: catalog, opts: opts}
}

// Stats returns a snapshot of the fetch counters.
func (f *Fetcher) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Fetch makes ref available in the cache. A valid cached copy is used as is;
// an invalid one is evicted and downloaded again.
func (f *Fetcher) Fetch(ctx context.Context, ref vpk.ShardRef) (*Result, error) {
	logger := log.G(ctx).WithField("shard", ref.Name())

	info, ok := f.catalog.ShardInfo(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndeclaredShard, ref.Name())
	}

	status, err := f.cache.Check(ctx, ref, info)
	if err != nil {
		return nil, fmt.Errorf("downloader: check cache: %w", err)
	}
	switch status {
	case sharded.StatusValid:
		logger.Debug("using cached shard")
		f.record(func(s *Stats) { s.Cached++ })
		f.opts.Metrics.ShardFetched(metrics.ResultCached, info.Size, 0)
		if f.opts.Progress != nil {
			f.opts.Progress.Cached(ref, info.Size)
		}
		return &Result{Ref: ref, Cached: true, Size: info.Size}, nil
	case sharded.StatusSizeMismatch, sharded.StatusDigestMismatch:
		logger.WithField("status", status.String()).Warn("evicting invalid cached shard")
		f.opts.Metrics.ShardEvicted(status.String())
		if err := f.cache.Evict(ctx, ref); err != nil {
			return nil, fmt.Errorf("downloader: %w", err)
		}
	}

	if f.opts.Progress != nil {
		f.opts.Progress.Started(ref)
	}
	start := time.Now()

	attempts, err := f.download(ctx, ref, info)
	if err != nil {
		if f.opts.Progress != nil {
			f.opts.Progress.Failed(ref)
		}
		f.record(func(s *Stats) { s.Failed++ })
		f.opts.Metrics.ShardFetched(metrics.ResultFailed, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ShardDownloadError{Shard: ref, Attempts: attempts, Err: err}
	}

	if f.opts.Progress != nil {
		f.opts.Progress.Downloaded(ref, info.Size)
	}
	f.record(func(s *Stats) {
		s.Downloaded++
		s.Bytes += info.Size
	})
	f.opts.Metrics.ShardFetched(metrics.ResultDownloaded, info.Size, time.Since(start))
	logger.WithField("attempts", attempts).Debug("downloaded shard")

	return &Result{Ref: ref, Size: info.Size}, nil
}

// download retrieves, verifies and publishes ref. It returns the number of
// attempts made.
func (f *Fetcher) download(ctx context.Context, ref vpk.ShardRef, info sharded.ShardInfo) (int, error) {
	var lastErr error

	for attempt := 0; attempt <= f.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			f.record(func(s *Stats) { s.Retries++ })
			f.opts.Metrics.ShardRetried()
			log.G(ctx).WithFields(log.Fields{
				"shard":   ref.Name(),
				"attempt": attempt + 1,
			}).WithError(lastErr).Info("retrying shard download")

			if err := f.backoff(ctx, attempt); err != nil {
				return attempt, err
			}
		}

		data, err := f.source.GetShard(ctx, ref.Base, ref.Index)
		if err != nil {
			lastErr = err
			if !f.retryable(ctx, err) {
				return attempt + 1, err
			}
			continue
		}

		// Corruption in transit is worth another attempt.
		if err := info.Verify(data); err != nil {
			lastErr = err
			continue
		}

		if err := f.cache.Publish(ctx, ref, info, data); err != nil {
			return attempt + 1, err
		}
		return attempt + 1, nil
	}

	return f.opts.RetryAttempts + 1, lastErr
}

func (f *Fetcher) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if f.opts.IsRetryable != nil {
		return f.opts.IsRetryable(err)
	}
	return true
}

// backoff waits for an exponentially increasing duration with jitter.
func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	backoff := f.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > f.opts.RetryMaxBackoff {
		backoff = f.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	timer := time.NewTimer(jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *Fetcher) record(fn func(*Stats)) {
	f.mu.Lock()
	fn(&f.stats)
	f.mu.Unlock()
}

// FetchAll fetches refs with at most Workers fetches in flight. Results are
// returned in the order of refs. All shards are attempted unless the circuit
// breaker trips; individual failures are joined into the returned error.
func (f *Fetcher) FetchAll(ctx context.Context, refs []vpk.ShardRef) ([]*Result, error) {
	var (
		cbMu                  sync.Mutex
		consecutiveFailures   int
		failedShards          []FailedShard
		circuitBreakerTripped bool
	)

	cbCtx, cbCancel := context.WithCancel(ctx)
	defer cbCancel()

	results := make([]*Result, len(refs))

	g, gctx := errgroup.WithContext(cbCtx)
	g.SetLimit(f.opts.Workers)

	for i, ref := range refs {
		i, ref := i, ref
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := f.Fetch(gctx, ref)

			cbMu.Lock()
			defer cbMu.Unlock()
			if err != nil {
				if circuitBreakerTripped {
					return nil
				}
				consecutiveFailures++
				failedShards = append(failedShards, FailedShard{Shard: ref, Error: err})
				if consecutiveFailures >= f.opts.MaxConsecutiveFailures {
					circuitBreakerTripped = true
					cbCancel() // Stop all workers
				}
				return nil
			}
			consecutiveFailures = 0 // Reset on success
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cbMu.Lock()
	defer cbMu.Unlock()

	if circuitBreakerTripped {
		return nil, &CircuitBreakerError{
			ConsecutiveFailures: consecutiveFailures,
			FailedShards:        sortFailed(failedShards),
		}
	}
	if len(failedShards) > 0 {
		failed := sortFailed(failedShards)
		errs := make([]error, len(failed))
		for i, failure := range failed {
			errs[i] = failure.Error
		}
		return nil, errors.Join(errs...)
	}
	return results, nil
}

func sortFailed(failed []FailedShard) []FailedShard {
	out := slices.Clone(failed)
	slices.SortFunc(out, func(a, b FailedShard) int { return a.Shard.Index - b.Shard.Index })
	return out
}

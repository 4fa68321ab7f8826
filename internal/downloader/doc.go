// Package downloader fetches VPK archive shards into the local shard cache.
//
// This package coordinates between a session (which downloads whole shards)
// and sharded.Cache (which stores verified shards). A shard that is already
// cached and matches the manifest is never downloaded again.
//
// # Usage
//
//	f := downloader.New(session, cache, manifest, downloader.Options{
//	    Workers:  4,
//	    Progress: reporter,
//	})
//
//	results, err := f.FetchAll(ctx, refs)
//
// # Retries
//
// Transient failures are retried with exponential backoff and jitter. Errors
// that cannot improve on retry (a shard the CDN does not have, rejected
// credentials, a cancelled context) fail immediately. A shard that exhausts
// its attempts is reported as a *ShardDownloadError.
//
// # Worker Pool
//
// FetchAll runs at most Workers fetches at a time. Every shard is attempted
// unless MaxConsecutiveFailures fetches fail in a row, in which case the
// circuit breaker cancels the remaining work and a *CircuitBreakerError is
// returned.
package downloader

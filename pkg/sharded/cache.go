package sharded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/opencontainers/go-digest"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

var (
	// ErrSizeMismatch is returned when shard bytes do not have the declared size.
	ErrSizeMismatch = errors.New("sharded: size mismatch")

	// ErrDigestMismatch is returned when shard bytes do not hash to the declared digest.
	ErrDigestMismatch = errors.New("sharded: digest mismatch")
)

// ShardInfo is the expected metadata of a shard, as declared by the manifest.
// Digest is optional.
type ShardInfo struct {
	Size   int64
	Digest digest.Digest
}

// Verify checks data against the declared size and, when present, digest.
func (i ShardInfo) Verify(data []byte) error {
	if int64(len(data)) != i.Size {
		return fmt.Errorf("%w: expected %d, got %d", ErrSizeMismatch, i.Size, len(data))
	}
	if i.Digest == "" {
		return nil
	}
	if err := i.Digest.Validate(); err != nil {
		return fmt.Errorf("sharded: declared digest %q: %w", i.Digest, err)
	}
	v := i.Digest.Verifier()
	v.Write(data)
	if !v.Verified() {
		actual := i.Digest.Algorithm().FromBytes(data)
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, i.Digest, actual)
	}
	return nil
}

// Status describes the state of a cached shard relative to its ShardInfo.
type Status int

const (
	// StatusMissing means the shard is not in the cache.
	StatusMissing Status = iota
	// StatusValid means the cached shard matches size and digest.
	StatusValid
	// StatusSizeMismatch means the cached shard has the wrong size.
	StatusSizeMismatch
	// StatusDigestMismatch means the cached shard has the right size but wrong contents.
	StatusDigestMismatch
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusValid:
		return "valid"
	case StatusSizeMismatch:
		return "size mismatch"
	case StatusDigestMismatch:
		return "digest mismatch"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Cache stores downloaded shards in a bucket, one object per shard.
//
// Objects are keyed {prefix}/{shard name}. A shard is only ever published
// after its bytes have been verified, and blob writers commit atomically on
// close, so a cache object is never a partial download.
type Cache struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
}

// NewCache returns a Cache over an existing bucket handle. The caller keeps
// ownership of the bucket.
func NewCache(bucket *blob.Bucket, prefix string) *Cache {
	return &Cache{bucket: bucket, prefix: prefix}
}

// OpenCache opens the bucket at bucketURL (file://, mem://, s3://, gs://).
// The caller must call Close when done.
func OpenCache(ctx context.Context, bucketURL, prefix string) (*Cache, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("sharded: open bucket: %w", err)
	}
	return &Cache{bucket: bucket, prefix: prefix, owned: true}, nil
}

// Key returns the object key of ref.
func (c *Cache) Key(ref vpk.ShardRef) string {
	return path.Join(c.prefix, ref.Name())
}

// Prefix returns the key prefix of the cache.
func (c *Cache) Prefix() string {
	return c.prefix
}

// Check reports whether the cached copy of ref matches info. Digests are only
// computed when the size already matches.
func (c *Cache) Check(ctx context.Context, ref vpk.ShardRef, info ShardInfo) (Status, error) {
	key := c.Key(ref)
	attrs, err := c.bucket.Attributes(ctx, key)
	if err != nil {
		if isNotExist(err) {
			return StatusMissing, nil
		}
		return StatusMissing, fmt.Errorf("sharded: stat %s: %w", key, err)
	}
	if attrs.Size != info.Size {
		return StatusSizeMismatch, nil
	}
	if info.Digest == "" {
		return StatusValid, nil
	}

	data, err := c.bucket.ReadAll(ctx, key)
	if err != nil {
		return StatusMissing, fmt.Errorf("sharded: read %s: %w", key, err)
	}
	if err := info.Verify(data); err != nil {
		if errors.Is(err, ErrDigestMismatch) || errors.Is(err, ErrSizeMismatch) {
			return StatusDigestMismatch, nil
		}
		return StatusMissing, err
	}
	return StatusValid, nil
}

// Publish verifies data against info and stores it as ref. Nothing is
// written when verification fails.
func (c *Cache) Publish(ctx context.Context, ref vpk.ShardRef, info ShardInfo, data []byte) error {
	if err := info.Verify(data); err != nil {
		return fmt.Errorf("sharded: publish %s: %w", ref.Name(), err)
	}
	opts := &blob.WriterOptions{ContentType: "application/octet-stream"}
	if err := c.bucket.WriteAll(ctx, c.Key(ref), data, opts); err != nil {
		return fmt.Errorf("sharded: write %s: %w", ref.Name(), err)
	}
	return nil
}

// Evict removes ref from the cache. Evicting a missing shard is not an error.
func (c *Cache) Evict(ctx context.Context, ref vpk.ShardRef) error {
	if err := c.bucket.Delete(ctx, c.Key(ref)); err != nil && !isNotExist(err) {
		return fmt.Errorf("sharded: delete %s: %w", ref.Name(), err)
	}
	return nil
}

// ReadAll returns the cached bytes of ref.
func (c *Cache) ReadAll(ctx context.Context, ref vpk.ShardRef) ([]byte, error) {
	data, err := c.bucket.ReadAll(ctx, c.Key(ref))
	if err != nil {
		return nil, shardError(ref, err)
	}
	return data, nil
}

// ReadRange reads length bytes at offset from the cached shard. It satisfies
// vpk.ShardSource; a shard that is not cached is reported as
// "open <shard name>: file does not exist".
func (c *Cache) ReadRange(ctx context.Context, ref vpk.ShardRef, offset, length int64) ([]byte, error) {
	r, err := c.bucket.NewRangeReader(ctx, c.Key(ref), offset, length, nil)
	if err != nil {
		return nil, shardError(ref, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("sharded: read %s: %w", ref.Name(), err)
	}
	return data, nil
}

// Close releases the bucket if the cache opened it.
func (c *Cache) Close() error {
	if !c.owned {
		return nil
	}
	return c.bucket.Close()
}

func shardError(ref vpk.ShardRef, err error) error {
	if isNotExist(err) {
		return &fs.PathError{Op: "open", Path: ref.Name(), Err: fs.ErrNotExist}
	}
	return fmt.Errorf("sharded: open %s: %w", ref.Name(), err)
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

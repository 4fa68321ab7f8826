package sharded

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

// DeleteShards removes the given shards from the cache. Shards that are not
// cached are skipped. It returns the number of objects actually deleted.
//
// Returns an error if:
//   - A shard cannot be deleted (permission denied, network error)
//   - The context is cancelled (context.Canceled or context.DeadlineExceeded)
func DeleteShards(ctx context.Context, cache *Cache, refs []vpk.ShardRef) (int, error) {
	var deleted int
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		err := cache.bucket.Delete(ctx, cache.Key(ref))
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return deleted, fmt.Errorf("sharded: delete %s: %w", ref.Name(), err)
		}
		deleted++
	}
	return deleted, nil
}

// Purge removes every shard object under the cache prefix, including objects
// left by other containers. Keys that do not parse as shard names are kept.
// It returns the shards that were deleted.
//
// Returns an error if:
//   - The prefix cannot be listed (network/permission error)
//   - An object cannot be deleted (permission denied, network error)
//   - The context is cancelled (context.Canceled or context.DeadlineExceeded)
func Purge(ctx context.Context, cache *Cache) ([]vpk.ShardRef, error) {
	prefix := cache.prefix
	if prefix != "" {
		prefix += "/"
	}

	var refs []vpk.ShardRef
	iter := cache.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sharded: list %q: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		ref, err := vpk.ParseShardName(obj.Key)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}

	if _, err := DeleteShards(ctx, cache, refs); err != nil {
		return nil, err
	}
	return refs, nil
}

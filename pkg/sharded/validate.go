package sharded

import (
	"context"
	"fmt"
	"slices"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

// ValidationResult contains the results of validating cached shards.
type ValidationResult struct {
	Valid            bool           // true if all shards exist with matching size and digest
	TotalSize        int64          // total size declared for the checked shards
	ShardCount       int            // number of shards checked
	MissingShards    int            // number of shards not in the cache
	SizeMismatches   int            // number of shards with wrong size
	DigestMismatches int            // number of shards with wrong contents
	Invalid          []vpk.ShardRef // shards that are missing or mismatched, in name order
	Errors           []string       // detailed error messages
}

// Validate checks the cached copy of every shard in shards against its
// declared size and digest. Nothing is downloaded.
//
// Returns an error if:
//   - Cannot access object store to check shard attributes (network/permission error)
//   - The context is cancelled (context.Canceled or context.DeadlineExceeded)
//
// Note: Missing shards or mismatches are NOT returned as errors.
// Instead, they are reported in the ValidationResult with Valid=false.
func Validate(ctx context.Context, cache *Cache, shards map[vpk.ShardRef]ShardInfo) (*ValidationResult, error) {
	refs := sortedRefs(shards)

	result := &ValidationResult{
		Valid:      true,
		ShardCount: len(refs),
		Errors:     make([]string, 0),
	}

	for _, ref := range refs {
		info := shards[ref]
		result.TotalSize += info.Size

		status, err := cache.Check(ctx, ref, info)
		if err != nil {
			return nil, fmt.Errorf("sharded: check %s: %w", ref.Name(), err)
		}

		switch status {
		case StatusValid:
			continue
		case StatusMissing:
			result.MissingShards++
			result.Errors = append(result.Errors, fmt.Sprintf("%s missing: %s", ref.Name(), cache.Key(ref)))
		case StatusSizeMismatch:
			result.SizeMismatches++
			result.Errors = append(result.Errors, fmt.Sprintf("%s size mismatch: expected %d", ref.Name(), info.Size))
		case StatusDigestMismatch:
			result.DigestMismatches++
			result.Errors = append(result.Errors, fmt.Sprintf("%s digest mismatch: expected %s", ref.Name(), info.Digest))
		}
		result.Valid = false
		result.Invalid = append(result.Invalid, ref)
	}

	return result, nil
}

func sortedRefs(shards map[vpk.ShardRef]ShardInfo) []vpk.ShardRef {
	refs := make([]vpk.ShardRef, 0, len(shards))
	for ref := range shards {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, func(a, b vpk.ShardRef) int {
		if a.Base != b.Base {
			if a.Base < b.Base {
				return -1
			}
			return 1
		}
		return a.Index - b.Index
	})
	return refs
}

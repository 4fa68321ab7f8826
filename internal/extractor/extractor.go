// Package extractor reads requested entries out of a VPK archive.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"

	"github.com/containerd/log"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

// MissingShardForEntryError is returned when an entry lives in a shard that
// is not available locally.
type MissingShardForEntryError struct {
	Path  string
	Shard vpk.ShardRef
}

func (e *MissingShardForEntryError) Error() string {
	return fmt.Sprintf("extractor: %s: shard %s is not available", e.Path, e.Shard.Name())
}

// Extract reads every path from archive and returns their contents keyed by
// path. available lists the shard indices present in the archive's source.
//
// Extraction is all-or-nothing: either every entry is returned or an error.
// An entry whose shard is not in available fails with a
// *MissingShardForEntryError before anything is read.
func Extract(ctx context.Context, archive *vpk.Archive, paths []string, available []int) (map[string][]byte, error) {
	have := slices.Clone(available)
	slices.Sort(have)

	for _, p := range paths {
		ref, err := archive.ShardFor(p)
		if err != nil {
			return nil, fmt.Errorf("extractor: %w", err)
		}
		if ref.IsDir() {
			continue
		}
		if _, ok := slices.BinarySearch(have, ref.Index); !ok {
			return nil, &MissingShardForEntryError{Path: p, Shard: ref}
		}
	}

	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := archive.ReadFile(ctx, p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				ref, _ := archive.ShardFor(p)
				return nil, &MissingShardForEntryError{Path: p, Shard: ref}
			}
			return nil, fmt.Errorf("extractor: %w", err)
		}
		log.G(ctx).WithField("path", p).WithField("size", len(data)).Debug("extracted entry")
		out[p] = data
	}
	return out, nil
}

package resolver

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strconv"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

// Validator checks whether the targets are readable from a subset of shards.
//
// ValidatePartial returns the shard indices reported missing, or nil when
// every target was read. An error is returned for failures that name no
// missing shard.
type Validator interface {
	ValidatePartial(ctx context.Context, available []int) ([]int, error)
}

// ArchiveValidator validates by reading the targets out of a VPK archive
// whose shard source is restricted to the available indices.
type ArchiveValidator struct {
	Base      string
	Directory *vpk.Directory
	Source    vpk.ShardSource
	Targets   []string
}

func (v *ArchiveValidator) ValidatePartial(ctx context.Context, available []int) ([]int, error) {
	archive := vpk.Open(v.Base, v.Directory, vpk.Limit(v.Source, available))

	var errs []error
	for _, target := range v.Targets {
		if _, err := archive.ReadFile(ctx, target); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil, nil
	}

	err := errors.Join(errs...)
	if missing := ParseMissing(v.Base, err); len(missing) > 0 {
		return missing, nil
	}
	return nil, err
}

// ParseMissing extracts the archive indices named in "<base>_NNN.vpk" tokens
// of err's message. The result is sorted and free of duplicates.
func ParseMissing(base string, err error) []int {
	if err == nil {
		return nil
	}
	re := regexp.MustCompile(regexp.QuoteMeta(base) + `_(\d+)\.` + vpk.Ext)

	var out []int
	for _, m := range re.FindAllStringSubmatch(err.Error(), -1) {
		idx, convErr := strconv.Atoi(m[1])
		if convErr != nil || idx >= vpk.DirIndex {
			continue
		}
		out = append(out, idx)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

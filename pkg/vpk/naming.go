package vpk

import (
	"fmt"
	"strconv"
	"strings"
)

// Ext is the file extension used by directory files and archive shards.
const Ext = "vpk"

// DirIndex is the archive index that refers to the directory file itself.
const DirIndex = 0x7fff

// ShardRef identifies one physical file of a container.
type ShardRef struct {
	Base  string // container base name, e.g. "pak01"
	Index int    // archive index, or DirIndex for the directory file
}

// DirRef returns the reference to the directory file of the container base.
func DirRef(base string) ShardRef {
	return ShardRef{Base: base, Index: DirIndex}
}

// IsDir reports whether r refers to the directory file.
func (r ShardRef) IsDir() bool {
	return r.Index == DirIndex
}

// Name returns the file name of the shard: <base>_<NNN>.vpk, or
// <base>_dir.vpk for the directory file.
func (r ShardRef) Name() string {
	if r.IsDir() {
		return r.Base + "_dir." + Ext
	}
	return fmt.Sprintf("%s_%03d.%s", r.Base, r.Index, Ext)
}

func (r ShardRef) String() string {
	return r.Name()
}

// ParseShardName parses a shard or directory file name produced by
// ShardRef.Name. Any leading directory components are ignored.
func ParseShardName(name string) (ShardRef, error) {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	stem, ok := strings.CutSuffix(name, "."+Ext)
	if !ok {
		return ShardRef{}, fmt.Errorf("vpk: %q is not a .%s file", name, Ext)
	}
	sep := strings.LastIndexByte(stem, '_')
	if sep <= 0 || sep == len(stem)-1 {
		return ShardRef{}, fmt.Errorf("vpk: %q does not match <base>_<index>.%s", name, Ext)
	}
	base, suffix := stem[:sep], stem[sep+1:]
	if suffix == "dir" {
		return DirRef(base), nil
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil || idx < 0 || idx >= DirIndex {
		return ShardRef{}, fmt.Errorf("vpk: invalid archive index in %q", name)
	}
	return ShardRef{Base: base, Index: idx}, nil
}

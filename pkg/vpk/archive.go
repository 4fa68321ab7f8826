package vpk

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"slices"
)

var (
	// ErrEntryNotFound is returned when a path is not present in the directory.
	ErrEntryNotFound = errors.New("vpk: entry not found")

	// ErrCRCMismatch is returned when the bytes read for an entry do not match
	// the CRC32 recorded in the directory.
	ErrCRCMismatch = errors.New("vpk: crc mismatch")
)

// ShardSource reads byte ranges from archive shards.
//
// Implementations must report a missing shard as an *fs.PathError whose Path
// is ShardRef.Name() and whose Err wraps fs.ErrNotExist.
type ShardSource interface {
	ReadRange(ctx context.Context, ref ShardRef, offset, length int64) ([]byte, error)
}

// Archive is a directory combined with a source for its shards.
type Archive struct {
	base   string
	dir    *Directory
	source ShardSource
}

// Open returns an Archive for the container base name.
func Open(base string, dir *Directory, source ShardSource) *Archive {
	return &Archive{
		base:   base,
		dir:    dir,
		source: source,
	}
}

// Base returns the container base name.
func (a *Archive) Base() string {
	return a.base
}

// Directory returns the parsed directory file.
func (a *Archive) Directory() *Directory {
	return a.dir
}

// ShardFor returns the shard holding the archive bytes of path. Entries
// stored in the directory file return DirRef(base).
func (a *Archive) ShardFor(path string) (ShardRef, error) {
	e, ok := a.dir.Entry(path)
	if !ok {
		return ShardRef{}, fmt.Errorf("%w: %s", ErrEntryNotFound, path)
	}
	return ShardRef{Base: a.base, Index: e.ArchiveIndex}, nil
}

// ReadFile returns the full contents of the entry at path. Only the entry's
// own byte range is read from its shard.
func (a *Archive) ReadFile(ctx context.Context, path string) ([]byte, error) {
	e, ok := a.dir.Entry(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, path)
	}

	var body []byte
	if e.Length > 0 {
		var err error
		if e.InDirectory() {
			body, err = a.dir.inline(e)
		} else {
			ref := ShardRef{Base: a.base, Index: e.ArchiveIndex}
			body, err = a.source.ReadRange(ctx, ref, int64(e.Offset), int64(e.Length))
		}
		if err != nil {
			return nil, fmt.Errorf("vpk: read %s: %w", e.Path, err)
		}
		if int64(len(body)) != int64(e.Length) {
			return nil, fmt.Errorf("vpk: read %s: short read: got %d bytes, want %d", e.Path, len(body), e.Length)
		}
	}

	data := make([]byte, 0, e.Size())
	data = append(data, e.Preload...)
	data = append(data, body...)

	if sum := crc32.ChecksumIEEE(data); sum != e.CRC {
		return nil, fmt.Errorf("%w: %s: expected %08x, got %08x", ErrCRCMismatch, e.Path, e.CRC, sum)
	}
	return data, nil
}

// Limit returns a ShardSource that only serves the given archive indices.
// Reads from any other shard fail as if the shard file did not exist.
func Limit(source ShardSource, indices []int) ShardSource {
	allowed := slices.Clone(indices)
	slices.Sort(allowed)
	return &limitedSource{source: source, allowed: allowed}
}

type limitedSource struct {
	source  ShardSource
	allowed []int
}

func (l *limitedSource) ReadRange(ctx context.Context, ref ShardRef, offset, length int64) ([]byte, error) {
	if _, ok := slices.BinarySearch(l.allowed, ref.Index); !ok {
		return nil, &fs.PathError{Op: "open", Path: ref.Name(), Err: fs.ErrNotExist}
	}
	return l.source.ReadRange(ctx, ref, offset, length)
}

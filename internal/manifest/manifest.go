package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/ligustah/pakfetch/pkg/sharded"
	"github.com/ligustah/pakfetch/pkg/vpk"
)

// Supported structural versions.
const (
	VersionNoIndex = 1
	VersionIndexed = 2
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// FileInfo describes one depot file.
type FileInfo struct {
	Path   string
	Size   int64
	Digest digest.Digest // empty when the manifest carries none
}

// Manifest is a decoded depot manifest. It is immutable after Parse.
type Manifest struct {
	Version    int
	AppID      uint32
	DepotID    uint32
	ManifestID string
	Root       string
	Files      []FileInfo
	Tree       *Tree

	files      map[string]FileInfo
	containers []string
}

type rawFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

type rawEntry struct {
	Path         string `json:"path"`
	Container    string `json:"container"`
	Offset       int64  `json:"offset"`
	Size         int64  `json:"size"`
	CRC          uint32 `json:"crc"`
	ArchiveIndex *int   `json:"archive_index"`
}

type rawManifest struct {
	Version    int        `json:"version"`
	AppID      uint32     `json:"app_id"`
	DepotID    uint32     `json:"depot_id"`
	ManifestID string     `json:"manifest_id"`
	Root       string     `json:"root"`
	Files      []rawFile  `json:"files"`
	Entries    []rawEntry `json:"entries"`
}

// Parse decodes a manifest blob. Compressed blobs are detected by their
// magic bytes.
//
// Returns a *ManifestParseError if:
//   - The blob cannot be decompressed or is not valid JSON
//   - The structural version is unsupported
//   - No entries reference a container
//   - The directory file of a referenced container is not listed
func Parse(raw []byte) (*Manifest, error) {
	data, err := decompress(raw)
	if err != nil {
		return nil, parseError("decompress", err)
	}

	var rm rawManifest
	if err := json.Unmarshal(data, &rm); err != nil {
		return nil, parseError("decode", err)
	}

	if rm.Version != VersionNoIndex && rm.Version != VersionIndexed {
		return nil, parseError(fmt.Sprintf("unsupported version %d", rm.Version), nil)
	}

	m := &Manifest{
		Version:    rm.Version,
		AppID:      rm.AppID,
		DepotID:    rm.DepotID,
		ManifestID: rm.ManifestID,
		Root:       cleanPath(rm.Root),
		Tree:       newTree(),
		files:      make(map[string]FileInfo, len(rm.Files)),
	}

	for _, f := range rm.Files {
		fi := FileInfo{Path: cleanPath(f.Path), Size: f.Size}
		if f.Digest != "" {
			d, err := digest.Parse(f.Digest)
			if err != nil {
				return nil, parseError(fmt.Sprintf("file %q", f.Path), err)
			}
			fi.Digest = d
		}
		if _, dup := m.files[fi.Path]; dup {
			return nil, parseError(fmt.Sprintf("duplicate file %q", fi.Path), nil)
		}
		m.files[fi.Path] = fi
		m.Files = append(m.Files, fi)
	}

	seen := make(map[string]bool)
	for _, re := range rm.Entries {
		if re.Container == "" {
			return nil, parseError(fmt.Sprintf("entry %q has no container", re.Path), nil)
		}
		e := Entry{
			Path:      re.Path,
			Container: re.Container,
			Offset:    re.Offset,
			Size:      re.Size,
			CRC:       re.CRC,
			Index:     NoIndex,
		}
		if rm.Version >= VersionIndexed && re.ArchiveIndex != nil {
			if *re.ArchiveIndex < 0 || *re.ArchiveIndex > vpk.DirIndex {
				return nil, parseError(fmt.Sprintf("entry %q: archive index %d out of range", re.Path, *re.ArchiveIndex), nil)
			}
			e.Index = *re.ArchiveIndex
		}
		if err := m.Tree.insert(e); err != nil {
			return nil, parseError("tree", err)
		}
		if !seen[e.Container] {
			seen[e.Container] = true
			m.containers = append(m.containers, e.Container)
		}
	}

	if len(m.containers) == 0 {
		return nil, parseError("no entries reference a container", nil)
	}
	for _, base := range m.containers {
		ref := vpk.DirRef(base)
		if _, ok := m.files[m.shardPath(ref)]; !ok {
			return nil, parseError("root directory not found", fmt.Errorf("%s not listed", m.shardPath(ref)))
		}
	}

	return m, nil
}

func decompress(raw []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(raw, zstdMagic):
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(raw, nil)
	case bytes.HasPrefix(raw, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return raw, nil
}

func (m *Manifest) shardPath(ref vpk.ShardRef) string {
	return path.Join(m.Root, ref.Name())
}

// Containers returns the container base names referenced by entries, in
// order of first use.
func (m *Manifest) Containers() []string {
	return append([]string(nil), m.containers...)
}

// File returns the depot file at p.
func (m *Manifest) File(p string) (FileInfo, bool) {
	fi, ok := m.files[cleanPath(p)]
	return fi, ok
}

// ShardInfo returns the declared size and digest of ref.
func (m *Manifest) ShardInfo(ref vpk.ShardRef) (sharded.ShardInfo, bool) {
	fi, ok := m.files[m.shardPath(ref)]
	if !ok {
		return sharded.ShardInfo{}, false
	}
	return sharded.ShardInfo{Size: fi.Size, Digest: fi.Digest}, true
}

// Shards returns every declared shard of container base, the directory file
// included.
func (m *Manifest) Shards(base string) map[vpk.ShardRef]sharded.ShardInfo {
	out := make(map[vpk.ShardRef]sharded.ShardInfo)
	for _, fi := range m.Files {
		if path.Dir(fi.Path) != path.Clean(m.Root) {
			continue
		}
		ref, err := vpk.ParseShardName(fi.Path)
		if err != nil || ref.Base != base {
			continue
		}
		out[ref] = sharded.ShardInfo{Size: fi.Size, Digest: fi.Digest}
	}
	return out
}

// ShardCount returns one more than the highest declared archive index of
// container base, or 0 when no numbered shards are declared.
func (m *Manifest) ShardCount(base string) int {
	count := 0
	for ref := range m.Shards(base) {
		if !ref.IsDir() && ref.Index+1 > count {
			count = ref.Index + 1
		}
	}
	return count
}

// IsParseError reports whether err is a *ManifestParseError.
func IsParseError(err error) bool {
	var pe *ManifestParseError
	return errors.As(err, &pe)
}

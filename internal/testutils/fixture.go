// Package testutils provides shared test infrastructure: synthetic VPK
// containers with their depot manifests, a stub session that serves them, and
// (behind the integration build tag) a minio container for bucket-backed caches.
package testutils

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io/fs"
	"path"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

// VPKFile is one entry placed into a fixture container.
type VPKFile struct {
	Path    string
	Data    []byte
	Shard   int // archive index, or vpk.DirIndex to store the bytes in the directory file
	Preload int // leading bytes of Data kept as preload data in the directory
}

// BuildContainer encodes a directory file of the given version (1 or 2) and
// the archive shards holding the files. Files are appended to their shard in
// the order given.
func BuildContainer(version int, files []VPKFile) (dir []byte, shards map[int][]byte) {
	shards = make(map[int][]byte)
	var inline []byte

	type record struct {
		name    string
		crc     uint32
		preload []byte
		index   int
		offset  uint32
		length  uint32
	}

	// ext -> dir -> records, keeping first-seen order at every level.
	var exts []string
	dirs := make(map[string][]string)
	records := make(map[string][]record)

	for _, f := range files {
		d, name, ext := splitEntryPath(f.Path)
		body := f.Data[f.Preload:]

		rec := record{
			name:    name,
			crc:     crc32.ChecksumIEEE(f.Data),
			preload: f.Data[:f.Preload],
			index:   f.Shard,
			length:  uint32(len(body)),
		}
		if f.Shard == vpk.DirIndex {
			rec.offset = uint32(len(inline))
			inline = append(inline, body...)
		} else {
			rec.offset = uint32(len(shards[f.Shard]))
			shards[f.Shard] = append(shards[f.Shard], body...)
		}

		if _, ok := dirs[ext]; !ok {
			exts = append(exts, ext)
		}
		key := ext + "\x00" + d
		if _, ok := records[key]; !ok {
			dirs[ext] = append(dirs[ext], d)
		}
		records[key] = append(records[key], rec)
	}

	le := binary.LittleEndian
	var tree bytes.Buffer
	cstr := func(s string) {
		tree.WriteString(s)
		tree.WriteByte(0)
	}
	for _, ext := range exts {
		cstr(ext)
		for _, d := range dirs[ext] {
			cstr(d)
			for _, rec := range records[ext+"\x00"+d] {
				cstr(rec.name)
				var b [18]byte
				le.PutUint32(b[0:4], rec.crc)
				le.PutUint16(b[4:6], uint16(len(rec.preload)))
				le.PutUint16(b[6:8], uint16(rec.index))
				le.PutUint32(b[8:12], rec.offset)
				le.PutUint32(b[12:16], rec.length)
				le.PutUint16(b[16:18], 0xffff)
				tree.Write(b[:])
				tree.Write(rec.preload)
			}
			cstr("")
		}
		cstr("")
	}
	cstr("")

	var out bytes.Buffer
	hdr := []uint32{vpk.Signature, uint32(version), uint32(tree.Len())}
	if version == 2 {
		hdr = append(hdr, uint32(len(inline)), 0, 0, 0)
	}
	for _, v := range hdr {
		binary.Write(&out, le, v)
	}
	out.Write(tree.Bytes())
	out.Write(inline)
	return out.Bytes(), shards
}

func splitEntryPath(p string) (dir, name, ext string) {
	dir, file := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		dir = " "
	}
	ext = " "
	if i := strings.LastIndexByte(file, '.'); i >= 0 {
		file, ext = file[:i], file[i+1:]
	}
	return dir, file, ext
}

// Default target paths, matching the files the tool is built to retrieve.
const (
	EnglishPath = "resource/csgo_english.txt"
	ChinesePath = "resource/csgo_schinese.txt"
	ItemsPath   = "scripts/items/items_game.txt"
)

// DefaultTargets returns the three target files spread over shards 243, 354
// and 356. The English file carries a UTF-8 byte order mark.
func DefaultTargets() []VPKFile {
	return []VPKFile{
		{
			Path: EnglishPath,
			Data: append([]byte("\xef\xbb\xbf"), []byte(`"lang"
{
	"Language"	"english"
	"Tokens"
	{
		"CSGO_MainMenu_PlayButton"	"PLAY"
		"CSGO_MainMenu_WatchButton"	"WATCH"
	}
}
`)...),
			Shard:   354,
			Preload: 8,
		},
		{
			Path: ChinesePath,
			Data: []byte(`"lang"
{
	"Language"	"schinese"
	"Tokens"
	{
		"CSGO_MainMenu_PlayButton"	"开始游戏"
		"CSGO_MainMenu_WatchButton"	"观看"
	}
}
`),
			Shard: 356,
		},
		{
			Path: ItemsPath,
			Data: []byte(`"items_game"
{
	"items"
	{
		"1"
		{
			"name"	"weapon_deagle"
			"item_name"	"Desert Eagle"
		}
		"7"
		{
			"name"	"weapon_ak47"
			"item_name"	"AK-47"
		}
	}
}
`),
			Shard: 243,
		},
	}
}

// TargetPaths returns the paths of files.
func TargetPaths(files []VPKFile) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}

// FixtureOptions configures NewFixture. Zero values select defaults.
type FixtureOptions struct {
	Base            string    // default "pak01"
	Root            string    // default "csgo"
	ShardCount      int       // default 8
	Files           []VPKFile // default DefaultTargets() when ShardCount > 356, else none
	ManifestVersion int       // default 2
	DirVersion      int       // default 2
	AppID           uint32    // default 730
	DepotID         uint32    // default 2347770
	ManifestID      string    // default "7617088375292372759"
	Compress        string    // "", "zstd" or "gzip"
	OmitDigests     bool
}

// Fixture is a synthetic container together with its depot manifest.
type Fixture struct {
	Options  FixtureOptions
	Dir      []byte
	Shards   map[int][]byte
	Manifest []byte
	Contents map[string][]byte
}

// NewFixture builds a container with one filler entry in every shard plus
// opts.Files, and a manifest declaring the directory file and all shards.
func NewFixture(t testing.TB, opts FixtureOptions) *Fixture {
	t.Helper()

	if opts.Base == "" {
		opts.Base = "pak01"
	}
	if opts.Root == "" {
		opts.Root = "csgo"
	}
	if opts.ShardCount == 0 {
		opts.ShardCount = 8
	}
	if opts.Files == nil && opts.ShardCount > 356 {
		opts.Files = DefaultTargets()
	}
	if opts.ManifestVersion == 0 {
		opts.ManifestVersion = 2
	}
	if opts.DirVersion == 0 {
		opts.DirVersion = 2
	}
	if opts.AppID == 0 {
		opts.AppID = 730
	}
	if opts.DepotID == 0 {
		opts.DepotID = 2347770
	}
	if opts.ManifestID == "" {
		opts.ManifestID = "7617088375292372759"
	}

	var files []VPKFile
	for i := 0; i < opts.ShardCount; i++ {
		files = append(files, VPKFile{
			Path:  fmt.Sprintf("materials/filler/f%03d.vmt", i),
			Data:  []byte(strings.Repeat(fmt.Sprintf("shard %03d filler\n", i), 4)),
			Shard: i,
		})
	}
	files = append(files, opts.Files...)

	dir, shards := BuildContainer(opts.DirVersion, files)

	f := &Fixture{
		Options:  opts,
		Dir:      dir,
		Shards:   shards,
		Contents: make(map[string][]byte),
	}
	for _, vf := range opts.Files {
		f.Contents[vf.Path] = vf.Data
	}

	f.Manifest = f.encodeManifest(t, files)
	return f
}

// DirRef returns the reference of the fixture's directory file.
func (f *Fixture) DirRef() vpk.ShardRef {
	return vpk.DirRef(f.Options.Base)
}

// Ref returns the reference of shard idx.
func (f *Fixture) Ref(idx int) vpk.ShardRef {
	return vpk.ShardRef{Base: f.Options.Base, Index: idx}
}

// ShardData returns the bytes of ref, including the directory file.
func (f *Fixture) ShardData(ref vpk.ShardRef) ([]byte, bool) {
	if ref.Base != f.Options.Base {
		return nil, false
	}
	if ref.IsDir() {
		return f.Dir, true
	}
	data, ok := f.Shards[ref.Index]
	return data, ok
}

// ReadRange serves byte ranges of the fixture's shards, so a Fixture can be
// used directly as a vpk.ShardSource.
func (f *Fixture) ReadRange(ctx context.Context, ref vpk.ShardRef, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := f.ShardData(ref)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: ref.Name(), Err: fs.ErrNotExist}
	}
	if offset < 0 || offset+length > int64(len(data)) {
		return nil, fmt.Errorf("read %s: range %d+%d beyond %d bytes", ref.Name(), offset, length, len(data))
	}
	return data[offset : offset+length], nil
}

type fixtureFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

type fixtureEntry struct {
	Path         string `json:"path"`
	Container    string `json:"container"`
	Offset       int64  `json:"offset"`
	Size         int64  `json:"size"`
	CRC          uint32 `json:"crc,omitempty"`
	ArchiveIndex *int   `json:"archive_index,omitempty"`
}

type fixtureManifest struct {
	Version    int            `json:"version"`
	AppID      uint32         `json:"app_id"`
	DepotID    uint32         `json:"depot_id"`
	ManifestID string         `json:"manifest_id"`
	Root       string         `json:"root"`
	Files      []fixtureFile  `json:"files"`
	Entries    []fixtureEntry `json:"entries"`
}

func (f *Fixture) encodeManifest(t testing.TB, files []VPKFile) []byte {
	t.Helper()
	opts := f.Options

	m := fixtureManifest{
		Version:    opts.ManifestVersion,
		AppID:      opts.AppID,
		DepotID:    opts.DepotID,
		ManifestID: opts.ManifestID,
		Root:       opts.Root,
	}

	declare := func(name string, data []byte) {
		ff := fixtureFile{Path: path.Join(opts.Root, name), Size: int64(len(data))}
		if !opts.OmitDigests {
			ff.Digest = digest.FromBytes(data).String()
		}
		m.Files = append(m.Files, ff)
	}
	declare(f.DirRef().Name(), f.Dir)
	for i := 0; i < opts.ShardCount; i++ {
		declare(f.Ref(i).Name(), f.Shards[i])
	}

	offsets := make(map[int]int64)
	for _, vf := range files {
		body := int64(len(vf.Data) - vf.Preload)
		e := fixtureEntry{
			Path:      vf.Path,
			Container: opts.Base,
			Offset:    offsets[vf.Shard],
			Size:      int64(len(vf.Data)),
			CRC:       crc32.ChecksumIEEE(vf.Data),
		}
		offsets[vf.Shard] += body
		if opts.ManifestVersion >= 2 {
			idx := vf.Shard
			e.ArchiveIndex = &idx
		}
		m.Entries = append(m.Entries, e)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal fixture manifest: %v", err)
	}

	switch opts.Compress {
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatalf("zstd writer: %v", err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil)
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			t.Fatalf("gzip write: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("gzip close: %v", err)
		}
		return buf.Bytes()
	}
	return raw
}

package manifest

import (
	"fmt"
	"strings"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

// NoIndex marks an Entry whose archive index is not recorded in the manifest.
const NoIndex = -1

// Entry is one file packed inside a VPK container.
type Entry struct {
	Path      string
	Container string // container base name, e.g. "pak01"
	Offset    int64
	Size      int64
	CRC       uint32
	Index     int // archive index, or NoIndex
}

// HasIndex reports whether the manifest recorded the entry's archive index.
func (e Entry) HasIndex() bool {
	return e.Index != NoIndex
}

// Shard returns the shard holding the entry. ok is false when the index is
// unknown.
func (e Entry) Shard() (ref vpk.ShardRef, ok bool) {
	if !e.HasIndex() {
		return vpk.ShardRef{}, false
	}
	return vpk.ShardRef{Base: e.Container, Index: e.Index}, true
}

// Tree is the hierarchical view of manifest entries. Path segments are unique
// per directory level and compared case-insensitively, as VPK directories
// store them lower-cased.
type Tree struct {
	root    *node
	entries []*Entry
}

type node struct {
	children map[string]*node
	entry    *Entry
}

func newTree() *Tree {
	return &Tree{root: &node{children: make(map[string]*node)}}
}

func cleanPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.Trim(p, "/")
}

func (t *Tree) insert(e Entry) error {
	e.Path = cleanPath(e.Path)
	if e.Path == "" {
		return fmt.Errorf("empty entry path")
	}

	segs := strings.Split(e.Path, "/")
	n := t.root
	for i, seg := range segs {
		if seg == "" {
			return fmt.Errorf("entry %q: empty path segment", e.Path)
		}
		if n.entry != nil {
			return fmt.Errorf("entry %q: %s is a file", e.Path, strings.Join(segs[:i], "/"))
		}
		key := strings.ToLower(seg)
		child, ok := n.children[key]
		if !ok {
			child = &node{children: make(map[string]*node)}
			n.children[key] = child
		}
		n = child
	}
	if n.entry != nil {
		return fmt.Errorf("duplicate entry %q", e.Path)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("entry %q: path is a directory", e.Path)
	}

	n.entry = &e
	t.entries = append(t.entries, n.entry)
	return nil
}

// Lookup returns the entry at path. Backslashes are accepted as separators
// and case is ignored.
func (t *Tree) Lookup(path string) (Entry, bool) {
	n := t.root
	for _, seg := range strings.Split(strings.ToLower(cleanPath(path)), "/") {
		child, ok := n.children[seg]
		if !ok {
			return Entry{}, false
		}
		n = child
	}
	if n.entry == nil {
		return Entry{}, false
	}
	return *n.entry, true
}

// Walk calls fn for every entry in the order they appear in the manifest.
// It stops at the first error fn returns.
func (t *Tree) Walk(fn func(Entry) error) error {
	for _, e := range t.entries {
		if err := fn(*e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	return len(t.entries)
}

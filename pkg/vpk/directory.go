package vpk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Signature is the magic number at the start of every directory file.
const Signature uint32 = 0x55aa1234

const (
	headerSizeV1   = 12
	headerSizeV2   = 28
	entryTerm      = 0xffff
	emptyComponent = " "
)

var (
	// ErrBadSignature is returned when the data does not start with Signature.
	ErrBadSignature = errors.New("vpk: bad directory signature")

	// ErrUnsupportedVersion is returned for directory versions other than 1 and 2.
	ErrUnsupportedVersion = errors.New("vpk: unsupported directory version")

	// ErrTruncated is returned when the directory tree ends unexpectedly.
	ErrTruncated = errors.New("vpk: directory truncated")
)

// Header is the fixed header of a directory file.
type Header struct {
	Version  uint32
	TreeSize uint32

	// Version 2 only.
	FileDataSize   uint32
	ArchiveMD5Size uint32
	OtherMD5Size   uint32
	SignatureSize  uint32
}

// Size returns the encoded size of the header.
func (h Header) Size() int {
	if h.Version == 1 {
		return headerSizeV1
	}
	return headerSizeV2
}

// Entry is one file stored in the container.
type Entry struct {
	Path         string
	CRC          uint32
	Preload      []byte
	ArchiveIndex int
	Offset       uint32
	Length       uint32
}

// Size returns the full size of the entry contents, preload included.
func (e *Entry) Size() int64 {
	return int64(len(e.Preload)) + int64(e.Length)
}

// InDirectory reports whether the entry's archive bytes live in the directory file.
func (e *Entry) InDirectory() bool {
	return e.ArchiveIndex == DirIndex
}

// Directory is a parsed directory file.
type Directory struct {
	Header Header

	entries []*Entry
	byPath  map[string]*Entry
	data    []byte
}

// ReadDirectory parses a directory file. The returned Directory keeps a
// reference to data for entries stored inline.
func ReadDirectory(data []byte) (*Directory, error) {
	if len(data) < headerSizeV1 {
		return nil, fmt.Errorf("%w: header", ErrTruncated)
	}
	le := binary.LittleEndian
	if sig := le.Uint32(data[0:4]); sig != Signature {
		return nil, fmt.Errorf("%w: %#x", ErrBadSignature, sig)
	}

	h := Header{
		Version:  le.Uint32(data[4:8]),
		TreeSize: le.Uint32(data[8:12]),
	}
	switch h.Version {
	case 1:
	case 2:
		if len(data) < headerSizeV2 {
			return nil, fmt.Errorf("%w: v2 header", ErrTruncated)
		}
		h.FileDataSize = le.Uint32(data[12:16])
		h.ArchiveMD5Size = le.Uint32(data[16:20])
		h.OtherMD5Size = le.Uint32(data[20:24])
		h.SignatureSize = le.Uint32(data[24:28])
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}

	start := h.Size()
	end := start + int(h.TreeSize)
	if end > len(data) {
		return nil, fmt.Errorf("%w: tree size %d exceeds file size %d", ErrTruncated, h.TreeSize, len(data))
	}

	d := &Directory{
		Header: h,
		byPath: make(map[string]*Entry),
		data:   data,
	}
	if err := d.parseTree(data[start:end]); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) parseTree(tree []byte) error {
	r := &treeReader{buf: tree}
	for {
		ext, err := r.cstring()
		if err != nil {
			return err
		}
		if ext == "" {
			return nil
		}
		for {
			dir, err := r.cstring()
			if err != nil {
				return err
			}
			if dir == "" {
				break
			}
			for {
				name, err := r.cstring()
				if err != nil {
					return err
				}
				if name == "" {
					break
				}
				e, err := r.entry()
				if err != nil {
					return fmt.Errorf("%w (entry %s)", err, name)
				}
				e.Path = joinPath(dir, name, ext)
				d.add(e)
			}
		}
	}
}

func (d *Directory) add(e *Entry) {
	key := normalize(e.Path)
	if _, dup := d.byPath[key]; dup {
		return
	}
	d.byPath[key] = e
	d.entries = append(d.entries, e)
}

// Entry looks up an entry by path. Lookups are case-insensitive and accept
// both forward and backward slashes.
func (d *Directory) Entry(path string) (*Entry, bool) {
	e, ok := d.byPath[normalize(path)]
	return e, ok
}

// Entries returns all entries in tree order.
func (d *Directory) Entries() []*Entry {
	return d.entries
}

// Len returns the number of entries.
func (d *Directory) Len() int {
	return len(d.entries)
}

// inline returns the archive bytes of an entry stored in the directory file.
func (d *Directory) inline(e *Entry) ([]byte, error) {
	start := int64(d.Header.Size()) + int64(d.Header.TreeSize) + int64(e.Offset)
	end := start + int64(e.Length)
	if end > int64(len(d.data)) {
		return nil, fmt.Errorf("%w: inline data for %s", ErrTruncated, e.Path)
	}
	return d.data[start:end], nil
}

type treeReader struct {
	buf []byte
	pos int
}

func (r *treeReader) cstring() (string, error) {
	i := bytes.IndexByte(r.buf[r.pos:], 0)
	if i < 0 {
		return "", fmt.Errorf("%w: unterminated string at %d", ErrTruncated, r.pos)
	}
	s := string(r.buf[r.pos : r.pos+i])
	r.pos += i + 1
	return s, nil
}

func (r *treeReader) entry() (*Entry, error) {
	const fixed = 18
	if r.pos+fixed > len(r.buf) {
		return nil, fmt.Errorf("%w: entry record at %d", ErrTruncated, r.pos)
	}
	le := binary.LittleEndian
	b := r.buf[r.pos : r.pos+fixed]
	e := &Entry{
		CRC:          le.Uint32(b[0:4]),
		ArchiveIndex: int(le.Uint16(b[6:8])),
		Offset:       le.Uint32(b[8:12]),
		Length:       le.Uint32(b[12:16]),
	}
	preload := int(le.Uint16(b[4:6]))
	if term := le.Uint16(b[16:18]); term != entryTerm {
		return nil, fmt.Errorf("vpk: bad entry terminator %#x at %d", term, r.pos+16)
	}
	r.pos += fixed
	if preload > 0 {
		if r.pos+preload > len(r.buf) {
			return nil, fmt.Errorf("%w: preload data at %d", ErrTruncated, r.pos)
		}
		e.Preload = r.buf[r.pos : r.pos+preload]
		r.pos += preload
	}
	return e, nil
}

func joinPath(dir, name, ext string) string {
	var sb strings.Builder
	if dir != emptyComponent {
		sb.WriteString(dir)
		sb.WriteByte('/')
	}
	sb.WriteString(name)
	if ext != emptyComponent {
		sb.WriteByte('.')
		sb.WriteString(ext)
	}
	return sb.String()
}

func normalize(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	return strings.ToLower(strings.TrimPrefix(path, "/"))
}

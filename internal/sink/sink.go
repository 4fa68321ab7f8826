// Package sink writes extracted files to their destination.
//
// The destination is a gocloud.dev/blob bucket, usually a file:// directory.
// Each target is written under its base name, so resource/csgo_english.txt
// becomes {prefix}/csgo_english.txt. The manifest id of the last successful
// run is kept next to the outputs in manifestId.txt.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/pakfetch/internal/progress"
)

// ManifestIDFile is the object recording the manifest id of the last run.
const ManifestIDFile = "manifestId.txt"

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// ErrNameCollision is returned when two targets share a base name.
var ErrNameCollision = errors.New("sink: output name already written")

// Sink receives extracted files.
type Sink interface {
	Write(ctx context.Context, path string, data []byte) error
}

// Bucket is a Sink writing into a blob bucket.
type Bucket struct {
	bucket *blob.Bucket
	prefix string
	owned  bool

	mu      sync.Mutex
	written map[string]string // output name -> target path
	summary []progress.FileSummary
}

// NewBucket returns a Bucket sink over an existing bucket handle. The caller
// keeps ownership of the bucket.
func NewBucket(bucket *blob.Bucket, prefix string) *Bucket {
	return &Bucket{bucket: bucket, prefix: prefix, written: make(map[string]string)}
}

// OpenBucket opens the bucket at bucketURL. The caller must call Close.
func OpenBucket(ctx context.Context, bucketURL, prefix string) (*Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("sink: open bucket: %w", err)
	}
	b := NewBucket(bucket, prefix)
	b.owned = true
	return b, nil
}

// TrimBOM removes a leading UTF-8 byte order mark.
func TrimBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, utf8BOM)
}

// Write stores data under the base name of target with any UTF-8 byte order
// mark removed.
func (b *Bucket) Write(ctx context.Context, target string, data []byte) error {
	name := path.Base(strings.ReplaceAll(target, `\`, "/"))

	b.mu.Lock()
	if prev, ok := b.written[name]; ok && prev != target {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s (from %s and %s)", ErrNameCollision, name, prev, target)
	}
	b.written[name] = target
	b.mu.Unlock()

	data = TrimBOM(data)
	opts := &blob.WriterOptions{ContentType: "text/plain; charset=utf-8"}
	if err := b.bucket.WriteAll(ctx, path.Join(b.prefix, name), data, opts); err != nil {
		return fmt.Errorf("sink: write %s: %w", name, err)
	}

	b.mu.Lock()
	b.summary = append(b.summary, progress.FileSummary{
		Name:  name,
		Size:  int64(len(data)),
		Lines: bytes.Count(data, []byte("\n")),
	})
	b.mu.Unlock()
	return nil
}

// Summary returns the files written so far, in write order.
func (b *Bucket) Summary() []progress.FileSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]progress.FileSummary(nil), b.summary...)
}

// ManifestID returns the recorded manifest id, or "" if none was recorded.
func (b *Bucket) ManifestID(ctx context.Context) (string, error) {
	data, err := b.bucket.ReadAll(ctx, path.Join(b.prefix, ManifestIDFile))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return "", nil
		}
		return "", fmt.Errorf("sink: read %s: %w", ManifestIDFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveManifestID records id as the manifest of the current outputs.
func (b *Bucket) SaveManifestID(ctx context.Context, id string) error {
	if err := b.bucket.WriteAll(ctx, path.Join(b.prefix, ManifestIDFile), []byte(id), nil); err != nil {
		return fmt.Errorf("sink: write %s: %w", ManifestIDFile, err)
	}
	return nil
}

// Close releases the bucket if the sink opened it.
func (b *Bucket) Close() error {
	if !b.owned {
		return nil
	}
	return b.bucket.Close()
}

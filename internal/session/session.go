// Package session defines the authenticated content session used to download
// manifests and archive shards, and provides an HTTP implementation.
package session

import (
	"context"
	"errors"
	"io/fs"
	"sync"
)

// Error kinds reported by providers. Use errors.Is.
var (
	ErrTransport = errors.New("session: transport error")
	ErrAuth      = errors.New("session: not authorized")
	ErrNotFound  = errors.New("session: not found")
)

// Provider downloads depot content.
//
// GetShard reports a shard the CDN does not have as an *fs.PathError whose
// Path is the shard file name and whose Err is fs.ErrNotExist.
type Provider interface {
	GetManifest(ctx context.Context, productID, depotID uint32, manifestID string) ([]byte, error)
	GetShard(ctx context.Context, containerBase string, index int) ([]byte, error)
}

// ManifestLister is implemented by providers that can look up the latest
// public manifest of a depot.
type ManifestLister interface {
	LatestManifestID(ctx context.Context, productID, depotID uint32) (string, error)
}

// Multiplexer is implemented by providers that are safe for concurrent use.
type Multiplexer interface {
	Multiplexed() bool
}

// IsRetryable reports whether a provider error may succeed on retry.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrAuth), errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return false
	}
	return true
}

// Guard returns p unchanged if it is safe for concurrent use, and otherwise
// wraps it so that calls are serialized. The returned provider implements
// ManifestLister if p does.
func Guard(p Provider) Provider {
	if m, ok := p.(Multiplexer); ok && m.Multiplexed() {
		return p
	}
	g := &guarded{p: p}
	if l, ok := p.(ManifestLister); ok {
		return &guardedLister{guarded: g, l: l}
	}
	return g
}

type guarded struct {
	mu sync.Mutex
	p  Provider
}

func (g *guarded) GetManifest(ctx context.Context, productID, depotID uint32, manifestID string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.p.GetManifest(ctx, productID, depotID, manifestID)
}

func (g *guarded) GetShard(ctx context.Context, containerBase string, index int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.p.GetShard(ctx, containerBase, index)
}

type guardedLister struct {
	*guarded
	l ManifestLister
}

func (g *guardedLister) LatestManifestID(ctx context.Context, productID, depotID uint32) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.l.LatestManifestID(ctx, productID, depotID)
}

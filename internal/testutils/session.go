package testutils

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"sync"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

// ErrInjected is the transient failure returned by StubSession.Failures.
var ErrInjected = errors.New("stub: connection reset by peer")

// StubSession serves a Fixture the way a CDN session would.
//
// Shards outside Serve (when set) are reported with the missing-shard message
// format ("open pak01_123.vpk: file does not exist").
type StubSession struct {
	Fixture *Fixture

	// Serve limits the shard indices that can be downloaded. nil serves all.
	Serve map[int]bool

	// Failures makes the next N requests for an index fail with ErrInjected.
	// A negative count fails every request.
	Failures map[int]int

	mu            sync.Mutex
	calls         map[int]int
	manifestCalls int
}

// NewStubSession returns a stub serving f.
func NewStubSession(f *Fixture) *StubSession {
	return &StubSession{
		Fixture:  f,
		Failures: make(map[int]int),
		calls:    make(map[int]int),
	}
}

// GetManifest returns the fixture's manifest blob.
func (s *StubSession) GetManifest(ctx context.Context, productID, depotID uint32, manifestID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.manifestCalls++
	s.mu.Unlock()

	opts := s.Fixture.Options
	if productID != opts.AppID || depotID != opts.DepotID || manifestID != opts.ManifestID {
		return nil, &fs.PathError{Op: "open", Path: fmt.Sprintf("manifest %d/%d/%s", productID, depotID, manifestID), Err: fs.ErrNotExist}
	}
	return s.Fixture.Manifest, nil
}

// LatestManifestID returns the fixture's manifest id.
func (s *StubSession) LatestManifestID(ctx context.Context, productID, depotID uint32) (string, error) {
	return s.Fixture.Options.ManifestID, nil
}

// GetShard returns the bytes of one shard or the directory file.
func (s *StubSession) GetShard(ctx context.Context, containerBase string, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref := vpk.ShardRef{Base: containerBase, Index: index}

	s.mu.Lock()
	s.calls[index]++
	remaining := s.Failures[index]
	if remaining > 0 {
		s.Failures[index] = remaining - 1
	}
	serve := s.Serve == nil || s.Serve[index] || ref.IsDir()
	s.mu.Unlock()

	if remaining != 0 {
		return nil, fmt.Errorf("get %s: %w", ref.Name(), ErrInjected)
	}
	data, ok := s.Fixture.ShardData(ref)
	if !ok || !serve {
		return nil, &fs.PathError{Op: "open", Path: ref.Name(), Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

// Calls returns the number of GetShard requests made for index.
func (s *StubSession) Calls(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[index]
}

// ShardCalls returns the request count per index, the directory file included.
func (s *StubSession) ShardCalls() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.calls)
}

// TotalShardCalls returns the number of GetShard requests.
func (s *StubSession) TotalShardCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, c := range s.calls {
		n += c
	}
	return n
}

// ManifestCalls returns the number of GetManifest requests.
func (s *StubSession) ManifestCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifestCalls
}

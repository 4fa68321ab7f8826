package resolver_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/pakfetch/internal/manifest"
	"github.com/ligustah/pakfetch/internal/resolver"
	"github.com/ligustah/pakfetch/internal/testutils"
	"github.com/ligustah/pakfetch/pkg/vpk"
)

type setup struct {
	fixture   *testutils.Fixture
	manifest  *manifest.Manifest
	validator *resolver.ArchiveValidator
	acquired  []int
}

func newSetup(t *testing.T, manifestVersion int) *setup {
	t.Helper()
	f := testutils.NewFixture(t, testutils.FixtureOptions{ShardCount: 500, ManifestVersion: manifestVersion})
	m, err := manifest.Parse(f.Manifest)
	require.NoError(t, err)
	dir, err := vpk.ReadDirectory(f.Dir)
	require.NoError(t, err)

	return &setup{
		fixture:  f,
		manifest: m,
		validator: &resolver.ArchiveValidator{
			Base:      "pak01",
			Directory: dir,
			Source:    f,
			Targets:   testutils.TargetPaths(testutils.DefaultTargets()),
		},
	}
}

func (s *setup) acquire(ctx context.Context, idx int) error {
	s.acquired = append(s.acquired, idx)
	return nil
}

type countingValidator struct {
	resolver.Validator
	calls int
}

func (c *countingValidator) ValidatePartial(ctx context.Context, available []int) ([]int, error) {
	c.calls++
	return c.Validator.ValidatePartial(ctx, available)
}

func TestResolveFromTree(t *testing.T) {
	s := newSetup(t, 2)
	v := &countingValidator{Validator: s.validator}

	r := resolver.New(v, s.acquire, resolver.Options{})
	res, err := r.Resolve(context.Background(), s.manifest.Tree, s.validator.Targets)
	require.NoError(t, err)

	assert.Equal(t, "pak01", res.Container)
	assert.Equal(t, []int{243, 354, 356}, res.Indices)
	assert.Zero(t, res.Iterations)
	assert.Empty(t, res.Discovered)
	assert.Zero(t, v.calls, "the tree path must not validate")
	assert.Empty(t, s.acquired)
}

func TestResolveByDiscovery(t *testing.T) {
	s := newSetup(t, 1)

	r := resolver.New(s.validator, s.acquire, resolver.Options{MaxIterations: 501})
	res, err := r.Resolve(context.Background(), s.manifest.Tree, s.validator.Targets)
	require.NoError(t, err)

	assert.Equal(t, []int{243, 354, 356}, res.Indices)
	assert.Equal(t, []int{243, 354, 356}, res.Discovered, "smallest missing index is acquired first")
	assert.Equal(t, 4, res.Iterations)
	assert.Equal(t, []int{243, 354, 356}, s.acquired)
}

func TestResolveDeterministic(t *testing.T) {
	var first *resolver.Resolution
	for i := 0; i < 3; i++ {
		s := newSetup(t, 1)
		res, err := resolver.New(s.validator, s.acquire, resolver.Options{}).
			Resolve(context.Background(), s.manifest.Tree, s.validator.Targets)
		require.NoError(t, err)
		if first == nil {
			first = res
			continue
		}
		assert.Equal(t, first, res)
	}
}

func TestResolveProbeIgnoresTree(t *testing.T) {
	s := newSetup(t, 2)

	r := resolver.New(s.validator, s.acquire, resolver.Options{Strategy: resolver.StrategyProbe})
	res, err := r.Resolve(context.Background(), s.manifest.Tree, s.validator.Targets)
	require.NoError(t, err)
	assert.Equal(t, []int{243, 354, 356}, res.Indices)
	assert.Equal(t, 4, res.Iterations)
}

func TestResolveTreeStrategyRequiresIndices(t *testing.T) {
	s := newSetup(t, 1)

	r := resolver.New(nil, nil, resolver.Options{Strategy: resolver.StrategyTree})
	_, err := r.Resolve(context.Background(), s.manifest.Tree, s.validator.Targets)
	assert.ErrorIs(t, err, resolver.ErrIndexUnavailable)
}

func TestResolveIterationCap(t *testing.T) {
	s := newSetup(t, 1)

	r := resolver.New(s.validator, s.acquire, resolver.Options{MaxIterations: 2})
	_, err := r.Resolve(context.Background(), s.manifest.Tree, s.validator.Targets)

	var exhausted *resolver.ShardResolutionExhaustedError
	require.True(t, errors.As(err, &exhausted), "got %v", err)
	assert.Equal(t, 2, exhausted.Iterations)
	assert.Equal(t, []int{243, 354}, exhausted.Attempted)
}

type stuckValidator struct{}

func (stuckValidator) ValidatePartial(ctx context.Context, available []int) ([]int, error) {
	return []int{7}, nil
}

func TestResolveNoNewIndex(t *testing.T) {
	s := newSetup(t, 1)

	r := resolver.New(stuckValidator{}, s.acquire, resolver.Options{})
	_, err := r.Resolve(context.Background(), s.manifest.Tree, s.validator.Targets)

	var exhausted *resolver.ShardResolutionExhaustedError
	require.True(t, errors.As(err, &exhausted), "got %v", err)
	assert.Equal(t, []int{7}, exhausted.Attempted)
	assert.Equal(t, 2, exhausted.Iterations)
}

// endlessValidator reports a new missing index every round.
type endlessValidator struct{}

func (endlessValidator) ValidatePartial(ctx context.Context, available []int) ([]int, error) {
	if len(available) == 0 {
		return []int{0}, nil
	}
	return []int{available[len(available)-1] + 1}, nil
}

func TestResolveDefaultIterationCap(t *testing.T) {
	s := newSetup(t, 1)

	r := resolver.New(endlessValidator{}, s.acquire, resolver.Options{MaxIterations: -3})
	_, err := r.Resolve(context.Background(), s.manifest.Tree, s.validator.Targets)

	var exhausted *resolver.ShardResolutionExhaustedError
	require.True(t, errors.As(err, &exhausted), "got %v", err)
	assert.Equal(t, resolver.DefaultMaxIterations, exhausted.Iterations)
	assert.Len(t, s.acquired, resolver.DefaultMaxIterations)
}

func TestResolveIgnoresTargetCase(t *testing.T) {
	s := newSetup(t, 2)

	r := resolver.New(s.validator, s.acquire, resolver.Options{})
	res, err := r.Resolve(context.Background(), s.manifest.Tree, []string{
		"Resource/CSGO_English.txt",
		`SCRIPTS\items\items_game.txt`,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{243, 354}, res.Indices)
}

type failingValidator struct{ err error }

func (f failingValidator) ValidatePartial(ctx context.Context, available []int) ([]int, error) {
	return nil, f.err
}

func TestResolveValidationFailure(t *testing.T) {
	s := newSetup(t, 1)
	cause := fmt.Errorf("read: %w", vpk.ErrCRCMismatch)

	r := resolver.New(failingValidator{err: cause}, s.acquire, resolver.Options{})
	_, err := r.Resolve(context.Background(), s.manifest.Tree, s.validator.Targets)

	var exhausted *resolver.ShardResolutionExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.ErrorIs(t, err, vpk.ErrCRCMismatch)
}

func TestResolveAcquireFailure(t *testing.T) {
	s := newSetup(t, 1)
	boom := errors.New("boom")

	r := resolver.New(s.validator, func(ctx context.Context, idx int) error { return boom }, resolver.Options{})
	_, err := r.Resolve(context.Background(), s.manifest.Tree, s.validator.Targets)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "pak01_243.vpk")
}

func TestResolveTargetErrors(t *testing.T) {
	s := newSetup(t, 2)
	r := resolver.New(s.validator, s.acquire, resolver.Options{})

	_, err := r.Resolve(context.Background(), s.manifest.Tree, []string{"resource/missing.txt"})
	assert.ErrorIs(t, err, resolver.ErrTargetNotFound)

	_, err = r.Resolve(context.Background(), s.manifest.Tree, nil)
	assert.Error(t, err)

	raw := `{"version": 2, "root": "", "files": [{"path": "pak01_dir.vpk", "size": 1}, {"path": "pak02_dir.vpk", "size": 1}],
		"entries": [{"path": "a.txt", "container": "pak01", "archive_index": 1}, {"path": "b.txt", "container": "pak02", "archive_index": 1}]}`
	m, err := manifest.Parse([]byte(raw))
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), m.Tree, []string{"a.txt", "b.txt"})
	assert.ErrorIs(t, err, resolver.ErrMixedContainers)
}

func TestResolveKnownIndicesAcquiredFirst(t *testing.T) {
	raw := `{"version": 2, "root": "", "files": [{"path": "pak01_dir.vpk", "size": 1}],
		"entries": [{"path": "a.txt", "container": "pak01", "archive_index": 9}, {"path": "b.txt", "container": "pak01"}]}`
	m, err := manifest.Parse([]byte(raw))
	require.NoError(t, err)

	var acquired []int
	v := validatorFunc(func(available []int) []int {
		for _, idx := range available {
			if idx == 4 {
				return nil
			}
		}
		return []int{4}
	})
	r := resolver.New(v, func(ctx context.Context, idx int) error {
		acquired = append(acquired, idx)
		return nil
	}, resolver.Options{})

	res, err := r.Resolve(context.Background(), m.Tree, []string{"a.txt", "b.txt"})
	require.NoError(t, err)
	assert.Equal(t, []int{9, 4}, acquired)
	assert.Equal(t, []int{4, 9}, res.Indices)
	assert.Equal(t, []int{4}, res.Discovered)
}

type validatorFunc func(available []int) []int

func (f validatorFunc) ValidatePartial(ctx context.Context, available []int) ([]int, error) {
	return f(available), nil
}

func TestParseMissing(t *testing.T) {
	err := errors.Join(
		errors.New("vpk: read resource/a.txt: open pak01_354.vpk: file does not exist"),
		errors.New("vpk: read resource/b.txt: open pak01_356.vpk: file does not exist"),
		errors.New("vpk: read resource/c.txt: open pak01_354.vpk: file does not exist"),
		errors.New("open pak02_001.vpk: file does not exist"),
		errors.New("open pak01_dir.vpk: file does not exist"),
	)
	assert.Equal(t, []int{354, 356}, resolver.ParseMissing("pak01", err))
	assert.Nil(t, resolver.ParseMissing("pak01", nil))
	assert.Empty(t, resolver.ParseMissing("pak01", errors.New("connection reset")))
}

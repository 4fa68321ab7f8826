package resolver

import (
	"context"
	"fmt"
	"slices"

	"github.com/containerd/log"

	"github.com/ligustah/pakfetch/internal/manifest"
	"github.com/ligustah/pakfetch/pkg/vpk"
)

// Strategy selects how archive indices are obtained.
type Strategy string

const (
	// StrategyAuto reads indices from the tree and falls back to discovery
	// when any target lacks one.
	StrategyAuto Strategy = "auto"
	// StrategyTree only reads indices from the tree.
	StrategyTree Strategy = "tree"
	// StrategyProbe always discovers indices, ignoring the tree.
	StrategyProbe Strategy = "probe"
)

// AcquireFunc makes shard idx available to the Validator, typically by
// fetching it into the local cache.
type AcquireFunc func(ctx context.Context, idx int) error

// DefaultMaxIterations caps discovery when Options.MaxIterations is not set.
// Callers that know the declared shard count should pass count + 1 instead.
const DefaultMaxIterations = 1024

// Options configures a Resolver.
type Options struct {
	// MaxIterations caps the number of validation rounds during discovery.
	// Zero or negative selects DefaultMaxIterations.
	MaxIterations int

	Strategy Strategy
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Container  string
	Indices    []int // sorted, distinct, without vpk.DirIndex
	Discovered []int // indices found by discovery, in acquisition order
	Iterations int   // validation rounds; 0 when the tree was sufficient
}

// Resolver maps target paths to the shard indices that hold them.
type Resolver struct {
	validator Validator
	acquire   AcquireFunc
	opts      Options
}

// New returns a Resolver. validator and acquire are only used by discovery
// and may be nil when the tree strategy is selected.
func New(validator Validator, acquire AcquireFunc, opts Options) *Resolver {
	if opts.Strategy == "" {
		opts.Strategy = StrategyAuto
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return &Resolver{validator: validator, acquire: acquire, opts: opts}
}

// Resolve returns the distinct shard indices holding targets.
func (r *Resolver) Resolve(ctx context.Context, tree *manifest.Tree, targets []string) (*Resolution, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("resolver: no targets")
	}

	res := &Resolution{}
	var (
		known   []int
		unknown []string
	)
	for _, target := range targets {
		e, ok := tree.Lookup(target)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, target)
		}
		if res.Container == "" {
			res.Container = e.Container
		} else if e.Container != res.Container {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedContainers, res.Container, e.Container)
		}
		if e.HasIndex() && r.opts.Strategy != StrategyProbe {
			if e.Index != vpk.DirIndex {
				known = append(known, e.Index)
			}
			continue
		}
		unknown = append(unknown, target)
	}
	slices.Sort(known)
	known = slices.Compact(known)

	if len(unknown) == 0 {
		res.Indices = known
		return res, nil
	}
	if r.opts.Strategy == StrategyTree {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, unknown)
	}
	if r.validator == nil || r.acquire == nil {
		return nil, fmt.Errorf("resolver: discovery needed for %v but no validator configured", unknown)
	}

	return r.discover(ctx, res, known)
}

func (r *Resolver) discover(ctx context.Context, res *Resolution, known []int) (*Resolution, error) {
	logger := log.G(ctx).WithField("container", res.Container)

	var attempted []int
	available := make([]int, 0, len(known))
	acquire := func(idx int) error {
		attempted = append(attempted, idx)
		if err := r.acquire(ctx, idx); err != nil {
			return fmt.Errorf("resolver: acquire %s: %w", vpk.ShardRef{Base: res.Container, Index: idx}, err)
		}
		pos, _ := slices.BinarySearch(available, idx)
		available = slices.Insert(available, pos, idx)
		return nil
	}
	exhausted := func(iterations int, err error) error {
		return &ShardResolutionExhaustedError{
			Container:  res.Container,
			Attempted:  slices.Clone(attempted),
			Iterations: iterations,
			Err:        err,
		}
	}

	for _, idx := range known {
		if err := acquire(idx); err != nil {
			return nil, err
		}
	}

	for iter := 1; ; iter++ {
		if iter > r.opts.MaxIterations {
			return nil, exhausted(iter-1, nil)
		}

		missing, err := r.validator.ValidatePartial(ctx, slices.Clone(available))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, exhausted(iter, err)
		}
		if len(missing) == 0 {
			res.Indices = slices.Clone(available)
			res.Iterations = iter
			logger.WithField("iterations", iter).Debugf("resolved shards %v", res.Indices)
			return res, nil
		}

		next := -1
		for _, idx := range missing {
			if slices.Contains(attempted, idx) {
				continue
			}
			if next == -1 || idx < next {
				next = idx
			}
		}
		if next == -1 {
			return nil, exhausted(iter, fmt.Errorf("no new shard index discovered, still missing %v", missing))
		}

		logger.WithField("shard", next).Debug("discovered missing shard")
		if err := acquire(next); err != nil {
			return nil, err
		}
		res.Discovered = append(res.Discovered, next)
	}
}

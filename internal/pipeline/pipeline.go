// Package pipeline runs one extraction end to end: manifest, shard index
// resolution, shard fetch, extraction and output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/ligustah/pakfetch/internal/downloader"
	"github.com/ligustah/pakfetch/internal/extractor"
	"github.com/ligustah/pakfetch/internal/manifest"
	"github.com/ligustah/pakfetch/internal/metrics"
	"github.com/ligustah/pakfetch/internal/progress"
	"github.com/ligustah/pakfetch/internal/resolver"
	"github.com/ligustah/pakfetch/internal/session"
	"github.com/ligustah/pakfetch/pkg/sharded"
	"github.com/ligustah/pakfetch/pkg/vpk"
)

// State is the position of a run in its state machine.
type State int

const (
	StateIdle State = iota
	StateTreeLoaded
	StateIndicesResolved
	StateShardsFetched
	StateExtracted
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTreeLoaded:
		return "tree loaded"
	case StateIndicesResolved:
		return "indices resolved"
	case StateShardsFetched:
		return "shards fetched"
	case StateExtracted:
		return "extracted"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stage names the step of a run an error came from.
type Stage string

const (
	StageManifest Stage = "manifest"
	StageResolve  Stage = "resolve"
	StageFetch    Stage = "fetch"
	StageExtract  Stage = "extract"
	StageOutput   Stage = "output"
)

// StageError tags an error with the stage that failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrMultipleContainers is returned when a manifest holds more than one
// container and no target decides between them.
var ErrMultipleContainers = errors.New("pipeline: manifest references more than one container")

// Output receives extracted files and remembers the manifest they came from.
type Output interface {
	Write(ctx context.Context, path string, data []byte) error
	ManifestID(ctx context.Context) (string, error)
	SaveManifestID(ctx context.Context, id string) error
}

// Options configures a run.
type Options struct {
	AppID      uint32
	DepotID    uint32
	ManifestID string // empty selects the latest manifest
	Targets    []string

	// Force reruns even when the output already holds ManifestID.
	Force bool

	// Resolve configures index resolution. MaxIterations 0 caps discovery at
	// the declared shard count plus one.
	Resolve resolver.Options

	// Fetch configures shard downloads. Progress and Metrics are set by the
	// pipeline.
	Fetch downloader.Options

	// ProgressOutput enables the progress reporter for the fetch stage.
	ProgressOutput io.Writer

	Metrics *metrics.Metrics
}

// Result describes a finished run.
type Result struct {
	ManifestID string
	UpToDate   bool // nothing was done because the output is current

	Container  string
	Indices    []int
	Discovered []int
	Iterations int

	// Downloaded and Cached count shards, the directory file included.
	Downloaded int
	Cached     int
	Files      []string // target paths, in target order

	// Shards is the declared metadata of the directory file and every
	// resolved shard.
	Shards map[vpk.ShardRef]sharded.ShardInfo
}

// Pipeline runs extractions against one session, cache and output.
type Pipeline struct {
	provider session.Provider
	cache    *sharded.Cache
	output   Output
	opts     Options

	mu    sync.Mutex
	state State
}

// New returns a Pipeline. provider is used as given; wrap it with
// session.Guard when it is not safe for concurrent use.
func New(provider session.Provider, cache *sharded.Cache, output Output, opts Options) *Pipeline {
	return &Pipeline{
		provider: provider,
		cache:    cache,
		output:   output,
		opts:     opts,
	}
}

// State returns the current state of the pipeline.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) advance(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipeline) fail(stage Stage, err error) error {
	p.advance(StateFailed)
	return &StageError{Stage: stage, Err: err}
}

// run carries the state shared by the stages of one run.
type run struct {
	res    *Result
	man    *manifest.Manifest
	dir    *vpk.Directory
	probe  *downloader.Fetcher
	probed map[int]bool
}

// Run performs one extraction.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	p.advance(StateIdle)
	runStart := time.Now()
	m := p.opts.Metrics

	r, err := p.loadTree(ctx, true)
	if err != nil || r.res.UpToDate {
		return resultOf(r), err
	}
	if err := p.resolve(ctx, r); err != nil {
		return nil, err
	}
	if err := p.fetch(ctx, r); err != nil {
		return nil, err
	}
	files, err := p.extract(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := p.write(ctx, r, files); err != nil {
		return nil, err
	}
	m.StageDone("total", time.Since(runStart))

	p.advance(StateDone)
	return r.res, nil
}

// Resolve loads the manifest and resolves the shard indices of the targets
// without fetching them or touching the output. Shards acquired during
// discovery are left in the cache.
func (p *Pipeline) Resolve(ctx context.Context) (*Result, error) {
	p.advance(StateIdle)
	r, err := p.loadTree(ctx, false)
	if err != nil {
		return nil, err
	}
	if err := p.resolve(ctx, r); err != nil {
		return nil, err
	}
	return r.res, nil
}

// Verification is the outcome of Verify.
type Verification struct {
	*Result
	Validation *sharded.ValidationResult
	Repaired   []vpk.ShardRef
}

// Verify checks the cached shards needed for the targets against the
// manifest. With repair set, invalid shards are evicted and fetched again.
func (p *Pipeline) Verify(ctx context.Context, repair bool) (*Verification, error) {
	res, err := p.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	validation, err := sharded.Validate(ctx, p.cache, res.Shards)
	if err != nil {
		return nil, p.fail(StageFetch, err)
	}
	v := &Verification{Result: res, Validation: validation}
	if validation.Valid || !repair {
		return v, nil
	}

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("stage", string(StageFetch)))
	if _, err := sharded.DeleteShards(ctx, p.cache, validation.Invalid); err != nil {
		return nil, p.fail(StageFetch, err)
	}
	fetcher := downloader.New(p.provider, p.cache, catalog(res.Shards), p.fetchOptions(nil))
	if _, err := fetcher.FetchAll(ctx, validation.Invalid); err != nil {
		return nil, p.fail(StageFetch, err)
	}
	v.Repaired = validation.Invalid
	p.advance(StateShardsFetched)
	return v, nil
}

// loadTree runs the manifest stage: it picks the manifest, parses it and
// reads the container's directory file. With shortCircuit set, a manifest
// already recorded by the output ends the run early unless Force is set.
func (p *Pipeline) loadTree(ctx context.Context, shortCircuit bool) (*run, error) {
	stageStart := time.Now()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("stage", string(StageManifest)))

	manifestID, err := p.manifestID(ctx)
	if err != nil {
		return nil, p.fail(StageManifest, err)
	}
	r := &run{res: &Result{ManifestID: manifestID}, probed: make(map[int]bool)}

	if shortCircuit && !p.opts.Force {
		recorded, err := p.output.ManifestID(ctx)
		if err != nil {
			return nil, p.fail(StageManifest, err)
		}
		if recorded != "" && recorded == manifestID {
			log.G(ctx).WithField("manifest", manifestID).Info("output is up to date")
			r.res.UpToDate = true
			p.advance(StateDone)
			return r, nil
		}
	}

	raw, err := p.provider.GetManifest(ctx, p.opts.AppID, p.opts.DepotID, manifestID)
	if err != nil {
		return nil, p.fail(StageManifest, fmt.Errorf("get manifest %s: %w", manifestID, err))
	}
	r.man, err = manifest.Parse(raw)
	if err != nil {
		return nil, p.fail(StageManifest, err)
	}
	base, err := container(r.man, p.opts.Targets)
	if err != nil {
		return nil, p.fail(StageManifest, err)
	}
	r.res.Container = base

	// Shards fetched before the fetch stage (the directory file and any
	// discovered shards) go through this fetcher.
	r.probe = downloader.New(p.provider, p.cache, r.man, p.fetchOptions(nil))

	dirRef := vpk.DirRef(base)
	if _, err := r.probe.Fetch(ctx, dirRef); err != nil {
		return nil, p.fail(StageManifest, err)
	}
	dirData, err := p.cache.ReadAll(ctx, dirRef)
	if err != nil {
		return nil, p.fail(StageManifest, err)
	}
	r.dir, err = vpk.ReadDirectory(dirData)
	if err != nil {
		return nil, p.fail(StageManifest, fmt.Errorf("read %s: %w", dirRef.Name(), err))
	}
	p.opts.Metrics.StageDone(string(StageManifest), time.Since(stageStart))
	p.advance(StateTreeLoaded)
	return r, nil
}

func (p *Pipeline) resolve(ctx context.Context, r *run) error {
	stageStart := time.Now()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("stage", string(StageResolve)))
	base := r.res.Container

	ropts := p.opts.Resolve
	if ropts.MaxIterations == 0 {
		ropts.MaxIterations = r.man.ShardCount(base) + 1
	}
	validator := &resolver.ArchiveValidator{
		Base:      base,
		Directory: r.dir,
		Source:    p.cache,
		Targets:   p.opts.Targets,
	}
	acquire := func(ctx context.Context, idx int) error {
		if _, err := r.probe.Fetch(ctx, vpk.ShardRef{Base: base, Index: idx}); err != nil {
			return err
		}
		r.probed[idx] = true
		return nil
	}
	resolution, err := resolver.New(validator, acquire, ropts).Resolve(ctx, r.man.Tree, p.opts.Targets)
	if err != nil {
		return p.fail(StageResolve, err)
	}
	r.res.Indices = resolution.Indices
	r.res.Discovered = resolution.Discovered
	r.res.Iterations = resolution.Iterations

	dirRef := vpk.DirRef(base)
	r.res.Shards = make(map[vpk.ShardRef]sharded.ShardInfo, len(resolution.Indices)+1)
	if info, ok := r.man.ShardInfo(dirRef); ok {
		r.res.Shards[dirRef] = info
	}
	for _, idx := range resolution.Indices {
		ref := vpk.ShardRef{Base: base, Index: idx}
		if info, ok := r.man.ShardInfo(ref); ok {
			r.res.Shards[ref] = info
		}
	}

	p.opts.Metrics.Resolved(resolution.Iterations)
	p.opts.Metrics.StageDone(string(StageResolve), time.Since(stageStart))
	log.G(ctx).WithField("iterations", resolution.Iterations).Infof("resolved shards %v", resolution.Indices)
	p.advance(StateIndicesResolved)
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, r *run) error {
	stageStart := time.Now()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("stage", string(StageFetch)))
	base := r.res.Container

	refs := make([]vpk.ShardRef, len(r.res.Indices))
	var total int64
	for i, idx := range r.res.Indices {
		refs[i] = vpk.ShardRef{Base: base, Index: idx}
		total += r.res.Shards[refs[i]].Size
	}

	var reporter *progress.Reporter
	if p.opts.ProgressOutput != nil {
		reporter = progress.NewReporter(progress.Options{
			TotalSize:   total,
			TotalShards: len(refs),
			Workers:     p.opts.Fetch.Workers,
			Output:      p.opts.ProgressOutput,
			Container:   base,
		})
		reporter.Start()
	}
	fetcher := downloader.New(p.provider, p.cache, r.man, p.fetchOptions(reporter))
	fetched, err := fetcher.FetchAll(ctx, refs)
	if reporter != nil {
		reporter.Stop()
	}
	if err != nil {
		return p.fail(StageFetch, err)
	}

	// Shards acquired during discovery are already counted by the probe.
	probeStats := r.probe.Stats()
	r.res.Downloaded, r.res.Cached = probeStats.Downloaded, probeStats.Cached
	for _, f := range fetched {
		switch {
		case r.probed[f.Ref.Index]:
		case f.Cached:
			r.res.Cached++
		default:
			r.res.Downloaded++
		}
	}
	p.opts.Metrics.StageDone(string(StageFetch), time.Since(stageStart))
	p.advance(StateShardsFetched)
	return nil
}

func (p *Pipeline) extract(ctx context.Context, r *run) (map[string][]byte, error) {
	stageStart := time.Now()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("stage", string(StageExtract)))

	archive := vpk.Open(r.res.Container, r.dir, p.cache)
	files, err := extractor.Extract(ctx, archive, p.opts.Targets, r.res.Indices)
	if err != nil {
		return nil, p.fail(StageExtract, err)
	}
	p.opts.Metrics.StageDone(string(StageExtract), time.Since(stageStart))
	p.advance(StateExtracted)
	return files, nil
}

func (p *Pipeline) write(ctx context.Context, r *run, files map[string][]byte) error {
	stageStart := time.Now()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("stage", string(StageOutput)))

	for _, target := range p.opts.Targets {
		if err := p.output.Write(ctx, target, files[target]); err != nil {
			return p.fail(StageOutput, err)
		}
		r.res.Files = append(r.res.Files, target)
	}
	p.opts.Metrics.Extracted(len(r.res.Files))
	if err := p.output.SaveManifestID(ctx, r.res.ManifestID); err != nil {
		return p.fail(StageOutput, err)
	}
	p.opts.Metrics.StageDone(string(StageOutput), time.Since(stageStart))
	return nil
}

func resultOf(r *run) *Result {
	if r == nil {
		return nil
	}
	return r.res
}

// catalog serves shard metadata from a resolved shard set.
type catalog map[vpk.ShardRef]sharded.ShardInfo

func (c catalog) ShardInfo(ref vpk.ShardRef) (sharded.ShardInfo, bool) {
	info, ok := c[ref]
	return info, ok
}

func (p *Pipeline) manifestID(ctx context.Context) (string, error) {
	if p.opts.ManifestID != "" {
		return p.opts.ManifestID, nil
	}
	lister, ok := p.provider.(session.ManifestLister)
	if !ok {
		return "", errors.New("no manifest id configured and the session cannot look up the latest one")
	}
	id, err := lister.LatestManifestID(ctx, p.opts.AppID, p.opts.DepotID)
	if err != nil {
		return "", fmt.Errorf("latest manifest: %w", err)
	}
	log.G(ctx).WithField("manifest", id).Info("using latest manifest")
	return id, nil
}

func (p *Pipeline) fetchOptions(reporter *progress.Reporter) downloader.Options {
	opts := p.opts.Fetch
	if opts.IsRetryable == nil {
		opts.IsRetryable = session.IsRetryable
	}
	opts.Progress = reporter
	opts.Metrics = p.opts.Metrics
	return opts
}

// container picks the container holding the targets. Targets spanning more
// than one container are rejected by the resolver.
func container(m *manifest.Manifest, targets []string) (string, error) {
	for _, t := range targets {
		if e, ok := m.Tree.Lookup(t); ok {
			return e.Container, nil
		}
	}
	containers := m.Containers()
	if len(containers) == 1 {
		return containers[0], nil
	}
	return "", fmt.Errorf("%w: %v", ErrMultipleContainers, containers)
}

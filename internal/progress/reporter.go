package progress

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

// Options configures the progress reporter.
type Options struct {
	// TotalSize is the declared size in bytes of the shards to fetch.
	TotalSize int64

	// TotalShards is the number of shards to fetch.
	TotalShards int

	// Workers is the number of parallel downloads (for display).
	Workers int

	// Output defaults to os.Stderr.
	Output io.Writer

	// UpdateInterval defaults to 500ms.
	UpdateInterval time.Duration

	// Container is the container base name (for display).
	Container string
}

type shardState int

const (
	stateActive shardState = iota
	stateDownloaded
	stateCached
	stateFailed
)

// Counts is a snapshot of a Reporter.
type Counts struct {
	Downloaded int
	Cached     int
	Failed     int
	Active     int
	Pending    int
	Bytes      int64
}

// Reporter prints the state of a shard fetch: which shards are in flight,
// how many came from the cache and the transfer rate.
type Reporter struct {
	opts Options

	mu        sync.Mutex
	shards    map[vpk.ShardRef]shardState
	bytes     int64
	started   time.Time
	lastTick  time.Time
	lastBytes int64
	running   bool
	stopped   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReporter creates a reporter. Nothing is printed before Start.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}
	return &Reporter{
		opts:   opts,
		shards: make(map[vpk.ShardRef]shardState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start prints the header and begins periodic status lines.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.started = time.Now()
	r.lastTick = r.started
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[pakfetch] Fetching: %s\n", r.opts.Container)
	fmt.Fprintf(r.opts.Output, "[pakfetch] %d shards, %s, %d workers\n",
		r.opts.TotalShards, formatBytes(r.opts.TotalSize), r.opts.Workers)

	go r.loop()
}

// Stop prints the final status and returns once nothing more is written.
// It is safe to call more than once.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	running := r.running
	r.mu.Unlock()

	close(r.stopCh)
	if running {
		<-r.doneCh
	}
}

// Started marks ref as being downloaded.
func (r *Reporter) Started(ref vpk.ShardRef) {
	r.set(ref, stateActive, 0)
}

// Downloaded marks ref as downloaded and verified.
func (r *Reporter) Downloaded(ref vpk.ShardRef, size int64) {
	r.set(ref, stateDownloaded, size)
}

// Cached marks ref as served from the shard cache.
func (r *Reporter) Cached(ref vpk.ShardRef, size int64) {
	r.set(ref, stateCached, size)
}

// Failed marks ref as failed after all attempts.
func (r *Reporter) Failed(ref vpk.ShardRef) {
	r.set(ref, stateFailed, 0)
}

func (r *Reporter) set(ref vpk.ShardRef, s shardState, size int64) {
	r.mu.Lock()
	r.shards[ref] = s
	r.bytes += size
	r.mu.Unlock()
}

// Counts returns the current counters.
func (r *Reporter) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countsLocked()
}

func (r *Reporter) countsLocked() Counts {
	c := Counts{Bytes: r.bytes}
	for _, s := range r.shards {
		switch s {
		case stateActive:
			c.Active++
		case stateDownloaded:
			c.Downloaded++
		case stateCached:
			c.Cached++
		case stateFailed:
			c.Failed++
		}
	}
	c.Pending = max(r.opts.TotalShards-len(r.shards), 0)
	return c
}

// inState returns the names of shards in state s, sorted.
func (r *Reporter) inState(s shardState) []string {
	var names []string
	for ref, st := range r.shards {
		if st == s {
			names = append(names, ref.Name())
		}
	}
	slices.Sort(names)
	return names
}

func (r *Reporter) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinal()
			return
		case <-ticker.C:
			r.printStatus()
		}
	}
}

func (r *Reporter) printStatus() {
	r.mu.Lock()
	now := time.Now()
	c := r.countsLocked()
	active := r.inState(stateActive)
	elapsed := max(now.Sub(r.lastTick).Seconds(), 0.1)
	rate := float64(c.Bytes-r.lastBytes) / elapsed
	r.lastTick, r.lastBytes = now, c.Bytes
	r.mu.Unlock()

	var percent float64
	if r.opts.TotalSize > 0 {
		percent = float64(c.Bytes) / float64(r.opts.TotalSize) * 100
	}

	line := fmt.Sprintf("[pakfetch] %5.1f%% | %s / %s | %s/s | %d/%d shards",
		percent, formatBytes(c.Bytes), formatBytes(r.opts.TotalSize), formatBytes(int64(rate)),
		c.Downloaded+c.Cached, r.opts.TotalShards)
	if len(active) > 0 {
		line += " | fetching " + strings.Join(active, ", ")
	}
	fmt.Fprintf(r.opts.Output, "\r%s\033[K", line)
}

func (r *Reporter) printFinal() {
	r.mu.Lock()
	c := r.countsLocked()
	failed := r.inState(stateFailed)
	took := time.Since(r.started)
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "\r[pakfetch] Shards: %d downloaded, %d cached, %d failed\033[K\n",
		c.Downloaded, c.Cached, c.Failed)
	for _, name := range failed {
		fmt.Fprintf(r.opts.Output, "[pakfetch]   failed: %s\n", name)
	}
	fmt.Fprintf(r.opts.Output, "[pakfetch] Total: %s in %s\n", formatBytes(c.Bytes), formatDuration(took))
}

func formatBytes(b int64) string {
	return humanize.IBytes(uint64(max(b, 0)))
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

// FormatBytes formats b with binary units, e.g. "1.5 KiB".
func FormatBytes(b int64) string {
	return formatBytes(b)
}

package main

import (
	"fmt"
	"strings"

	"github.com/containerd/log"
	"github.com/spf13/pflag"

	"github.com/ligustah/pakfetch/internal/pipeline"
	"github.com/ligustah/pakfetch/internal/progress"
)

// runFetch logs in, downloads the shards holding the targets and writes the
// extracted files to the output bucket.
func runFetch(args []string) int {
	fs := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var flags configFlags
	flags.addStoreFlags(fs)
	flags.addSessionFlags(fs)
	force := fs.BoolP("force", "f", false, "Run even if the output already holds the manifest")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: pakfetch fetch [options]

Download only the archive shards that hold the target files and extract
them. Shards are cached and reused by later runs. The run is skipped when
the output already holds the selected manifest, unless --force is given.

Options:`)
		fs.PrintDefaults()
	}

	cfg, code, ok := parseFlags(fs, &flags, args)
	if !ok {
		return code
	}
	cfg.Force = cfg.Force || *force

	ctx, cancel := signalContext()
	defer cancel()

	ctx, err := setupLogging(ctx, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	provider, err := connect(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	cache, err := openCache(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer cache.Close()

	out, err := openOutput(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer out.Close()

	m := newMetrics(cfg)
	opts := pipelineOptions(cfg)
	opts.Metrics = m
	if cfg.Progress {
		opts.ProgressOutput = stderr
	}

	res, err := pipeline.New(provider, cache, out, opts).Run(ctx)
	writeMetrics(ctx, m, cfg.MetricsFile)
	if err != nil {
		return fail(err)
	}

	if res.UpToDate {
		fmt.Fprintf(stderr, "[pakfetch] Already up to date (manifest %s)\n", res.ManifestID)
		return ExitSuccess
	}

	log.G(ctx).WithField("manifest", res.ManifestID).Info("fetch complete")
	fmt.Fprintf(stderr, "[pakfetch] Manifest %s, %s shards %s (%d downloaded, %d cached)\n",
		res.ManifestID, res.Container, joinInts(res.Indices), res.Downloaded, res.Cached)
	progress.PrintSummary(stderr, out.Summary())
	return ExitSuccess
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}

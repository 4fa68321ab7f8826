package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/ligustah/pakfetch/internal/pipeline"
)

// runResolve prints the shard indices holding the targets. Nothing is
// written to the output; shards probed during discovery stay cached.
func runResolve(args []string) int {
	fs := pflag.NewFlagSet("resolve", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var flags configFlags
	flags.addStoreFlags(fs)
	flags.addSessionFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: pakfetch resolve [options]

Print the archive shard indices that hold the target files. Indices come
from the manifest when it records them and are discovered otherwise.

Options:`)
		fs.PrintDefaults()
	}

	cfg, code, ok := parseFlags(fs, &flags, args)
	if !ok {
		return code
	}

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

	m := newMetrics(cfg)
	opts := pipelineOptions(cfg)
	opts.Metrics = m

	// Resolve never writes outputs, so no sink is opened.
	res, err := pipeline.New(provider, cache, nil, opts).Resolve(ctx)
	writeMetrics(ctx, m, cfg.MetricsFile)
	if err != nil {
		return fail(err)
	}

	fmt.Fprintf(stdout, "Manifest: %s\n", res.ManifestID)
	fmt.Fprintf(stdout, "Container: %s\n", res.Container)
	fmt.Fprintf(stdout, "Shards: %s\n", joinInts(res.Indices))
	if res.Iterations > 0 {
		fmt.Fprintf(stdout, "Discovered: %s (%d iterations)\n", joinInts(res.Discovered), res.Iterations)
	}
	return ExitSuccess
}

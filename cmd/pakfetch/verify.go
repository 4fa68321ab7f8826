package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/ligustah/pakfetch/internal/pipeline"
	"github.com/ligustah/pakfetch/internal/progress"
)

// runVerify checks the cached shards needed for the targets against the
// sizes and digests declared by the manifest.
func runVerify(args []string) int {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var flags configFlags
	flags.addStoreFlags(fs)
	flags.addSessionFlags(fs)
	fix := fs.Bool("fix", false, "Evict missing or corrupted shards and download them again")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: pakfetch verify [options]

Verify that the cached shards holding the target files exist and match the
manifest. With --fix, bad shards are evicted and downloaded again.

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

	v, err := pipeline.New(provider, cache, nil, pipelineOptions(cfg)).Verify(ctx, *fix)
	if err != nil {
		return fail(err)
	}
	result := v.Validation

	fmt.Fprintf(stdout, "Manifest: %s\n", v.ManifestID)
	fmt.Fprintf(stdout, "Container: %s\n", v.Container)
	fmt.Fprintf(stdout, "Total size: %s\n", progress.FormatBytes(result.TotalSize))
	fmt.Fprintf(stdout, "Shards: %d\n", result.ShardCount)

	if result.Valid {
		fmt.Fprintln(stdout, "Status: VALID")
		return ExitSuccess
	}

	fmt.Fprintln(stdout, "Status: INVALID")
	fmt.Fprintf(stdout, "Missing shards: %d\n", result.MissingShards)
	fmt.Fprintf(stdout, "Size mismatches: %d\n", result.SizeMismatches)
	fmt.Fprintf(stdout, "Digest mismatches: %d\n", result.DigestMismatches)

	if len(result.Errors) > 0 {
		fmt.Fprintln(stdout, "\nErrors:")
		for _, e := range result.Errors {
			fmt.Fprintf(stdout, "  - %s\n", e)
		}
	}

	if len(v.Repaired) > 0 {
		fmt.Fprintln(stdout, "\nRepaired:")
		for _, ref := range v.Repaired {
			fmt.Fprintf(stdout, "  - %s\n", ref.Name())
		}
		return ExitSuccess
	}
	return ExitValidationFailed
}

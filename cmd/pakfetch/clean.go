package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ligustah/pakfetch/pkg/sharded"
)

// runClean removes every cached shard of the depot. By default prompts for
// confirmation unless --force is specified.
func runClean(args []string) int {
	fs := pflag.NewFlagSet("clean", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var flags configFlags
	flags.addStoreFlags(fs)
	force := fs.BoolP("force", "f", false, "Skip confirmation prompt")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: pakfetch clean [options]

Remove every cached shard of the depot from the cache bucket.

Options:`)
		fs.PrintDefaults()
	}

	cfg, code, ok := parseFlags(fs, &flags, args)
	if !ok {
		return code
	}

	// Confirm deletion unless --force
	if !*force {
		fmt.Fprintf(stderr, "Delete all cached shards of depot %d from %s? [y/N]: ", cfg.DepotID, cfg.Cache)
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(stderr, "Cancelled")
			return ExitSuccess
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	ctx, err := setupLogging(ctx, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	cache, err := openCache(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer cache.Close()

	deleted, err := sharded.Purge(ctx, cache)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	fmt.Fprintf(stderr, "[pakfetch] Deleted %d cached shards from %s\n", len(deleted), cfg.Cache)
	return ExitSuccess
}

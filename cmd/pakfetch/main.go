package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitAuthFailed       = 3
	ExitManifestError    = 4
	ExitStorageError     = 5
	ExitResolveFailed    = 6
	ExitValidationFailed = 7
	ExitDownloadFailed   = 8
	ExitExtractFailed    = 9
	ExitInterrupted      = 130
)

// Human-facing output. Logs go through logrus to stderr as well.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch":
		return runFetch(cmdArgs)
	case "resolve":
		return runResolve(cmdArgs)
	case "verify":
		return runVerify(cmdArgs)
	case "clean":
		return runClean(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(stderr, `Usage: pakfetch <command> [options]

Commands:
  fetch     Download the shards holding the target files and extract them
  resolve   Print the shard indices holding the target files
  verify    Check cached shards against the manifest (--fix to repair)
  clean     Remove every cached shard

Run 'pakfetch <command> -h' for command-specific help.`)
}

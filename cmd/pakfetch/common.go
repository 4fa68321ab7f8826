package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/ligustah/pakfetch/internal/auth"
	"github.com/ligustah/pakfetch/internal/config"
	"github.com/ligustah/pakfetch/internal/downloader"
	"github.com/ligustah/pakfetch/internal/extractor"
	pakhttp "github.com/ligustah/pakfetch/internal/http"
	"github.com/ligustah/pakfetch/internal/manifest"
	"github.com/ligustah/pakfetch/internal/metrics"
	"github.com/ligustah/pakfetch/internal/pipeline"
	"github.com/ligustah/pakfetch/internal/resolver"
	"github.com/ligustah/pakfetch/internal/session"
	"github.com/ligustah/pakfetch/internal/sink"
	"github.com/ligustah/pakfetch/pkg/sharded"
)

// newPrompter returns the prompter used for the password and login codes.
var newPrompter = func() auth.Prompter { return auth.NewTerminalPrompter() }

// configFlags holds the flags shared by the commands. Flags left unset do
// not override the config file or the environment.
type configFlags struct {
	configPath string
	cache      string
	depotID    uint32
	logLevel   string

	appID                  uint32
	manifestID             string
	targets                []string
	output                 string
	cdn                    string
	authURL                string
	username               string
	loginTimeout           time.Duration
	workers                int
	retryAttempts          int
	retryBackoff           time.Duration
	retryMaxBackoff        time.Duration
	maxConsecutiveFailures int
	maxIterations          int
	strategy               string
	requestsPerSecond      float64
	metricsFile            string
	progress               bool
}

// addStoreFlags registers the flags every command needs.
func (f *configFlags) addStoreFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&f.cache, "cache", "", "Shard cache bucket URL (file://, mem://, s3://, gs://)")
	fs.Uint32Var(&f.depotID, "depot", 0, fmt.Sprintf("Depot id (default %d)", config.DefaultDepotID))
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (default info)")
}

// addSessionFlags registers the flags of commands that talk to the CDN.
func (f *configFlags) addSessionFlags(fs *pflag.FlagSet) {
	fs.Uint32Var(&f.appID, "app", 0, fmt.Sprintf("App id (default %d)", config.DefaultAppID))
	fs.StringVarP(&f.manifestID, "manifest", "m", "", "Manifest id (default: latest public manifest)")
	fs.StringSliceVarP(&f.targets, "target", "t", nil, "Target path inside the container, repeatable")
	fs.StringVarP(&f.output, "output", "o", "", "Output bucket URL")
	fs.StringVar(&f.cdn, "cdn", "", "Content server base URL")
	fs.StringVar(&f.authURL, "auth", "", "Auth service base URL")
	fs.StringVarP(&f.username, "username", "u", "", "Account name (password from PAKFETCH_PASSWORD or prompt)")
	fs.DurationVar(&f.loginTimeout, "login-timeout", 0, "Timeout for each login request (default 30s)")
	fs.IntVarP(&f.workers, "workers", "w", 0, "Number of parallel shard downloads (default 4)")
	fs.IntVar(&f.retryAttempts, "retry-attempts", 0, "Max retries per shard, 0 disables retries (default 5)")
	fs.DurationVar(&f.retryBackoff, "retry-backoff", 0, "Initial retry backoff (default 1s)")
	fs.DurationVar(&f.retryMaxBackoff, "retry-max-backoff", 0, "Max retry backoff (default 30s)")
	fs.IntVar(&f.maxConsecutiveFailures, "max-consecutive-failures", 0, "Stop after this many shard failures in a row (default 10)")
	fs.IntVar(&f.maxIterations, "max-iterations", 0, "Cap on shard discovery rounds, 0 means shard count + 1")
	fs.StringVar(&f.strategy, "strategy", "", "Index resolution: auto, tree or probe (default auto)")
	fs.Float64Var(&f.requestsPerSecond, "requests-per-second", 0, "Pace CDN requests, 0 disables pacing")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "Write prometheus metrics to this file after the run")
	fs.BoolVar(&f.progress, "progress", false, "Show progress output")
}

// load builds the effective config: defaults, then the config file, then
// PAKFETCH_ environment variables, then flags.
func (f *configFlags) load(fs *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	cfg = cfg.Merge(config.Config{
		AppID:                  f.appID,
		DepotID:                f.depotID,
		ManifestID:             f.manifestID,
		Targets:                f.targets,
		Cache:                  f.cache,
		Output:                 f.output,
		Progress:               f.progress,
		CDN:                    f.cdn,
		Auth:                   f.authURL,
		Username:               f.username,
		LoginTimeout:           f.loginTimeout,
		Workers:                f.workers,
		Retry:                  config.RetryConfig{Backoff: f.retryBackoff, MaxBackoff: f.retryMaxBackoff},
		MaxConsecutiveFailures: f.maxConsecutiveFailures,
		RequestsPerSecond:      f.requestsPerSecond,
		Resolve:                config.ResolveConfig{MaxIterations: f.maxIterations, Strategy: f.strategy},
		MetricsFile:            f.metricsFile,
		LogLevel:               f.logLevel,
	})
	// Zero is meaningful for these two.
	if fs.Changed("retry-attempts") {
		cfg.Retry.Attempts = f.retryAttempts
	}
	if fs.Changed("max-iterations") {
		cfg.Resolve.MaxIterations = f.maxIterations
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// parseFlags parses args and loads the config. ok is false when the command
// should exit with code.
func parseFlags(fs *pflag.FlagSet, f *configFlags, args []string) (cfg config.Config, code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cfg, ExitSuccess, false
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return cfg, ExitInvalidArgs, false
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "Error: unexpected argument: %s\n", fs.Arg(0))
		fs.Usage()
		return cfg, ExitInvalidArgs, false
	}
	cfg, err := f.load(fs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return cfg, ExitInvalidArgs, false
	}
	return cfg, ExitSuccess, true
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[pakfetch] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// setupLogging configures the global logrus logger and returns ctx carrying it.
func setupLogging(ctx context.Context, level string) (context.Context, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return ctx, fmt.Errorf("parse log level: %w", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: log.RFC3339NanoFixed,
	})
	return log.WithLogger(ctx, log.L), nil
}

// connect logs in and returns a session provider for the depot.
func connect(ctx context.Context, cfg config.Config) (session.Provider, error) {
	if err := cfg.ValidateSession(); err != nil {
		return nil, err
	}

	httpOpts := pakhttp.DefaultOptions()
	httpOpts.RequestsPerSecond = cfg.RequestsPerSecond
	client := pakhttp.NewClient(httpOpts)
	prompter := newPrompter()

	password := cfg.Password
	if password == "" {
		var err error
		if password, err = prompter.Prompt(ctx, fmt.Sprintf("Password for %s: ", cfg.Username)); err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
	}

	authClient := auth.NewClient(client, cfg.Auth, prompter, auth.Options{LoginTimeout: cfg.LoginTimeout})
	sess, err := authClient.Login(ctx, auth.Credentials{Username: cfg.Username, Password: password})
	if err != nil {
		return nil, err
	}
	return session.Guard(session.NewHTTPProvider(client, cfg.CDN, cfg.DepotID, sess.Token)), nil
}

// openCache opens the shard cache. Shards of each depot live under their own
// prefix.
func openCache(ctx context.Context, cfg config.Config) (*sharded.Cache, error) {
	return sharded.OpenCache(ctx, cfg.Cache, strconv.FormatUint(uint64(cfg.DepotID), 10))
}

func openOutput(ctx context.Context, cfg config.Config) (*sink.Bucket, error) {
	return sink.OpenBucket(ctx, cfg.Output, "")
}

func pipelineOptions(cfg config.Config) pipeline.Options {
	retries := cfg.Retry.Attempts
	if retries <= 0 {
		retries = -1
	}
	return pipeline.Options{
		AppID:      cfg.AppID,
		DepotID:    cfg.DepotID,
		ManifestID: cfg.ManifestID,
		Targets:    cfg.Targets,
		Force:      cfg.Force,
		Resolve: resolver.Options{
			MaxIterations: cfg.Resolve.MaxIterations,
			Strategy:      resolver.Strategy(cfg.Resolve.Strategy),
		},
		Fetch: downloader.Options{
			Workers:                cfg.Workers,
			RetryAttempts:          retries,
			RetryBackoff:           cfg.Retry.Backoff,
			RetryMaxBackoff:        cfg.Retry.MaxBackoff,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			IsRetryable:            session.IsRetryable,
		},
	}
}

// newMetrics returns collectors when a metrics file is configured.
func newMetrics(cfg config.Config) *metrics.Metrics {
	if cfg.MetricsFile == "" {
		return nil
	}
	return metrics.New()
}

func writeMetrics(ctx context.Context, m *metrics.Metrics, path string) {
	if m == nil {
		return
	}
	if err := m.WriteTextfile(path); err != nil {
		log.G(ctx).WithError(err).Warn("failed to write metrics")
	}
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	var (
		loginErr  *auth.LoginError
		parseErr  *manifest.ManifestParseError
		exhausted *resolver.ShardResolutionExhaustedError
		dlErr     *downloader.ShardDownloadError
		cbErr     *downloader.CircuitBreakerError
		missing   *extractor.MissingShardForEntryError
		stageErr  *pipeline.StageError
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &loginErr), errors.Is(err, session.ErrAuth):
		return ExitAuthFailed
	case errors.As(err, &parseErr):
		return ExitManifestError
	case errors.As(err, &exhausted),
		errors.Is(err, resolver.ErrTargetNotFound),
		errors.Is(err, resolver.ErrIndexUnavailable),
		errors.Is(err, resolver.ErrMixedContainers),
		errors.Is(err, pipeline.ErrMultipleContainers):
		return ExitResolveFailed
	case errors.As(err, &cbErr), errors.As(err, &dlErr):
		return ExitDownloadFailed
	case errors.As(err, &missing):
		return ExitExtractFailed
	case errors.As(err, &stageErr) && stageErr.Stage == pipeline.StageOutput:
		return ExitStorageError
	default:
		return ExitGeneralError
	}
}

// fail reports err and returns its exit code.
func fail(err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	var cbErr *downloader.CircuitBreakerError
	if errors.As(err, &cbErr) {
		for _, f := range cbErr.FailedShards {
			fmt.Fprintf(stderr, "  - %s: %v\n", f.Shard.Name(), f.Error)
		}
	}
	return exitCode(err)
}

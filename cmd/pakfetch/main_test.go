package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/pakfetch/internal/auth"
	"github.com/ligustah/pakfetch/internal/downloader"
	"github.com/ligustah/pakfetch/internal/extractor"
	"github.com/ligustah/pakfetch/internal/manifest"
	"github.com/ligustah/pakfetch/internal/pipeline"
	"github.com/ligustah/pakfetch/internal/resolver"
	"github.com/ligustah/pakfetch/internal/sink"
	"github.com/ligustah/pakfetch/internal/testutils"
	"github.com/ligustah/pakfetch/pkg/vpk"
)

// capture redirects command output for the duration of the test.
func capture(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = new(bytes.Buffer), new(bytes.Buffer)
	prevOut, prevErr, prevPrompter := stdout, stderr, newPrompter
	stdout, stderr = out, errOut
	newPrompter = func() auth.Prompter {
		return auth.PrompterFunc(func(ctx context.Context, label string) (string, error) {
			return "", errors.New("no terminal in tests")
		})
	}
	t.Cleanup(func() {
		stdout, stderr, newPrompter = prevOut, prevErr, prevPrompter
	})
	return out, errOut
}

func bucketURL(dir string) string {
	return "file://" + filepath.ToSlash(dir) + "?create_dir=true&metadata=skip"
}

type cliEnv struct {
	cdn      *testutils.CDN
	cacheDir string
	outDir   string
}

func newCLIEnv(t *testing.T, version int) *cliEnv {
	t.Helper()
	f := testutils.NewFixture(t, testutils.FixtureOptions{ShardCount: 500, ManifestVersion: version})
	cdn := testutils.NewCDN(t, f)
	cdn.Serve = map[int]bool{243: true, 354: true, 356: true}

	t.Setenv("PAKFETCH_PASSWORD", cdn.Password)
	return &cliEnv{
		cdn:      cdn,
		cacheDir: t.TempDir(),
		outDir:   t.TempDir(),
	}
}

func (e *cliEnv) args(command string, extra ...string) []string {
	args := []string{
		command,
		"--cdn", e.cdn.URL,
		"--auth", e.cdn.URL,
		"--username", "builder",
		"--cache", bucketURL(e.cacheDir),
		"--output", bucketURL(e.outDir),
		"--retry-backoff", "1ms",
		"--retry-max-backoff", "2ms",
		"--log-level", "warn",
	}
	return append(args, extra...)
}

func (e *cliEnv) shardPath(idx int) string {
	ref := e.cdn.Fixture.Ref(idx)
	return filepath.Join(e.cacheDir, fmt.Sprint(e.cdn.Fixture.Options.DepotID), ref.Name())
}

func TestRunUsage(t *testing.T) {
	_, errOut := capture(t)

	assert.Equal(t, ExitInvalidArgs, run(nil))
	assert.Equal(t, ExitSuccess, run([]string{"help"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"upload"}))
	assert.Contains(t, errOut.String(), "Unknown command: upload")
	assert.Contains(t, errOut.String(), "Usage: pakfetch <command>")
}

func TestFetchCommand(t *testing.T) {
	for _, version := range []int{1, 2} {
		t.Run(fmt.Sprintf("manifest v%d", version), func(t *testing.T) {
			_, errOut := capture(t)
			e := newCLIEnv(t, version)

			code := run(e.args("fetch"))
			require.Equal(t, ExitSuccess, code, errOut.String())
			assert.Contains(t, errOut.String(), "pak01 shards 243, 354, 356")

			for p, want := range e.cdn.Fixture.Contents {
				got, err := os.ReadFile(filepath.Join(e.outDir, filepath.Base(p)))
				require.NoError(t, err, p)
				assert.Equal(t, sink.TrimBOM(want), got, p)
			}
			id, err := os.ReadFile(filepath.Join(e.outDir, sink.ManifestIDFile))
			require.NoError(t, err)
			assert.Equal(t, e.cdn.Fixture.Options.ManifestID, string(id))

			calls := e.cdn.ShardCalls()
			assert.Len(t, calls, 4)

			// The manifest id is now recorded.
			errOut.Reset()
			require.Equal(t, ExitSuccess, run(e.args("fetch")))
			assert.Contains(t, errOut.String(), "Already up to date")
			assert.Equal(t, calls, e.cdn.ShardCalls())
		})
	}
}

func TestFetchWritesMetrics(t *testing.T) {
	_, errOut := capture(t)
	e := newCLIEnv(t, 2)
	metricsFile := filepath.Join(t.TempDir(), "pakfetch.prom")

	code := run(e.args("fetch", "--metrics-file", metricsFile, "--progress"))
	require.Equal(t, ExitSuccess, code, errOut.String())

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pakfetch_shard_fetches_total")
	assert.Contains(t, errOut.String(), "[pakfetch] Fetching: pak01")
}

func TestFetchMissingShard(t *testing.T) {
	_, errOut := capture(t)
	e := newCLIEnv(t, 2)
	delete(e.cdn.Serve, 356)

	code := run(e.args("fetch", "--retry-attempts", "0"))
	assert.Equal(t, ExitDownloadFailed, code)
	assert.Contains(t, errOut.String(), "pak01_356.vpk")

	_, err := os.Stat(filepath.Join(e.outDir, sink.ManifestIDFile))
	assert.True(t, errors.Is(err, os.ErrNotExist), "no output on failure")
}

func TestFetchShardRetryBudget(t *testing.T) {
	for _, tt := range []struct {
		retries string
		want    int32
	}{
		{"0", 1},
		{"2", 3},
	} {
		t.Run("retries "+tt.retries, func(t *testing.T) {
			_, errOut := capture(t)
			e := newCLIEnv(t, 2)

			var calls atomic.Int32
			upstream := e.cdn.Config.Handler
			unavailable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(r.URL.Path, "/pak01_356.vpk") {
					calls.Add(1)
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				upstream.ServeHTTP(w, r)
			}))
			t.Cleanup(unavailable.Close)

			code := run(e.args("fetch", "--cdn", unavailable.URL, "--retry-attempts", tt.retries))
			assert.Equal(t, ExitDownloadFailed, code, errOut.String())
			assert.Equal(t, tt.want, calls.Load(), "requests for pak01_356.vpk")
		})
	}
}

func TestFetchBadPassword(t *testing.T) {
	_, _ = capture(t)
	e := newCLIEnv(t, 2)
	t.Setenv("PAKFETCH_PASSWORD", "wrong")

	assert.Equal(t, ExitAuthFailed, run(e.args("fetch")))
	assert.Empty(t, e.cdn.ShardCalls())
}

func TestResolveCommand(t *testing.T) {
	out, errOut := capture(t)
	e := newCLIEnv(t, 1)

	code := run(e.args("resolve"))
	require.Equal(t, ExitSuccess, code, errOut.String())
	assert.Contains(t, out.String(), "Container: pak01")
	assert.Contains(t, out.String(), "Shards: 243, 354, 356")
	assert.Contains(t, out.String(), "Discovered: 243, 354, 356 (4 iterations)")

	_, err := os.Stat(filepath.Join(e.outDir, sink.ManifestIDFile))
	assert.True(t, errors.Is(err, os.ErrNotExist), "resolve writes no output")
}

func TestVerifyAndClean(t *testing.T) {
	out, errOut := capture(t)
	e := newCLIEnv(t, 2)

	require.Equal(t, ExitSuccess, run(e.args("fetch")), errOut.String())

	out.Reset()
	require.Equal(t, ExitSuccess, run(e.args("verify")), errOut.String())
	assert.Contains(t, out.String(), "Status: VALID")

	require.NoError(t, os.WriteFile(e.shardPath(354), []byte("garbage"), 0o644))

	out.Reset()
	assert.Equal(t, ExitValidationFailed, run(e.args("verify")))
	assert.Contains(t, out.String(), "Status: INVALID")
	assert.Contains(t, out.String(), "Size mismatches: 1")

	out.Reset()
	require.Equal(t, ExitSuccess, run(e.args("verify", "--fix")), errOut.String())
	assert.Contains(t, out.String(), "pak01_354.vpk")

	data, err := os.ReadFile(e.shardPath(354))
	require.NoError(t, err)
	assert.Equal(t, e.cdn.Fixture.Shards[354], data)

	errOut.Reset()
	cleanArgs := []string{"clean", "--force", "--cache", bucketURL(e.cacheDir), "--log-level", "warn"}
	require.Equal(t, ExitSuccess, run(cleanArgs), errOut.String())
	assert.Contains(t, errOut.String(), "Deleted 4 cached shards")

	_, err = os.Stat(e.shardPath(354))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestConfigPrecedence(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "pakfetch.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
workers: 8
cdn: https://file.example.com
username: from-file
retry:
  attempts: 7
`), 0o644))
	t.Setenv("PAKFETCH_USERNAME", "from-env")
	t.Setenv("PAKFETCH_WORKERS", "12")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var flags configFlags
	flags.addStoreFlags(fs)
	flags.addSessionFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--config", configPath,
		"--workers", "2",
		"-t", "a.txt", "-t", "b.txt",
		"--retry-attempts", "0",
	}))

	cfg, err := flags.load(fs)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers, "flags beat env and file")
	assert.Equal(t, "from-env", cfg.Username, "env beats file")
	assert.Equal(t, "https://file.example.com", cfg.CDN)
	assert.Equal(t, []string{"a.txt", "b.txt"}, cfg.Targets)
	assert.Equal(t, 0, cfg.Retry.Attempts)
	assert.Equal(t, -1, pipelineOptions(cfg).Fetch.RetryAttempts, "0 retries disables retrying")
}

func TestInvalidFlags(t *testing.T) {
	_, errOut := capture(t)

	assert.Equal(t, ExitInvalidArgs, run([]string{"fetch", "--workers", "lots"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"fetch", "--strategy", "guess"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"resolve", "extra"}))
	assert.Equal(t, ExitSuccess, run([]string{"verify", "-h"}))
	assert.True(t, strings.Contains(errOut.String(), "--fix"))
}

func TestExitCode(t *testing.T) {
	ref := vpk.ShardRef{Base: "pak01", Index: 354}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"canceled", fmt.Errorf("x: %w", context.Canceled), ExitInterrupted},
		{"login", &auth.LoginError{Result: auth.ResultInvalidPassword}, ExitAuthFailed},
		{"manifest", &pipeline.StageError{Stage: pipeline.StageManifest, Err: &manifest.ManifestParseError{Reason: "bad"}}, ExitManifestError},
		{"exhausted", &resolver.ShardResolutionExhaustedError{Container: "pak01"}, ExitResolveFailed},
		{"target", fmt.Errorf("%w: x", resolver.ErrTargetNotFound), ExitResolveFailed},
		{"download", errors.Join(&downloader.ShardDownloadError{Shard: ref, Attempts: 6, Err: errors.New("reset")}), ExitDownloadFailed},
		{"breaker", &downloader.CircuitBreakerError{ConsecutiveFailures: 10}, ExitDownloadFailed},
		{"extract", &extractor.MissingShardForEntryError{Path: "a", Shard: ref}, ExitExtractFailed},
		{"output", &pipeline.StageError{Stage: pipeline.StageOutput, Err: errors.New("disk full")}, ExitStorageError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

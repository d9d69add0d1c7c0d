package runner

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/opencrawl/elastic-crawler-service/internal/crawl"
)

// fakeCommandRunner records the invocation and snapshots the config file
// while it still exists, then returns a canned result.
type fakeCommandRunner struct {
	spec       CommandSpec
	configData []byte
	result     CommandResult
	err        error
	calls      int
}

func (f *fakeCommandRunner) Run(_ context.Context, spec CommandSpec) (CommandResult, error) {
	f.calls++
	f.spec = spec
	if len(spec.Args) == 2 {
		data, err := os.ReadFile(spec.Args[1])
		if err == nil {
			f.configData = data
		}
	}
	return f.result, f.err
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		BinaryPath: "/crawler/bin/crawler",
		WorkingDir: "/crawler",
		Timeout:    time.Minute,
		TempDir:    t.TempDir(),
		ESHost:     "https://es.internal:9200",
		ESAPIKey:   "super-secret-key",
	}
}

func testRequest() crawl.Request {
	return crawl.Request{
		Domains:     []crawl.Domain{{URL: "https://example.com", SeedURLs: []string{"https://example.com/start"}}},
		OutputIndex: "search-example",
	}
}

func TestRunnerRun_SuccessExtractsStats(t *testing.T) {
	t.Parallel()

	fake := &fakeCommandRunner{
		result: CommandResult{
			ExitCode: 0,
			Stdout: strings.Join([]string{
				"[crawl] Starting crawl for https://example.com",
				"Pages visited: 42",
				"Documents upserted: 40",
				"Crawl duration: 12.5",
			}, "\n"),
		},
	}
	r := NewWithCommandRunner(testConfig(t), fake, zap.NewNop())

	out, err := r.Run(context.Background(), testRequest())
	require.NoError(t, err)

	require.Equal(t, crawl.ResultStatusSuccess, out.Result.Status)
	require.Zero(t, out.Result.ReturnCode)
	require.Equal(t, "search-example", out.Result.OutputIndex)
	require.Equal(t, []string{"https://example.com"}, out.Result.DomainsCrawled)
	require.NotNil(t, out.Result.Stats)
	require.Equal(t, "42", out.Result.Stats.PagesVisited)
	require.Equal(t, "40", out.Result.Stats.DocumentsIndexed)
	require.Equal(t, "12.5", out.Result.Stats.DurationSeconds)
	require.Contains(t, out.Stdout, "Pages visited")
}

func TestRunnerRun_InvokesCrawlSubcommand(t *testing.T) {
	t.Parallel()

	fake := &fakeCommandRunner{result: CommandResult{ExitCode: 0}}
	cfg := testConfig(t)
	r := NewWithCommandRunner(cfg, fake, zap.NewNop())

	_, err := r.Run(context.Background(), testRequest())
	require.NoError(t, err)

	require.Equal(t, cfg.BinaryPath, fake.spec.Path)
	require.Equal(t, cfg.WorkingDir, fake.spec.Dir)
	require.Len(t, fake.spec.Args, 2)
	require.Equal(t, "crawl", fake.spec.Args[0])
	require.True(t, strings.HasSuffix(fake.spec.Args[1], ".yml"))
}

func TestRunnerRun_MergesCredentialsIntoConfigFile(t *testing.T) {
	t.Parallel()

	fake := &fakeCommandRunner{result: CommandResult{ExitCode: 0}}
	r := NewWithCommandRunner(testConfig(t), fake, zap.NewNop())

	_, err := r.Run(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotEmpty(t, fake.configData)

	var merged map[string]any
	require.NoError(t, yaml.Unmarshal(fake.configData, &merged))
	require.Equal(t, "elasticsearch", merged["output_sink"])
	require.Equal(t, "search-example", merged["output_index"])

	es, ok := merged["elasticsearch"].(map[any]any)
	require.True(t, ok)
	require.Equal(t, "https://es.internal:9200", es["host"])
	require.Equal(t, "super-secret-key", es["api_key"])
}

func TestRunnerRun_RemovesConfigFileAlways(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		result CommandResult
		err    error
	}{
		{name: "success", result: CommandResult{ExitCode: 0}},
		{name: "crawl failure", result: CommandResult{ExitCode: 2, Stderr: "boom"}},
		{name: "timeout", err: context.DeadlineExceeded},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeCommandRunner{result: tc.result, err: tc.err}
			r := NewWithCommandRunner(testConfig(t), fake, zap.NewNop())

			_, _ = r.Run(context.Background(), testRequest())

			require.Len(t, fake.spec.Args, 2)
			_, statErr := os.Stat(fake.spec.Args[1])
			require.True(t, os.IsNotExist(statErr), "temp config should be removed")
		})
	}
}

func TestRunnerRun_NonZeroExitBuildsErrorResult(t *testing.T) {
	t.Parallel()

	fake := &fakeCommandRunner{
		result: CommandResult{
			ExitCode: 3,
			Stderr:   strings.Repeat("x", 600),
		},
	}
	r := NewWithCommandRunner(testConfig(t), fake, zap.NewNop())

	out, err := r.Run(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, crawl.ResultStatusError, out.Result.Status)
	require.Equal(t, 3, out.Result.ReturnCode)
	require.Len(t, out.Result.ErrorMessage, 500)
}

func TestRunnerRun_EmptyStderrFallsBackToGenericMessage(t *testing.T) {
	t.Parallel()

	fake := &fakeCommandRunner{result: CommandResult{ExitCode: 1}}
	r := NewWithCommandRunner(testConfig(t), fake, zap.NewNop())

	out, err := r.Run(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, "crawl failed", out.Result.ErrorMessage)
}

func TestRunnerRun_MissingCredentialsShortCircuits(t *testing.T) {
	t.Parallel()

	fake := &fakeCommandRunner{}
	cfg := testConfig(t)
	cfg.ESAPIKey = ""
	r := NewWithCommandRunner(cfg, fake, zap.NewNop())

	_, err := r.Run(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrMissingCredentials)
	require.Zero(t, fake.calls, "subprocess must not be invoked without credentials")
}

func TestRunnerRun_TimeoutReturnsSentinel(t *testing.T) {
	t.Parallel()

	fake := &fakeCommandRunner{err: context.DeadlineExceeded}
	r := NewWithCommandRunner(testConfig(t), fake, zap.NewNop())

	_, err := r.Run(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRunnerRun_ResultNeverContainsCredentials(t *testing.T) {
	t.Parallel()

	fake := &fakeCommandRunner{
		result: CommandResult{
			ExitCode: 1,
			Stdout:   "Pages visited: 1",
			Stderr:   "connection refused",
		},
	}
	r := NewWithCommandRunner(testConfig(t), fake, zap.NewNop())

	out, err := r.Run(context.Background(), testRequest())
	require.NoError(t, err)

	encoded, err := json.Marshal(out.Result)
	require.NoError(t, err)
	require.NotContains(t, string(encoded), "super-secret-key")
	require.NotContains(t, string(encoded), "es.internal")
}

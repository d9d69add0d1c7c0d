// Package runner invokes the external crawler binary for a single crawl.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/opencrawl/elastic-crawler-service/internal/crawl"
)

// Sentinel errors surfaced to callers before or instead of a crawl result.
var (
	// ErrMissingCredentials means the Elasticsearch secrets were not present
	// in the environment. The subprocess is never started in that case.
	ErrMissingCredentials = errors.New("elasticsearch configuration not found in environment")
	// ErrTimeout means the crawler binary exceeded its execution budget.
	ErrTimeout = errors.New("crawler execution timed out")
)

const maxStderrBytes = 500

// Config controls how the crawler binary is located and bounded.
type Config struct {
	BinaryPath string
	WorkingDir string
	Timeout    time.Duration
	TempDir    string
	ESHost     string
	ESAPIKey   string
}

// Runner writes a merged config file and shells out to the crawler binary.
type Runner struct {
	cfg    Config
	exec   CommandRunner
	logger *zap.Logger
}

// New constructs a Runner that executes the real binary.
func New(cfg Config, logger *zap.Logger) *Runner {
	return NewWithCommandRunner(cfg, execCommandRunner{}, logger)
}

// NewWithCommandRunner constructs a Runner with an injected command runner
// (primarily for testing).
func NewWithCommandRunner(cfg Config, exec CommandRunner, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, exec: exec, logger: logger}
}

// Run merges credentials into the request, writes a temporary YAML config,
// invokes `<binary> crawl <path>` and returns a sanitized summary. The temp
// file is removed whether the crawl succeeds, fails or times out. The
// returned Result never carries the Elasticsearch host or API key.
func (r *Runner) Run(ctx context.Context, req crawl.Request) (crawl.RunOutput, error) {
	if r.cfg.ESHost == "" || r.cfg.ESAPIKey == "" {
		return crawl.RunOutput{}, ErrMissingCredentials
	}

	configPath, err := r.writeConfigFile(req)
	if err != nil {
		return crawl.RunOutput{}, err
	}
	defer func() {
		if rmErr := os.Remove(configPath); rmErr != nil && !os.IsNotExist(rmErr) {
			r.logger.Warn("remove temp config failed", zap.Error(rmErr))
		}
	}()

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	started := time.Now()
	cmdResult, err := r.exec.Run(runCtx, CommandSpec{
		Path: r.cfg.BinaryPath,
		Args: []string{"crawl", configPath},
		Dir:  r.cfg.WorkingDir,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return crawl.RunOutput{}, ErrTimeout
		}
		return crawl.RunOutput{}, fmt.Errorf("run crawler: %w", err)
	}

	r.logger.Debug("crawler finished",
		zap.Int("exit_code", cmdResult.ExitCode),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("stdout_bytes", len(cmdResult.Stdout)),
		zap.Int("stderr_bytes", len(cmdResult.Stderr)),
	)

	return crawl.RunOutput{
		Result: buildResult(req, cmdResult),
		Stdout: cmdResult.Stdout,
		Stderr: cmdResult.Stderr,
	}, nil
}

func (r *Runner) writeConfigFile(req crawl.Request) (string, error) {
	merged := req.ConfigMap()
	merged["output_sink"] = "elasticsearch"
	merged["elasticsearch"] = map[string]any{
		"host":    r.cfg.ESHost,
		"api_key": r.cfg.ESAPIKey,
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("marshal crawl config: %w", err)
	}

	f, err := os.CreateTemp(r.cfg.TempDir, "crawl-*.yml")
	if err != nil {
		return "", fmt.Errorf("create temp config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		closeErr := f.Close()
		if rmErr := os.Remove(f.Name()); rmErr != nil {
			r.logger.Warn("remove temp config failed", zap.Error(rmErr))
		}
		if closeErr != nil {
			return "", fmt.Errorf("write temp config: %w (close: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write temp config: %w", err)
	}
	if err := f.Close(); err != nil {
		if rmErr := os.Remove(f.Name()); rmErr != nil {
			r.logger.Warn("remove temp config failed", zap.Error(rmErr))
		}
		return "", fmt.Errorf("close temp config: %w", err)
	}
	return f.Name(), nil
}

// buildResult maps the subprocess outcome to the sanitized response. It is a
// pure function of the exit code and captured output.
func buildResult(req crawl.Request, cmd CommandResult) crawl.Result {
	result := crawl.Result{
		Status:         crawl.ResultStatusSuccess,
		ReturnCode:     cmd.ExitCode,
		OutputIndex:    req.OutputIndex,
		DomainsCrawled: req.DomainURLs(),
	}
	if stats := extractStats(cmd.Stdout); !stats.Empty() {
		result.Stats = &stats
	}
	if cmd.ExitCode != 0 {
		result.Status = crawl.ResultStatusError
		result.ErrorMessage = truncate(cmd.Stderr, maxStderrBytes)
		if result.ErrorMessage == "" {
			result.ErrorMessage = "crawl failed"
		}
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

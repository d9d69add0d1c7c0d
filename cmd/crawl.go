package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"

	"github.com/opencrawl/elastic-crawler-service/internal/crawl"
	"github.com/opencrawl/elastic-crawler-service/internal/runner"
)

func newCrawlCmd() *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl locally without the HTTP server",
		Long: `Reads a crawl request from a YAML or JSON file, runs the crawler
binary synchronously with credentials from the environment, and prints
the sanitized result. Useful for smoke-testing a deployment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, requestFile)
		},
	}

	cmd.Flags().StringVar(&requestFile, "request-file", "", "path to a crawl request file (required)")
	_ = cmd.MarkFlagRequired("request-file")

	return cmd
}

func runCrawlCommand(cmd *cobra.Command, requestFile string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	req, err := readRequestFile(requestFile)
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	crawlRunner := runner.New(runner.Config{
		BinaryPath: cfg.Crawler.BinaryPath,
		WorkingDir: cfg.Crawler.WorkingDir,
		Timeout:    cfg.CrawlTimeout(),
		TempDir:    cfg.Crawler.TempDir,
		ESHost:     cfg.Elasticsearch.Host,
		ESAPIKey:   cfg.Elasticsearch.APIKey,
	}, logger.Named("runner"))

	logger.Info("starting crawl",
		zap.Strings("domains", req.DomainURLs()),
		zap.String("output_index", req.OutputIndex))

	out, err := crawlRunner.Run(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}

	encoded, err := json.MarshalIndent(out.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

// readRequestFile parses a crawl request from YAML or JSON. YAML is tried
// first since JSON is a subset of the accepted config format anyway.
func readRequestFile(path string) (crawl.Request, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path.
	if err != nil {
		return crawl.Request{}, fmt.Errorf("read request file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		if jsonErr := json.Unmarshal(data, &raw); jsonErr != nil {
			return crawl.Request{}, fmt.Errorf("parse request file: %w", err)
		}
	}

	// Round-trip through JSON so the request struct tags apply uniformly.
	normalized, err := json.Marshal(normalizeKeys(raw))
	if err != nil {
		return crawl.Request{}, fmt.Errorf("normalize request: %w", err)
	}
	var req crawl.Request
	if err := json.Unmarshal(normalized, &req); err != nil {
		return crawl.Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// normalizeKeys converts yaml.v2 map[interface{}]interface{} values into
// map[string]any so they can be re-encoded as JSON.
func normalizeKeys(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeKeys(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeKeys(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeKeys(item)
		}
		return out
	default:
		return v
	}
}

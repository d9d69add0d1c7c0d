// Package cmd defines the CLI commands for the elastic-crawler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencrawl/elastic-crawler-service/internal/config"
	"github.com/opencrawl/elastic-crawler-service/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "elastic-crawler",
		Short: "HTTP deployment wrapper around the Elastic Open Crawler binary",
		Long: `elastic-crawler exposes the Elastic Open Crawler binary as a service.
It accepts crawl configurations over HTTP, merges in Elasticsearch
credentials from the environment, runs the crawler as a subprocess, and
reports sanitized results.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfigAndLogger builds the shared config and logger for subcommands.
func loadConfigAndLogger() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencrawl/elastic-crawler-service/internal/config"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", config.ServiceName, config.Version)
		},
	}
}

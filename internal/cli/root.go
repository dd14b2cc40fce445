// Package cli implements the threadlens command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/bryan-buckman/threadlens/internal/config"
	"github.com/bryan-buckman/threadlens/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "threadlens",
	Short: "Ingest subreddit posts and sort them into categories",
	Long: `threadlens pulls recent posts from tracked subreddits, refetching a
community only when its stored copy is older than the freshness window, and
asks a language model which categories each post belongs to. Verdicts are
cached so a post is never classified twice.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if v := os.Getenv("THREADLENS_CONFIG"); v != "" && !cmd.Flags().Changed("config") {
			path = v
		}
		c, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		l, err := logging.New(c.Logging.Level, c.Logging.Format, verbose)
		if err != nil {
			return err
		}
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "threadlens.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(serveCmd, fetchCmd, classifyCmd, seedCmd, purgeCmd, categoriesCmd, exportOPMLCmd)
}

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/bryan-buckman/threadlens/internal/config"
	"github.com/bryan-buckman/threadlens/internal/opml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	seedOPML     string
	seedBackfill bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register the configured communities, optionally fetching and classifying them",
	Long: `Upserts every community from the config file (or from an OPML file with
--opml). With --backfill each community is fetched and, when an oracle is
configured, its posts are classified and per-category counts are logged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mode := noOracle
		if seedBackfill {
			mode = optionalOracle
		}
		a, err := newApp(ctx, mode)
		if err != nil {
			return err
		}
		defer a.Close()

		seeds := cfg.Seeds()
		if seedOPML != "" {
			seeds, err = opmlSeeds(seedOPML)
			if err != nil {
				return err
			}
		}
		for _, s := range seeds {
			if _, err := a.service.AddCommunity(ctx, s.Name, s.DisplayName); err != nil {
				return fmt.Errorf("seed %s: %w", s.Name, err)
			}
			logger.Info("seeded community", zap.String("community", s.Name))
		}

		if !seedBackfill {
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d communities\n", len(seeds))
			return nil
		}

		for _, s := range seeds {
			posts, err := a.service.GetRecentPosts(ctx, s.Name)
			if err != nil {
				logger.Warn("backfill failed", zap.String("community", s.Name), zap.Error(err))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d posts\n", s.Name, len(posts))
			if a.classifier == nil {
				continue
			}
			report := a.classifier.ClassifyAndAggregate(ctx, posts)
			for _, b := range report.Buckets {
				logger.Info("category count",
					zap.String("community", s.Name), zap.String("category", b.Category.ID), zap.Int("count", b.Count))
			}
		}
		return nil
	},
}

// seedCommunities registers the configured communities.
func seedCommunities(ctx context.Context, a *app) error {
	for _, s := range cfg.Seeds() {
		if _, err := a.service.AddCommunity(ctx, s.Name, s.DisplayName); err != nil {
			return fmt.Errorf("seed %s: %w", s.Name, err)
		}
	}
	return nil
}

func opmlSeeds(path string) ([]config.CommunitySeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := opml.Parse(f)
	if err != nil {
		return nil, err
	}
	seeds := make([]config.CommunitySeed, len(entries))
	for i, e := range entries {
		seeds[i] = config.CommunitySeed{Name: e.Name, DisplayName: e.DisplayName}
	}
	return seeds, nil
}

func init() {
	seedCmd.Flags().StringVar(&seedOPML, "opml", "", "Read communities from an OPML file instead of the config")
	seedCmd.Flags().BoolVar(&seedBackfill, "backfill", false, "Fetch and classify each community after seeding")
}

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/spf13/cobra"
)

var (
	fetchForce bool
	fetchTop   int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <community>...",
	Short: "Return recent posts, refetching only stale communities",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, noOracle)
		if err != nil {
			return err
		}
		defer a.Close()

		out := make(map[string][]model.Post, len(args))
		for _, name := range args {
			if fetchForce {
				if _, err := a.service.Refresh(ctx, name); err != nil {
					return err
				}
			}
			posts, err := a.service.GetRecentPosts(ctx, name)
			if err != nil {
				return fmt.Errorf("posts unavailable for %s: %w", name, err)
			}
			out[model.NormalizeCommunity(name)] = posts
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), out)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, name := range args {
			posts := out[model.NormalizeCommunity(name)]
			fmt.Fprintf(tw, "r/%s\t%d posts\n", model.NormalizeCommunity(name), len(posts))
			for i, p := range posts {
				if fetchTop > 0 && i >= fetchTop {
					break
				}
				fmt.Fprintf(tw, "  %d\t%d comments\t%s\t%s\n", p.Score, p.CommentCount, p.ExternalID, p.Title)
			}
		}
		return tw.Flush()
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchForce, "force", false, "Refetch even when the stored posts are fresh")
	fetchCmd.Flags().IntVar(&fetchTop, "top", 10, "Posts to list per community (0 for all)")
}

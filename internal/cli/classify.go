package cli

import (
	"errors"
	"fmt"

	"github.com/bryan-buckman/threadlens/internal/classify"
	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/spf13/cobra"
)

var (
	classifyIDs    []string
	classifyStored bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify [community]",
	Short: "Classify a community's recent posts and print the category buckets",
	Long: `Classifies the recent posts of a community (or the posts named with --post)
and groups them by category. Cached verdicts are reused; only unseen posts
reach the oracle. With --stored no oracle call is made and only cached
verdicts are aggregated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) == 0 && len(classifyIDs) == 0 {
			return errors.New("name a community or pass --post")
		}
		a, err := newApp(ctx, requireOracle)
		if err != nil {
			return err
		}
		defer a.Close()

		var posts []model.Post
		switch {
		case len(args) == 1 && classifyStored:
			posts, err = a.service.StoredPosts(ctx, args[0])
		case len(args) == 1:
			posts, err = a.service.GetRecentPosts(ctx, args[0])
		default:
			for _, id := range classifyIDs {
				p, perr := a.service.Post(ctx, id)
				if perr != nil {
					return fmt.Errorf("post %s: %w", id, perr)
				}
				posts = append(posts, *p)
			}
		}
		if err != nil {
			return err
		}

		var report *classify.Report
		if classifyStored {
			buckets, err := a.classifier.AggregateStored(ctx, posts)
			if err != nil {
				return err
			}
			report = &classify.Report{Buckets: buckets}
		} else {
			report = a.classifier.ClassifyAndAggregate(ctx, posts)
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), report.Buckets)
		}
		w := cmd.OutOrStdout()
		for _, b := range report.Buckets {
			fmt.Fprintf(w, "%s (%d)\n", b.Category.Name, b.Count)
			for _, p := range b.Posts {
				fmt.Fprintf(w, "  [%s] %s\n", p.ExternalID, p.Title)
			}
		}
		if failed := report.Failed(); len(failed) > 0 {
			fmt.Fprintf(w, "\n%d of %d posts could not be classified:\n", len(failed), len(posts))
			for _, f := range failed {
				fmt.Fprintf(w, "  [%s] %v\n", f.Post.ExternalID, f.Err)
			}
		}
		return nil
	},
}

func init() {
	classifyCmd.Flags().StringSliceVar(&classifyIDs, "post", nil, "Classify these stored posts by external id")
	classifyCmd.Flags().BoolVar(&classifyStored, "stored", false, "Aggregate cached verdicts only, without calling the oracle")
}

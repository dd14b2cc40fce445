package cli

import (
	"errors"
	"fmt"

	"github.com/bryan-buckman/threadlens/internal/classify"
	"github.com/spf13/cobra"
)

var (
	purgeIDs []string
	purgeAll bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete cached classifications so posts are classified again",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(purgeIDs) == 0 && !purgeAll {
			return errors.New("pass --post <id> or --all")
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, noOracle)
		if err != nil {
			return err
		}
		defer a.Close()

		ids := purgeIDs
		if purgeAll {
			ids = nil
		}
		n, err := classify.NewStoreCache(a.store, cfg.Store.Timeout).Invalidate(ctx, ids...)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d classifications\n", n)
		return nil
	},
}

func init() {
	purgeCmd.Flags().StringSliceVar(&purgeIDs, "post", nil, "External ids to purge")
	purgeCmd.Flags().BoolVar(&purgeAll, "all", false, "Purge every cached classification")
}

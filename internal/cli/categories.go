package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/bryan-buckman/threadlens/internal/classify"
	"github.com/bryan-buckman/threadlens/internal/opml"
	"github.com/spf13/cobra"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "Print the active category schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := classify.LoadSchema(cfg.Classify.CategoriesFile)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), schema.Categories())
		}
		for _, c := range schema.Categories() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-20s %s\n", c.ID, c.Name, c.Description)
		}
		return nil
	},
}

var exportOutput string

var exportOPMLCmd = &cobra.Command{
	Use:   "export-opml",
	Short: "Write the tracked communities as an OPML feed list",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, noOracle)
		if err != nil {
			return err
		}
		defer a.Close()

		communities, err := a.service.Communities(ctx)
		if err != nil {
			return err
		}
		data, err := opml.Export("threadlens communities", communities, time.Now())
		if err != nil {
			return err
		}
		if exportOutput == "" || exportOutput == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		return os.WriteFile(exportOutput, data, 0o644)
	},
}

func init() {
	exportOPMLCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "File to write (default stdout)")
}

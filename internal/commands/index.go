package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// indexCmd rebuilds the similarity index from a dataset.
var indexCmd = &cobra.Command{
	Use:   "index [dataset.jsonl]",
	Short: "Build the similarity index",
	Long:  `Chunk, embed and store a JSONL dataset, replacing the current index. Without an argument the configured default dataset is used.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		dataset := ""
		if len(args) == 1 {
			dataset = args[0]
		}
		res, err := a.Indexer.Build(cmd.Context(), dataset)
		if err != nil {
			return err
		}
		ok := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d chunks from %d records (%s) -> %s\n",
			ok("indexed"), res.Chunks, res.Records, res.Dataset, res.Location)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mwiater/imagingrag/internal/answer"
	"github.com/spf13/cobra"
)

// askCmd answers one question from the index.
var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about medical imaging",
	Long:  `Answer a question from the indexed imaging notes, streaming the reply and listing the sources it was grounded on.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")
		noStream, _ := cmd.Flags().GetBool("no-stream")

		a, err := loadApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		req := answer.Request{Message: strings.Join(args, " "), K: k}
		out := cmd.OutOrStdout()
		if noStream {
			ans, err := a.Answerer.Ask(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, ans.Answer)
			printSources(out, ans.Contexts)
			return nil
		}

		for ev := range a.Answerer.Stream(cmd.Context(), req) {
			switch ev.Type {
			case answer.EventToken:
				fmt.Fprint(out, ev.Content)
			case answer.EventEnd:
				fmt.Fprintln(out)
				printSources(out, ev.Contexts)
			case answer.EventError:
				fmt.Fprintln(out)
				if ev.Err != nil {
					return ev.Err
				}
				return fmt.Errorf("%s", ev.Error)
			}
		}
		return nil
	},
}

func printSources(out io.Writer, contexts []answer.Context) {
	if len(contexts) == 0 {
		return
	}
	label := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintln(out)
	for _, c := range contexts {
		fmt.Fprintf(out, "%s %s (score %.3f)\n", label("source:"), c.Source, c.Score)
	}
}

func init() {
	askCmd.Flags().Int("k", 0, "number of snippets to retrieve (default rag.topK)")
	askCmd.Flags().Bool("no-stream", false, "wait for the full answer instead of streaming tokens")
	rootCmd.AddCommand(askCmd)
}

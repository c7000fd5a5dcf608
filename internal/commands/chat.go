// internal/commands/chat.go
package commands

import (
	"github.com/mwiater/imagingrag/internal/tui"
	"github.com/spf13/cobra"
)

// startGUI is a function alias to tui.StartGUI for starting the chat interface.
var startGUI = tui.StartGUI

// chatCmd represents the 'chat' command, which starts an interactive chat session.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start a chat session",
	Long:  `The 'chat' command starts an interactive chat over the imaging knowledge base. Earlier turns are remembered for follow-up questions.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")

		a, err := loadApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		sessionID, err := a.Sessions.Create(cmd.Context())
		if err != nil {
			return err
		}
		if k <= 0 {
			k = a.Config.TopK()
		}
		return startGUI(cmd.Context(), a.Answerer, tui.Options{
			SessionID: sessionID,
			K:         k,
			Model:     a.Config.ChatModelName(),
			Debug:     a.Config.Debug,
		})
	},
}

func init() {
	chatCmd.Flags().Int("k", 0, "number of snippets to retrieve (default rag.topK)")
	rootCmd.AddCommand(chatCmd)
}

package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mwiater/imagingrag/internal/vision"
	"github.com/spf13/cobra"
)

// classifyCmd labels an image file as cat, dog or unknown.
var classifyCmd = &cobra.Command{
	Use:   "classify <image>",
	Short: "Classify an image as cat, dog or unknown",
	Long:  `Classify an image with the vision model. Passing --cat and/or --dog example images enables few-shot prompting.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catPath, _ := cmd.Flags().GetString("cat")
		dogPath, _ := cmd.Flags().GetString("dog")

		req := vision.Request{FewShot: catPath != "" || dogPath != ""}
		var err error
		if req.Image, err = os.ReadFile(args[0]); err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		if catPath != "" {
			if req.Cat, err = os.ReadFile(catPath); err != nil {
				return fmt.Errorf("read cat example: %w", err)
			}
		}
		if dogPath != "" {
			if req.Dog, err = os.ReadFile(dogPath); err != nil {
				return fmt.Errorf("read dog example: %w", err)
			}
		}

		a, err := loadApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Labeler.Classify(cmd.Context(), req)
		if err != nil {
			return err
		}
		labelColor := color.New(color.FgYellow, color.Bold)
		switch res.Label {
		case vision.LabelCat:
			labelColor = color.New(color.FgGreen, color.Bold)
		case vision.LabelDog:
			labelColor = color.New(color.FgBlue, color.Bold)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (raw: %q)\n", labelColor.Sprint(res.Label), res.Raw)
		return nil
	},
}

func init() {
	classifyCmd.Flags().String("cat", "", "example cat image for few-shot prompting")
	classifyCmd.Flags().String("dog", "", "example dog image for few-shot prompting")
	rootCmd.AddCommand(classifyCmd)
}

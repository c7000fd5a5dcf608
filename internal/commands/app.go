package commands

import (
	"errors"

	"github.com/mwiater/imagingrag/internal/app"
	"github.com/spf13/cobra"
)

// openApp is swapped out in tests.
var openApp = app.Open

// loadApp opens the configured components. Commands that call the model
// provider require an API key up front.
func loadApp(cmd *cobra.Command, needKey bool) (*app.App, error) {
	cfg := GetConfig()
	if cfg == nil {
		return nil, errors.New("configuration is not loaded")
	}
	if needKey {
		if err := cfg.RequireAPIKey(); err != nil {
			return nil, err
		}
	}
	return openApp(cmd.Context(), *cfg)
}

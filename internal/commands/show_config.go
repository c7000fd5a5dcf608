package commands

import (
	"errors"

	"github.com/k0kubun/pp"
	"github.com/mwiater/imagingrag/internal/appconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// showCmd groups commands that display resources.
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Group commands for displaying resources",
}

// showConfigCmd implements the 'show config' command, which displays the current configuration settings.
var showConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show config settings",
	Long:  `Show the effective configuration after defaults, the config file, environment variables and flags are merged. Secrets are redacted.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if cfg == nil {
			return errors.New("configuration is not loaded")
		}
		raw, _ := cmd.Flags().GetBool("raw")
		if raw {
			pp.ColoringEnabled = false
			_, err := pp.Fprintln(cmd.OutOrStdout(), appconfig.Effective(*cfg).Redacted())
			return err
		}
		return appconfig.ShowConfig(cmd.OutOrStdout(), viper.ConfigFileUsed(), *cfg)
	},
}

func init() {
	showConfigCmd.Flags().Bool("raw", false, "dump the config struct instead of YAML")
	showCmd.AddCommand(showConfigCmd)
	rootCmd.AddCommand(showCmd)
}

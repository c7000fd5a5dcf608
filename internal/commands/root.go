// internal/commands/root.go
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mwiater/imagingrag/internal/appconfig"
	"github.com/mwiater/imagingrag/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "IMAGINGRAG"

var (
	cfgFile       string
	currentConfig *appconfig.Config
	appVersion    = "dev"
	appCommit     = "none"
	appDate       = "unknown"
)

// envAliases lists the unprefixed variables accepted for a key, after the
// IMAGINGRAG_ form.
var envAliases = map[string][]string{
	"apiKey":                {"OPENAI_API_KEY"},
	"baseURL":               {"OPENAI_BASE_URL"},
	"chatModel":             {"CHAT_MODEL"},
	"embedModel":            {"EMBED_MODEL"},
	"visionModel":           nil,
	"rag.indexPath":         nil,
	"rag.chromaURL":         {"CHROMA_URL"},
	"session.redisAddr":     {"REDIS_ADDR"},
	"session.redisPassword": {"REDIS_PASSWORD"},
	"session.redisDB":       nil,
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "imagingrag",
	Short: "imagingrag: retrieval-augmented Q&A over medical imaging notes, plus a cat/dog image labeler",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureConfigLoaded(); err != nil {
			return err
		}

		if !cmd.Flags().Changed("debug") {
			_ = cmd.Flags().Set("debug", strconv.FormatBool(viper.GetBool("debug")))
		}

		cfg, err := materializeConfig(os.Getenv)
		if err != nil {
			return err
		}
		currentConfig = &cfg

		if err := logging.Init(currentConfig.LogFilePath()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", appVersion, appCommit, appDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logging.Close()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", appconfig.DefaultConfigPath, "config file (YAML or JSON)")

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("logFile", "", "path to the log file")
	rootCmd.PersistentFlags().String("provider", "", "model provider: openai or gemini")
	rootCmd.PersistentFlags().String("chatModel", "", "chat model name")
	rootCmd.PersistentFlags().String("embedModel", "", "embedding model name")

	for _, name := range []string{"debug", "logFile", "provider", "chatModel", "embedModel"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig wires .env, defaults and environment variables into viper.
func initConfig() {
	_ = godotenv.Load()

	for key, value := range appconfig.Defaults() {
		viper.SetDefault(key, value)
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{envName(key)}, aliases...)
		_ = viper.BindEnv(append([]string{key}, names...)...)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// ensureConfigLoaded reads the config file. A missing file means defaults.
func ensureConfigLoaded() error {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}

// materializeConfig snapshots the merged viper state (flags > env > file >
// defaults) and validates it.
func materializeConfig(getenv func(string) string) (appconfig.Config, error) {
	var cfg appconfig.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return appconfig.Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ConfigPath = viper.ConfigFileUsed()
	applyProviderKey(&cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return appconfig.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyProviderKey picks the Gemini key for the gemini provider when the
// configured key only came from OPENAI_API_KEY.
func applyProviderKey(cfg *appconfig.Config, getenv func(string) string) {
	if cfg.ProviderName() != appconfig.ProviderGemini || getenv(envName("apiKey")) != "" {
		return
	}
	if cfg.APIKey != "" && cfg.APIKey != getenv("OPENAI_API_KEY") {
		return
	}
	for _, name := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if key := getenv(name); key != "" {
			cfg.APIKey = key
			return
		}
	}
}

// GetConfig returns the loaded application configuration for other packages.
func GetConfig() *appconfig.Config {
	return currentConfig
}

// SetVersionInfo allows the main package to inject build-time variables.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

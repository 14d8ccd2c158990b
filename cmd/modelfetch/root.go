package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shepherd-project/modelfetch/internal/config"
)

const envPrefix = "MODELFETCH"

// override copies one flag or environment value onto the loaded file configuration
type override struct {
	key   string
	apply func(v *viper.Viper, cfg *config.Config)
}

// Flags are bound under their own names; dotted keys are environment only,
// e.g. MODELFETCH_DOWNLOAD_RATE_LIMIT.
var overrides = []override{
	{"models-dir", func(v *viper.Viper, c *config.Config) { c.Download.ModelsDir = v.GetString("models-dir") }},
	{"catalog", func(v *viper.Viper, c *config.Config) { c.Catalog.Path = v.GetString("catalog") }},
	{"log-level", func(v *viper.Viper, c *config.Config) { c.Log.Level = v.GetString("log-level") }},
	{"max-concurrent", func(v *viper.Viper, c *config.Config) {
		c.Download.MaxConcurrent = v.GetInt("max-concurrent")
	}},
	{"download.rate_limit", func(v *viper.Viper, c *config.Config) {
		c.Download.RateLimit = v.GetInt64("download.rate_limit")
	}},
	{"download.read_timeout", func(v *viper.Viper, c *config.Config) {
		c.Download.ReadTimeout = v.GetDuration("download.read_timeout")
	}},
	{"download.retry_count", func(v *viper.Viper, c *config.Config) {
		c.Download.RetryCount = v.GetInt("download.retry_count")
	}},
	{"download.install_dependencies", func(v *viper.Viper, c *config.Config) {
		c.Download.InstallDependencies = v.GetBool("download.install_dependencies")
	}},
	{"download.huggingface_endpoint", func(v *viper.Viper, c *config.Config) {
		c.Download.ModelRepo.HuggingFaceEndpoint = v.GetString("download.huggingface_endpoint")
	}},
	{"download.huggingface_token", func(v *viper.Viper, c *config.Config) {
		c.Download.ModelRepo.HuggingFaceToken = v.GetString("download.huggingface_token")
	}},
	{"download.modelscope_endpoint", func(v *viper.Viper, c *config.Config) {
		c.Download.ModelRepo.ModelScopeEndpoint = v.GetString("download.modelscope_endpoint")
	}},
}

func newRootCmd() *cobra.Command {
	var v *viper.Viper
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "modelfetch",
		Short:         "Download and verify speech model bundles",
		Long:          "modelfetch downloads model bundles from ModelScope, HuggingFace or HTTP mirrors, resumes interrupted transfers and verifies every file before it is used.",
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			if err := loadDotEnv(configPath); err != nil {
				return err
			}
			v = newViper()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			loaded, err := loadConfig(v)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	pflags := root.PersistentFlags()
	pflags.String("config", "", "path to the config file (default config/modelfetch.config.yaml)")
	pflags.String("models-dir", "", "directory holding the model bundles")
	pflags.String("catalog", "", "YAML catalog replacing the built-in model list")
	pflags.String("log-level", "", "log level: debug, info, warn, error")
	pflags.Int("max-concurrent", 0, "downloads running at the same time")
	pflags.BoolP("verbose", "v", false, "log to the console while running commands")

	current := func() *config.Config { return cfg }
	verbose := func() bool { return v != nil && v.GetBool("verbose") }

	root.AddCommand(
		newServeCmd(current),
		newListCmd(current, verbose),
		newStatusCmd(current, verbose),
		newDownloadCmd(current, verbose),
		newDeleteCmd(current, verbose),
		newCleanupCmd(current, verbose),
		newHistoryCmd(current, verbose),
		newVersionCmd(),
	)
	root.CompletionOptions.HiddenDefaultCmd = true
	return root
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// loadDotEnv reads MODELFETCH_* variables from a .env file next to the config file.
// Variables already set in the environment win.
func loadDotEnv(configPath string) error {
	envFile := filepath.Join(filepath.Dir(configManager(configPath).GetConfigPath()), ".env")

	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat .env file: %w", err)
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// configManager uses path, or the default location when path is empty
func configManager(path string) *config.Manager {
	if path == "" {
		return config.NewManager()
	}
	return config.NewManagerWithPath(path)
}

// loadConfig reads the YAML file, then applies environment variables and flags on top
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := configManager(v.GetString("config")).Load()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply(v, cfg)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Package cmd implements the CLI commands for transmux.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/transmux/internal/config"
	"github.com/jmylchreest/transmux/internal/observability"
	"github.com/jmylchreest/transmux/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	// appConfig is loaded before any subcommand runs.
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "transmux",
	Short:   "Transmux HLS media segments to fragmented MP4",
	Version: version.Short(),
	Long: `transmux converts HLS media segments (MPEG-TS, fragmented MP4, raw
AAC, MP3 and AC-3) into fragmented MP4 suitable for Media Source Extensions.

Segments are read from local files, optionally decrypted (AES-128 or
SAMPLE-AES), demuxed, and remuxed into per-track init segments and
moof/mdat fragments.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Decode(viper.GetViper())
		if err != nil {
			return err
		}
		appConfig = cfg
		return initLogging(cfg.Logging)
	}

	// These flags are not bound to viper; they only override config/env when
	// explicitly set, keeping the priority flag > env > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.transmux.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/transmux")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".transmux")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging installs the default logger. Explicit --log-level and
// --log-format flags win over the loaded configuration.
func initLogging(logCfg config.LoggingConfig) error {
	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		logCfg.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		logCfg.Format = strings.ToLower(format)
	}
	if logCfg.Format != "json" && logCfg.Format != "text" {
		return fmt.Errorf("log format must be one of: json, text")
	}

	logger := observability.NewLogger(logCfg)
	logger = observability.WithApp(logger, version.ApplicationName)
	observability.SetDefault(logger)
	slog.Debug("logging initialised", slog.String("level", logCfg.Level))

	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

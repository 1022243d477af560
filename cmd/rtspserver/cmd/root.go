// Package cmd implements the CLI commands for rtspserver.
package cmd

import (
	"cmp"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nofearsk/rtspserver/internal/config"
	"github.com/nofearsk/rtspserver/internal/observability"
	"github.com/nofearsk/rtspserver/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "rtspserver",
	Short:   "RTSP to HLS gateway with on-demand stream supervision",
	Version: version.Short(),
	Long: `rtspserver is a gateway that turns RTSP camera feeds into HLS streams
playable in any browser.

Feeds are registered through a REST API and transcoded on demand: a viewer
requesting a playlist starts the ffmpeg session, heartbeats keep it alive,
and idle sessions are reaped. Playlist access is protected by short-lived
signed tokens.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Assigned here rather than in the rootCmd literal: initLogging reads
	// rootCmd.PersistentFlags, which do not exist until init runs.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// The logging flags are deliberately not bound to viper: a bound flag
	// always wins, even at its default value, which would bury env and
	// config settings. initLogging consults Changed() instead.
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/rtspserver, $HOME/.rtspserver)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "json", "log format (text, json)")
}

// initConfig seeds the global viper instance so logging can be configured
// before a command runs. Commands load the typed config through
// config.Load, which resolves the same file.
func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range []string{".", "./configs", "/etc/rtspserver", "$HOME/.rtspserver"} {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix("RTSP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	}
}

// initLogging builds the process logger. Precedence, highest first:
// explicit --log-level and --log-format flags, then RTSP_LOGGING_* env
// vars, then the config file, then the built-in defaults (info, json).
// The level can still be changed at runtime through the settings API.
func initLogging() error {
	logCfg := config.LoggingConfig{
		Level:      strings.ToLower(flagOr("log-level", viper.GetString("logging.level"))),
		Format:     strings.ToLower(flagOr("log-format", viper.GetString("logging.format"))),
		AddSource:  viper.GetBool("logging.add_source"),
		TimeFormat: viper.GetString("logging.time_format"),
	}
	logCfg.Level = cmp.Or(logCfg.Level, "info")
	logCfg.Format = cmp.Or(logCfg.Format, "json")
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger)
	return nil
}

// flagOr returns the value of a persistent string flag when the user set
// it explicitly, and fallback otherwise.
func flagOr(name, fallback string) string {
	if rootCmd.PersistentFlags().Changed(name) {
		v, _ := rootCmd.PersistentFlags().GetString(name)
		return v
	}
	return fallback
}

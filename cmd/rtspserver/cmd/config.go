package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nofearsk/rtspserver/internal/config"
	"github.com/nofearsk/rtspserver/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing rtspserver configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

The output merges defaults with the config file and environment, so it
doubles as a template:

  rtspserver config dump > config.yaml

Values come from the config file (./config.yaml, ./configs/config.yaml,
/etc/rtspserver/config.yaml) and from RTSP_-prefixed environment
variables, with underscores for nesting: server.port -> RTSP_SERVER_PORT.`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

const dumpHeader = `# rtspserver configuration
#
# All values below reflect the currently effective configuration.
# Durations accept extended units: 500ms, 30s, 5m, 1h, 2d, 1w.
#
# Every key can be overridden through the environment with the RTSP_
# prefix and underscores for nesting, e.g. server.port -> RTSP_SERVER_PORT.

`

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	out, err := yaml.Marshal(flatten(reflect.ValueOf(*cfg)))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprint(cmd.OutOrStdout(), dumpHeader)
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// flatten renders a config struct as a map keyed by mapstructure tags.
// Durations become strings whose format reloads through the same parser
// the config loader uses, so the dump stays a valid config file.
func flatten(val reflect.Value) map[string]any {
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	out := make(map[string]any, val.NumField())
	for _, f := range reflect.VisibleFields(val.Type()) {
		key := f.Tag.Get("mapstructure")
		if key == "" {
			key = f.Name
		}

		fv := val.FieldByIndex(f.Index)
		switch {
		case fv.Type() == durationType:
			out[key] = duration.Format(fv.Interface().(time.Duration))
		case fv.Kind() == reflect.Struct:
			out[key] = flatten(fv)
		default:
			out[key] = fv.Interface()
		}
	}
	return out
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// ConfigKeyScriptsDir is the viper/config key for the provisioning scripts directory.
	ConfigKeyScriptsDir = "scripts_dir"

	// ConfigKeyLogLevel is the viper/config key for the log level.
	ConfigKeyLogLevel = "log_level"

	// ConfigKeyLogFormat is the viper/config key for the log format.
	ConfigKeyLogFormat = "log_format"

	// ConfigKeyStateMirror is the viper/config key for the registry mirror backend type.
	ConfigKeyStateMirror = "state_mirror"

	// ConfigKeyStateMirrorConfig is the viper/config key for the mirror backend settings.
	ConfigKeyStateMirrorConfig = "state_mirror_config"
)

var configKeys = []string{
	ConfigKeyScriptsDir,
	ConfigKeyLogLevel,
	ConfigKeyLogFormat,
	ConfigKeyStateMirror,
	ConfigKeyStateMirrorConfig,
}

const configKeysHelp = `Available keys:
  scripts-dir            Directory holding the provisioning scripts.
  log-level              debug, info, warn or error.
  log-format             console or json.
  state-mirror           Backend the deployment registry is mirrored to (s3, gcs, azurerm).
  state-mirror-config    Comma separated key=value settings of the mirror backend.`

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Get and set stackctl CLI configuration values stored in ~/.stackctl/config.yaml.`,
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigListCmd())

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value in ~/.stackctl/config.yaml.

` + configKeysHelp + `

Examples:
  stackctl config set scripts-dir /opt/syntho/scripts
  stackctl config set state-mirror s3
  stackctl config set state-mirror-config bucket=ops-state,region=eu-west-1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]

			viperKey, err := normalizeConfigKey(key)
			if err != nil {
				return err
			}

			if viperKey == ConfigKeyStateMirrorConfig {
				viper.Set(viperKey, splitList(value))
			} else {
				viper.Set(viperKey, value)
			}
			if err := writeConfig(); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			return nil
		},
	}

	return cmd
}

func newConfigGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Long: `Get a configuration value from ~/.stackctl/config.yaml.

Examples:
  stackctl config get scripts-dir`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			viperKey, err := normalizeConfigKey(key)
			if err != nil {
				return err
			}

			value := configValue(viperKey)
			if value == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not set\n", key)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), value)
			}
			return nil
		},
	}

	return cmd
}

func newConfigListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all configuration values",
		Long:  `List all configuration values from ~/.stackctl/config.yaml.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration:")

			set := 0
			for _, key := range configKeys {
				if value := configValue(key); value != "" {
					fmt.Fprintf(out, "  %s = %s\n", strings.ReplaceAll(key, "_", "-"), value)
					set++
				}
			}
			if set == 0 {
				fmt.Fprintln(out, "  (no values set)")
			}

			return nil
		},
	}

	return cmd
}

func configValue(key string) string {
	if key == ConfigKeyStateMirrorConfig {
		return strings.Join(viper.GetStringSlice(key), ",")
	}
	return viper.GetString(key)
}

// writeConfig writes the current viper config to the config file.
func writeConfig() error {
	configPath := viper.ConfigFileUsed()
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir := filepath.Join(home, ".stackctl")
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}

	return viper.WriteConfigAs(configPath)
}

// normalizeConfigKey converts CLI-style keys (with dashes) to viper-style keys (with underscores).
func normalizeConfigKey(key string) (string, error) {
	viperKey := strings.ReplaceAll(key, "-", "_")
	for _, known := range configKeys {
		if viperKey == known {
			return viperKey, nil
		}
	}
	return "", fmt.Errorf("unknown configuration key %q\n\n%s", key, configKeysHelp)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

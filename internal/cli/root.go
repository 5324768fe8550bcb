// Package cli implements the stackctl CLI commands.
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// Import state backends to register them via init()
	_ "github.com/davidthor/stackctl/pkg/state/backend/azurerm"
	_ "github.com/davidthor/stackctl/pkg/state/backend/gcs"
	_ "github.com/davidthor/stackctl/pkg/state/backend/local"
	_ "github.com/davidthor/stackctl/pkg/state/backend/s3"
)

var (
	cfgFile string
)

// rootCmd represents the base command
var rootCmd = newRootCmd()

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stackctl",
		Short: "Deploy the Syntho stack to Docker Compose hosts and Kubernetes clusters",
		Long: `stackctl deploys, updates and tears down the Syntho stack.

Deployments are tracked per host in a local registry so they can be
inspected, updated to a new release or destroyed later. Helper utilities
prepare hosts that pull images from a trusted or offline registry.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stackctl/config.yaml)")
	cmd.PersistentFlags().String("scripts-dir", "", "Directory holding the provisioning scripts (default is $HOME/.stackctl/scripts)")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")

	// Bind to viper
	_ = viper.BindPFlag(ConfigKeyScriptsDir, cmd.PersistentFlags().Lookup("scripts-dir"))
	_ = viper.BindPFlag(ConfigKeyLogLevel, cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag(ConfigKeyLogFormat, cmd.PersistentFlags().Lookup("log-format"))
	viper.SetEnvPrefix("STACKCTL")
	viper.AutomaticEnv()

	// Add subcommands
	cmd.AddCommand(newPlatformCmd(dockerComposeCLI))
	cmd.AddCommand(newPlatformCmd(kubernetesCLI))
	cmd.AddCommand(newUtilitiesCmd())
	cmd.AddCommand(newQuestionsCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in home directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".stackctl"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// Read config file if it exists
	_ = viper.ReadInConfig()
}

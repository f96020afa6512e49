// Package cli provides the CLI command structure for go_webhost.
package cli

import (
	"fmt"

	"github.com/andrei-cloud/go_webhost/internal/config"
	"github.com/andrei-cloud/go_webhost/internal/logging"
	"github.com/spf13/cobra"
)

// NewRootCommand creates and returns the root command with all subcommands.
func NewRootCommand() (*cobra.Command, error) {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "go_webhost",
		Short: "Extensible web host driven by plugins",
		Long: `A web server whose routes, sockets and request hooks are supplied by
plugins discovered under the plugin directory.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// Initialize configuration before running any command.
			if err := config.Initialize(cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg := config.Get()
			logging.InitLogger(false, cfg.Log.Format != "json")

			return logging.SetLevel(cfg.Log.Level)
		},
	}

	// Add persistent flags that affect all commands.
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.go_webhost/config.yaml)")
	flags.String("log-level", "info", "logging level (debug, info, warn, error)")
	flags.String("log-format", "human", "logging format (human, json)")
	flags.String("plugin-path", "", "path to plugin directory")

	v := config.GetViper()
	for key, flag := range map[string]string{
		"log.level":   "log-level",
		"log.format":  "log-format",
		"plugin.path": "plugin-path",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	// Register all commands.
	if err := RegisterCommands(rootCmd); err != nil {
		return nil, fmt.Errorf("failed to register commands: %w", err)
	}

	return rootCmd, nil
}

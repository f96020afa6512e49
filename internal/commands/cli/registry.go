// Package cli provides centralized command registration.
package cli

import (
	"fmt"

	"github.com/andrei-cloud/go_webhost/internal/commands/cli/plugin"
	"github.com/andrei-cloud/go_webhost/internal/commands/cli/server"
	"github.com/spf13/cobra"
)

// RegisterCommands registers all root commands.
func RegisterCommands(root *cobra.Command) error {
	serveCmd, err := server.NewServeCommand()
	if err != nil {
		return fmt.Errorf("failed to create serve command: %w", err)
	}
	root.AddCommand(serveCmd)
	root.AddCommand(plugin.NewPluginCommand())

	return nil
}

// Package plugin provides plugin listing commands.
package plugin

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/andrei-cloud/go_webhost/internal/config"
	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List discovered plugins",
		Long:  `Scan the plugin directory and report every plugin with its descriptor status. Nothing is loaded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Disable logging for CLI commands.
			log.Logger = log.Logger.Level(zerolog.Disabled)

			cfg := config.Get()
			order, err := plugins.ParseOrder(cfg.Plugin.Order)
			if err != nil {
				return err
			}

			return listPlugins(cmd.OutOrStdout(), cfg.Plugin.Path, order)
		},
	}
}

type row struct {
	id, name, version, main, status string
}

func listPlugins(out io.Writer, root string, order plugins.Order) error {
	res, err := plugins.Discover(root, plugins.DiscoverOptions{Order: order})
	if err != nil {
		return fmt.Errorf("failed to scan plugins: %w", err)
	}

	rows := make([]row, 0, len(res.Plugins)+len(res.Disabled)+len(res.Rejected))
	for _, d := range res.Plugins {
		rows = append(rows, descriptorRow(d, "ok"))
	}
	for _, d := range res.Disabled {
		rows = append(rows, descriptorRow(d, "disabled"))
	}
	for _, r := range res.Rejected {
		rows = append(rows, row{
			id:      filepath.Base(r.Dir),
			name:    "-",
			version: "-",
			main:    "-",
			status:  "invalid: " + r.Err.Error(),
		})
	}
	// Create tabwriter for aligned output.
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tName\tVersion\tMain file\tStatus")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t---------\t------")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.id, r.name, r.version, r.main, r.status)
	}

	return w.Flush()
}

func descriptorRow(d plugins.Descriptor, status string) row {
	main := d.MainFile
	if _, builtin := d.Builtin(); !builtin {
		if rel, err := filepath.Rel(d.Dir, d.MainFile); err == nil {
			main = rel
		}
	}

	return row{id: d.ID, name: d.Name, version: d.Version, main: main, status: status}
}

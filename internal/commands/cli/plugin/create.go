// Package plugin provides plugin creation commands.
package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrei-cloud/go_webhost/internal/config"
	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/spf13/cobra"
)

// Scaffold describes a plugin to create.
type Scaffold struct {
	ID      string
	Name    string
	Version string
	Kind    string
}

// NewCreateCommand creates the create command.
func NewCreateCommand() *cobra.Command {
	var s Scaffold

	cmd := &cobra.Command{
		Use:   "create ID",
		Short: "Create a new plugin",
		Long: `Create a new plugin directory under the plugin path with a plugin.yml
descriptor and an entry file for the chosen kind:
  lua   main.lua returning the manager
  wasm  main.go for GOOS=wasip1 using pkg/webplugin, built to main.wasm`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s.ID = args[0]
			if s.Name == "" {
				s.Name = s.ID
			}

			dir, err := Create(config.Get().Plugin.Path, s)
			if err != nil {
				return err
			}
			cmd.Printf("Created %s plugin %s in %s\n", s.Kind, s.ID, dir)

			return nil
		},
	}

	// Add flags.
	cmd.Flags().StringVarP(&s.Kind, "kind", "k", "lua", "Plugin kind (lua, wasm)")
	cmd.Flags().StringVarP(&s.Name, "name", "n", "", "Plugin display name")
	cmd.Flags().StringVarP(&s.Version, "version", "v", "0.1.0", "Plugin version")

	return cmd
}

// Create writes the scaffold under root and returns the plugin directory.
func Create(root string, s Scaffold) (string, error) {
	if !plugins.ValidID(s.ID) {
		return "", fmt.Errorf("invalid plugin id %q", s.ID)
	}

	s.Kind = strings.ToLower(s.Kind)

	var main, entry string
	switch s.Kind {
	case "lua":
		main, entry = "main.lua", fmt.Sprintf(luaTemplate, s.ID)
	case "wasm":
		main, entry = "main.wasm", fmt.Sprintf(wasmTemplate, s.ID)
	default:
		return "", fmt.Errorf("unknown plugin kind %q", s.Kind)
	}

	dir := filepath.Join(root, s.ID)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("plugin directory %s already exists", dir)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create plugin directory: %w", err)
	}

	descriptor := fmt.Sprintf(descriptorTemplate, s.Name, s.Version, s.ID, main, plugins.LoaderVersion)
	if err := os.WriteFile(filepath.Join(dir, plugins.DescriptorFile), []byte(descriptor), 0o644); err != nil {
		return "", fmt.Errorf("failed to write descriptor: %w", err)
	}

	entryFile := main
	if s.Kind == "wasm" {
		entryFile = "main.go"
	}
	if err := os.WriteFile(filepath.Join(dir, entryFile), []byte(entry), 0o644); err != nil {
		return "", fmt.Errorf("failed to write entry file: %w", err)
	}

	return dir, nil
}

const descriptorTemplate = `plugin:
  name: %q
  version: %q
  id: %s
  main-file: %s
loader:
  required-version: %.1f
  preferred-version: %.1[5]f
  enable-plugin: true
`

const luaTemplate = `-- %[1]s plugin
local ctx = ...
local m = ctx.manager()

m:route("/%[1]s", function(req)
  return "hello from %[1]s", 200
end)

return m
`

const wasmTemplate = `//go:build wasip1

// Build with: GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o main.wasm .
package main

import "github.com/andrei-cloud/go_webhost/pkg/webplugin"

func init() {
	webplugin.Route("/%[1]s", func(*webplugin.RequestInfo, []string) (any, int) {
		return "hello from %[1]s", 200
	})
}

func main() {}
`

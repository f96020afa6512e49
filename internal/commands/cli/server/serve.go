// Package server provides the serve command.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andrei-cloud/go_webhost/internal/config"
	"github.com/andrei-cloud/go_webhost/internal/errorcodes"
	"github.com/andrei-cloud/go_webhost/internal/plugins"
	_ "github.com/andrei-cloud/go_webhost/internal/plugins/builtin" // compiled-in entry points.
	"github.com/andrei-cloud/go_webhost/internal/plugins/luaplugin"
	"github.com/andrei-cloud/go_webhost/internal/plugins/wasmplugin"
	"github.com/andrei-cloud/go_webhost/internal/routecache"
	"github.com/andrei-cloud/go_webhost/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web host",
		Long:  `Discover and load plugins, bind their routes and sockets, and serve HTTP until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Run(cmd.Context(), config.Get())
		},
	}

	// Add serve command specific flags that can override config.
	cmd.Flags().String("host", "0.0.0.0", "Server host")
	cmd.Flags().Int("port", 8080, "Server port")
	cmd.Flags().Bool("strict", false, "Fail startup on any plugin error")

	// Bind serve command flags to viper.
	v := config.GetViper()
	for key, flag := range map[string]string{
		"server.host":   "host",
		"server.port":   "port",
		"plugin.strict": "strict",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	return cmd, nil
}

// Run performs the startup sequence and serves until ctx is done.
func Run(ctx context.Context, cfg *config.Config) error {
	app, err := Build(ctx, cfg)
	if err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return errors.Join(err, app.Close(context.WithoutCancel(ctx)))
	}

	<-ctx.Done()
	log.Info().Str("event", "shutdown").Msg("shutting down server...")

	return app.Stop(context.WithoutCancel(ctx))
}

// App is a configured host bound to its transport.
type App struct {
	Host   *plugins.Host
	Server *server.Server
	closer func() error
}

// Build loads the plugins and mounts them on a new server.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	codes, err := errorcodes.LoadDir(cfg.Server.ErrorHandlers)
	if err != nil {
		return nil, err
	}

	order, err := plugins.ParseOrder(cfg.Plugin.Order)
	if err != nil {
		return nil, err
	}

	app := &App{closer: func() error { return nil }}
	var store plugins.CacheStore = plugins.NewMemoryCache()
	if cfg.Cache.Backend == "redis" {
		rs, err := routecache.Dial(ctx, routecache.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		store = rs
		app.closer = rs.Close
	}

	app.Host = plugins.NewHost(cfg.Plugin.Path,
		plugins.WithStrict(cfg.Plugin.Strict),
		plugins.WithOrder(order),
		plugins.WithLoaders(luaplugin.NewLoader(), wasmplugin.NewLoader()),
		plugins.WithErrorCodes(codes),
		plugins.WithCacheStore(store),
		plugins.WithServerInfo(plugins.ServerInfo{
			Name:          cfg.Server.Name,
			Address:       cfg.Address(),
			HTMLDirectory: cfg.Server.HTMLDirectory,
			SSL:           cfg.Server.SSL.Enabled,
		}),
	)

	app.Server = server.NewServer(server.Config{
		Address:         cfg.Address(),
		Name:            cfg.Server.Name,
		HTMLDirectory:   cfg.Server.HTMLDirectory,
		IndexFile:       cfg.Server.IndexFile,
		ErrorCodes:      codes,
		CertFile:        sslFile(cfg, cfg.Server.SSL.Cert),
		KeyFile:         sslFile(cfg, cfg.Server.SSL.Key),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Intercept:       app.Host.Intercept,
	})

	if err := app.load(ctx, cfg.Plugin.Path); err != nil {
		return nil, errors.Join(err, app.Close(ctx))
	}

	return app, nil
}

func sslFile(cfg *config.Config, path string) string {
	if !cfg.Server.SSL.Enabled {
		return ""
	}

	return path
}

func (a *App) load(ctx context.Context, pluginPath string) error {
	if err := os.MkdirAll(pluginPath, 0o755); err != nil {
		return fmt.Errorf("failed to create plugin directory: %w", err)
	}
	if err := a.Host.Discover(); err != nil {
		return err
	}
	if err := a.Host.Initialize(ctx); err != nil {
		return err
	}
	if err := a.Host.BindManagers(ctx); err != nil {
		return err
	}

	for _, inst := range a.Host.Plugins() {
		log.Debug().
			Str("event", "plugin_details").
			Str("plugin", inst.ID()).
			Str("name", inst.Descriptor.Name).
			Str("version", inst.Descriptor.Version).
			Str("main_file", inst.Descriptor.MainFile).
			Msg("plugin details")
	}

	return a.Host.Mount(ctx, a.Server.RegisterRoute, a.Server.RegisterSocket)
}

// Start announces server.start and begins serving.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Host.DispatchEvent(ctx, plugins.EventServerStart); err != nil {
		return fmt.Errorf("%s: %w", plugins.EventServerStart, err)
	}

	return a.Server.Start()
}

// Stop ends serving, announces server.end and releases the plugins.
func (a *App) Stop(ctx context.Context) error {
	err := a.Server.Stop()
	if _, derr := a.Host.DispatchEvent(ctx, plugins.EventServerEnd); derr != nil {
		err = errors.Join(err, fmt.Errorf("%s: %w", plugins.EventServerEnd, derr))
	}

	return errors.Join(err, a.Close(ctx))
}

// Close releases the plugins and the cache connection.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Host.Close(ctx), a.closer())
}

// Package config loads the host configuration with viper: a YAML file,
// WEBHOST_* environment variables and command line flags bound by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. WEBHOST_SERVER_PORT.
const EnvPrefix = "WEBHOST"

var (
	configData Config
	v          *viper.Viper
)

// Config holds all configuration settings.
type Config struct {
	Server struct {
		Host            string
		Port            int
		Name            string
		HTMLDirectory   string        `mapstructure:"html-directory"`
		IndexFile       string        `mapstructure:"index-file"`
		ErrorHandlers   string        `mapstructure:"error-handlers"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
		SSL             struct {
			Enabled bool
			Cert    string
			Key     string
		}
	}
	Plugin struct {
		Path   string
		Strict bool
		Order  string
	}
	Cache struct {
		Backend string
		Redis   struct {
			Addr     string
			Password string
			DB       int
			Prefix   string
		}
	}
	Log struct {
		Level  string
		Format string
	}
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Initialize sets up the configuration system. An explicit file must exist;
// otherwise the default locations are searched and a default file is written
// under $HOME/.go_webhost when none is found.
func Initialize(file string) error {
	return load(GetViper(), file)
}

func load(v *viper.Viper, file string) error {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".go_webhost"))
		}
		v.AddConfigPath("/etc/go_webhost/")

		if err := ensureConfig(); err != nil {
			return fmt.Errorf("error creating config file: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unable to decode into config struct: %w", err)
	}

	root := "."
	if used := v.ConfigFileUsed(); used != "" {
		root = filepath.Dir(used)
	}
	if err := resolvePaths(&cfg, root); err != nil {
		return err
	}
	if err := validate(&cfg); err != nil {
		return err
	}
	configData = cfg

	return nil
}

// setDefaults sets default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.name", "PMgS")
	v.SetDefault("server.html-directory", "$(ROOT)/html")
	v.SetDefault("server.index-file", "index.html")
	v.SetDefault("server.error-handlers", "$(ROOT)/error-handlers")
	v.SetDefault("server.shutdown-timeout", "5s")
	v.SetDefault("server.ssl.enabled", false)
	v.SetDefault("server.ssl.cert", "")
	v.SetDefault("server.ssl.key", "")

	v.SetDefault("plugin.path", "$(ROOT)/plugins")
	v.SetDefault("plugin.strict", false)
	v.SetDefault("plugin.order", "id")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "webhost:route:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")
}

// resolvePaths expands $(ROOT), the directory of the config file, and
// $(CWD), the working directory, in path settings.
func resolvePaths(cfg *Config, root string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	r := strings.NewReplacer("$(ROOT)", root, "$(CWD)", cwd)

	for _, p := range []*string{
		&cfg.Server.HTMLDirectory,
		&cfg.Server.ErrorHandlers,
		&cfg.Server.SSL.Cert,
		&cfg.Server.SSL.Key,
		&cfg.Plugin.Path,
	} {
		if *p != "" {
			*p = filepath.Clean(r.Replace(*p))
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.SSL.Enabled && (cfg.Server.SSL.Cert == "" || cfg.Server.SSL.Key == "") {
		return errors.New("server.ssl.enabled requires server.ssl.cert and server.ssl.key")
	}
	switch cfg.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend %q: want memory or redis", cfg.Cache.Backend)
	}

	return nil
}

const defaultConfig = `# go_webhost configuration file
server:
  host: 0.0.0.0
  port: 8080
  name: PMgS
  html-directory: $(ROOT)/html
  error-handlers: $(ROOT)/error-handlers
  ssl:
    enabled: false

plugin:
  path: $(ROOT)/plugins
  strict: false
  order: id

cache:
  backend: memory

log:
  level: info
  format: human
`

// ensureConfig creates a default config file if none exists.
func ensureConfig() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	dir := filepath.Join(home, ".go_webhost")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := os.WriteFile(configFile, []byte(defaultConfig), 0o644); err != nil {
			return err
		}
	}

	return nil
}

// Get returns the current configuration.
func Get() *Config {
	return &configData
}

// GetViper returns the viper instance, for binding command line flags.
func GetViper() *viper.Viper {
	if v == nil {
		v = viper.New()
	}

	return v
}

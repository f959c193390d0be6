// Package config loads livedocs configuration with Viper from a
// .livedocs.yml file, LIVEDOCS_ environment variables and command-line
// flags, in increasing order of precedence.
//
// Every key has a default registered with SetDefaults, which is also what
// makes environment overrides visible to Unmarshal.
package config

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/livedocs/internal/graph"
	"github.com/conneroisu/livedocs/internal/server/middleware"
)

const (
	// EnvPrefix prefixes every environment override, e.g. LIVEDOCS_SERVER_PORT.
	EnvPrefix = "LIVEDOCS"
	// FileName is the config file looked up in the working directory.
	FileName = ".livedocs"
)

// Config is the complete livedocs configuration.
type Config struct {
	Site    SiteConfig    `mapstructure:"site" yaml:"site"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Watch   WatchConfig   `mapstructure:"watch" yaml:"watch"`
	Build   BuildConfig   `mapstructure:"build" yaml:"build"`
	Plugins PluginsConfig `mapstructure:"plugins" yaml:"plugins"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// SiteConfig locates the sources and the output.
type SiteConfig struct {
	Title        string `mapstructure:"title" yaml:"title"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	ContentDir   string `mapstructure:"content_dir" yaml:"content_dir"`
	TemplateDir  string `mapstructure:"template_dir" yaml:"template_dir"`
	ComponentDir string `mapstructure:"component_dir" yaml:"component_dir"`
	OutputDir    string `mapstructure:"output_dir" yaml:"output_dir"`
}

type ServerConfig struct {
	Host           string               `mapstructure:"host" yaml:"host"`
	Port           int                  `mapstructure:"port" yaml:"port"`
	Environment    string               `mapstructure:"environment" yaml:"environment"`
	AllowedOrigins []string             `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	GzipMinSize    int                  `mapstructure:"gzip_min_size" yaml:"gzip_min_size"`
	InjectClient   bool                 `mapstructure:"inject_client" yaml:"inject_client"`
	StatsInterval  time.Duration        `mapstructure:"stats_interval" yaml:"stats_interval"`
	RateLimit      middleware.RateLimit `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
	// BuildCommands run in the site directory after each accepted change.
	BuildCommands []string `mapstructure:"build_commands" yaml:"build_commands"`
}

type BuildConfig struct {
	// Workers bounds concurrent page renders; 0 uses GOMAXPROCS.
	Workers int  `mapstructure:"workers" yaml:"workers"`
	Clean   bool `mapstructure:"clean" yaml:"clean"`
}

// PluginsConfig enables plugins and carries their settings by name.
type PluginsConfig struct {
	Disabled []string                          `mapstructure:"disabled" yaml:"disabled"`
	Settings map[string]map[string]interface{} `mapstructure:"settings" yaml:"settings"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("site.title", "")
	v.SetDefault("site.base_url", "http://localhost:8080")
	v.SetDefault("site.content_dir", "content")
	v.SetDefault("site.template_dir", "templates")
	v.SetDefault("site.component_dir", "components")
	v.SetDefault("site.output_dir", "dist")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.gzip_min_size", 1024)
	v.SetDefault("server.inject_client", true)
	v.SetDefault("server.stats_interval", time.Duration(0))
	v.SetDefault("server.rate_limit.requests_per_minute", 0)
	v.SetDefault("server.rate_limit.burst", 0)

	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce", 100*time.Millisecond)
	v.SetDefault("watch.build_commands", []string{})

	v.SetDefault("build.workers", 0)
	v.SetDefault("build.clean", false)

	v.SetDefault("plugins.disabled", []string{})
	v.SetDefault("plugins.settings", map[string]interface{}{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a Viper instance with defaults and environment overrides
// configured.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads path into v. With an empty path it looks for .livedocs.yml
// in dir and silently continues when there is none.
func ReadFile(v *viper.Viper, path, dir string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && stderrors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Plugins.Settings == nil {
		cfg.Plugins.Settings = make(map[string]map[string]interface{})
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Layout returns the source layout with directories made absolute against
// base.
func (c *Config) Layout(base string) graph.Layout {
	return graph.Layout{
		ContentDir:   resolve(base, c.Site.ContentDir),
		TemplateDir:  resolve(base, c.Site.TemplateDir),
		ComponentDir: resolve(base, c.Site.ComponentDir),
	}
}

// OutputDir returns the output directory made absolute against base.
func (c *Config) OutputDir(base string) string {
	return resolve(base, c.Site.OutputDir)
}

// PluginSettings returns the settings handed to the plugin manager.
// Disabled plugins get enabled=false and the site title reaches the
// markdown plugin unless it sets its own.
func (c *Config) PluginSettings() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(c.Plugins.Settings)+len(c.Plugins.Disabled))
	for name, settings := range c.Plugins.Settings {
		copied := make(map[string]interface{}, len(settings))
		for k, v := range settings {
			copied[k] = v
		}
		out[name] = copied
	}
	for _, name := range c.Plugins.Disabled {
		if out[name] == nil {
			out[name] = make(map[string]interface{})
		}
		out[name]["enabled"] = false
	}
	if c.Site.Title != "" {
		if out["markdown"] == nil {
			out["markdown"] = make(map[string]interface{})
		}
		if _, ok := out["markdown"]["site_title"]; !ok {
			out["markdown"]["site_title"] = c.Site.Title
		}
	}
	return out
}

func resolve(base, dir string) string {
	switch {
	case dir == "":
		return ""
	case filepath.IsAbs(dir):
		return filepath.Clean(dir)
	}
	return filepath.Join(base, dir)
}

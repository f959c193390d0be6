package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/logging"
)

// ValidationError is one problem with a configuration value.
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds every error and warning found in a configuration.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors reports whether validation failed.
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// String formats the result for the console.
func (vr *ValidationResult) String() string {
	var b strings.Builder
	write := func(title string, list []ValidationError) {
		if len(list) == 0 {
			return
		}
		b.WriteString(title + ":\n")
		for _, ve := range list {
			fmt.Fprintf(&b, "  - %s: %s\n", ve.Field, ve.Message)
			for _, s := range ve.Suggestions {
				fmt.Fprintf(&b, "      hint: %s\n", s)
			}
		}
	}
	write("Errors", vr.Errors)
	write("Warnings", vr.Warnings)
	return b.String()
}

func (vr *ValidationResult) fail(field string, value interface{}, msg string, suggestions ...string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: msg, Suggestions: suggestions})
}

func (vr *ValidationResult) warn(field string, value interface{}, msg string, suggestions ...string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: msg, Suggestions: suggestions})
}

// Validate returns every validation error of cfg combined, or nil.
func Validate(cfg *Config) error {
	var err error
	for _, ve := range ValidateDetails(cfg).Errors {
		err = multierr.Append(err, errors.NewConfigError("INVALID_"+strings.ToUpper(strings.ReplaceAll(ve.Field, ".", "_")), ve.Error()))
	}
	return err
}

// ValidateDetails checks cfg and reports errors and warnings with hints.
func ValidateDetails(cfg *Config) *ValidationResult {
	result := &ValidationResult{}
	validateSite(&cfg.Site, result)
	validateServer(&cfg.Server, result)
	validateWatch(&cfg.Watch, result)
	validatePlugins(&cfg.Plugins, result)

	if cfg.Build.Workers < 0 {
		result.fail("build.workers", cfg.Build.Workers, "must not be negative", "Use 0 to render with one worker per CPU")
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		result.fail("log.level", cfg.Log.Level, err.Error(), "Use one of debug, info, warn, error")
	}
	if cfg.Log.Format != "" && cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		result.fail("log.format", cfg.Log.Format, "unknown log format", "Use text or json")
	}
	return result
}

func validateSite(site *SiteConfig, result *ValidationResult) {
	dirs := []struct {
		field string
		value string
	}{
		{"site.content_dir", site.ContentDir},
		{"site.template_dir", site.TemplateDir},
		{"site.component_dir", site.ComponentDir},
		{"site.output_dir", site.OutputDir},
	}
	for _, d := range dirs {
		if err := validatePath(d.value); err != nil {
			result.fail(d.field, d.value, err.Error())
		}
	}
	if site.ContentDir == "" {
		result.fail("site.content_dir", site.ContentDir, "content directory is required")
	}
	if site.OutputDir == "" {
		result.fail("site.output_dir", site.OutputDir, "output directory is required")
	}

	out := filepath.Clean(site.OutputDir)
	for _, d := range dirs[:3] {
		if d.value != "" && filepath.Clean(d.value) == out {
			result.fail("site.output_dir", site.OutputDir,
				fmt.Sprintf("output directory is the same as %s", d.field),
				"Write the generated site to its own directory such as dist")
		}
	}

	if site.BaseURL != "" {
		u, err := url.Parse(site.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			result.fail("site.base_url", site.BaseURL, "base URL must be an absolute http(s) URL",
				"Example: https://docs.example.com")
		}
	}
}

func validateServer(server *ServerConfig, result *ValidationResult) {
	if server.Port < 0 || server.Port > 65535 {
		result.fail("server.port", server.Port, fmt.Sprintf("port %d is not in valid range 0-65535", server.Port),
			"Common development ports: 3000, 8000, 8080",
			"Port 0 lets the system pick a free port")
	} else if server.Port > 0 && server.Port < 1024 {
		result.warn("server.port", server.Port, "port below 1024 requires elevated privileges")
	}

	if strings.ContainsAny(server.Host, ";&|$`()<>\"'\\ ") {
		result.fail("server.host", server.Host, "host contains invalid characters",
			"Use localhost for local development", "Use 0.0.0.0 to listen on all interfaces")
	}

	switch server.Environment {
	case "development", "production":
	default:
		result.fail("server.environment", server.Environment, "unknown environment",
			"Use development or production")
	}

	if server.GzipMinSize < 0 {
		result.fail("server.gzip_min_size", server.GzipMinSize, "must not be negative")
	}
	if server.StatsInterval < 0 {
		result.fail("server.stats_interval", server.StatsInterval, "must not be negative")
	}
	if server.RateLimit.RequestsPerMinute < 0 || server.RateLimit.BurstLimit < 0 {
		result.fail("server.rate_limit", server.RateLimit, "limits must not be negative")
	}
	for _, origin := range server.AllowedOrigins {
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			result.fail("server.allowed_origins", origin, "origin must be scheme://host[:port]")
		}
	}
}

func validateWatch(watch *WatchConfig, result *ValidationResult) {
	if watch.Debounce < 0 {
		result.fail("watch.debounce", watch.Debounce, "must not be negative")
	}
	for _, cmd := range watch.BuildCommands {
		if strings.TrimSpace(cmd) == "" {
			result.fail("watch.build_commands", cmd, "build command cannot be empty")
		}
	}
}

func validatePlugins(plugins *PluginsConfig, result *ValidationResult) {
	for _, name := range plugins.Disabled {
		if !validPluginName(name) {
			result.fail("plugins.disabled", name, "plugin names may only contain letters, digits, - and _")
		}
	}
	for name := range plugins.Settings {
		if !validPluginName(name) {
			result.fail("plugins.settings", name, "plugin names may only contain letters, digits, - and _")
		}
	}
}

func validPluginName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

// validatePath rejects traversal and shell metacharacters. Empty paths are
// left to the caller.
func validatePath(path string) error {
	if path == "" {
		return nil
	}
	for _, seg := range strings.Split(filepath.ToSlash(filepath.Clean(path)), "/") {
		if seg == ".." {
			return fmt.Errorf("path contains traversal: %s", path)
		}
	}
	if strings.ContainsAny(path, ";&|$`<>\"'") {
		return fmt.Errorf("path contains invalid characters: %s", path)
	}
	return nil
}

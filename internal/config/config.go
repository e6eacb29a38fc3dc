// Package config loads tracer settings from defaults, an optional JSON file
// and X86TRACE_* environment variables, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	BackendBuiltin = "builtin"
	BackendPlugin  = "plugin"
	BackendNone    = "none"

	DefaultPluginPath = "libx86trace.so"
)

// Config represents configuration for the tracer
type Config struct {
	Backend    string `json:"backend" jsonschema:"title=Backend,enum=builtin,enum=plugin,enum=none,default=builtin,description=Decode engine provider"`
	PluginPath string `json:"pluginPath,omitempty" jsonschema:"title=Plugin Path,description=Shared object loaded when backend is plugin"`
	Debug      bool   `json:"debug,omitempty" jsonschema:"title=Debug,description=Enable debug logging"`
	NoColor    bool   `json:"noColor,omitempty" jsonschema:"title=No Color,description=Disable syntax highlighting of trace lines"`
}

func Default() Config {
	return Config{
		Backend:    BackendBuiltin,
		PluginPath: DefaultPluginPath,
	}
}

// Load returns the defaults overlaid with path (when non-empty) and the
// environment. The result is not validated; callers apply their own
// overrides first and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("X86TRACE_BACKEND"); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("X86TRACE_PLUGIN"); v != "" {
		c.PluginPath = v
	}
	if os.Getenv("X86TRACE_LOG_LEVEL") == "debug" {
		c.Debug = true
	}
	if os.Getenv("X86TRACE_NO_COLOR") != "" {
		c.NoColor = true
	}
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendBuiltin, BackendNone:
	case BackendPlugin:
		if c.PluginPath == "" {
			return fmt.Errorf("backend %q requires pluginPath", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

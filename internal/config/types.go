package config

import "time"

// Config represents the complete envgate configuration.
type Config struct {
	Service    ServiceConfig     `yaml:"service"`
	State      StateConfig       `yaml:"state"`
	API        APIConfig         `yaml:"api,omitempty"`
	Tool       ToolConfig        `yaml:"tool"`
	Workspaces map[string]string `yaml:"workspaces"` // name -> root directory
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// ToolConfig defines how to invoke the environment tool.
type ToolConfig struct {
	Path        string        `yaml:"path"`
	Args        []string      `yaml:"args,omitempty"`
	GracePeriod time.Duration `yaml:"grace_period,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "envgate",
			LogLevel:        "info",
			LogFormat:       "json",
			RefreshInterval: 60 * time.Second,
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Tool: ToolConfig{
			Path:        "rt",
			GracePeriod: 5 * time.Second,
		},
		Workspaces: make(map[string]string),
	}
}

package config

import (
	"fmt"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

func validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if !validLogFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.RefreshInterval < 0 {
		return fmt.Errorf("service.refresh_interval must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.Tool.Path == "" {
		return fmt.Errorf("tool.path is required")
	}
	if cfg.Tool.GracePeriod < 0 {
		return fmt.Errorf("tool.grace_period must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if cfg.API.Auth.APIKey == "" {
			return fmt.Errorf("api.auth.api_key is required when api.enabled is true")
		}
	}

	for name, root := range cfg.Workspaces {
		if name == "" {
			return fmt.Errorf("workspaces: empty workspace name")
		}
		if root == "" {
			return fmt.Errorf("workspace %q: root directory is required", name)
		}
	}

	return nil
}

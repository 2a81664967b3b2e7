package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "server.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Server.Port),
		})
	}

	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Server.Bind != "" && !slices.Contains(validBinds, cfg.Server.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "server.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Server.Bind),
		})
	}

	if cfg.Server.Bind == "custom" && cfg.Server.CustomBindHost == "" {
		issues = append(issues, ValidationIssue{
			Path:    "server.customBindHost",
			Message: "required when bind is custom",
		})
	}

	if cfg.Agents.DefaultMaxChats < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "agents.defaultMaxChats",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Agents.DefaultMaxChats),
		})
	}

	if cfg.Reaper.IntervalMinutes < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "reaper.intervalMinutes",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Reaper.IntervalMinutes),
		})
	}
	if cfg.Reaper.IdleMinutes < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "reaper.idleMinutes",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Reaper.IdleMinutes),
		})
	}

	if cfg.Events.URL != "" && cfg.Events.Exchange == "" {
		issues = append(issues, ValidationIssue{
			Path:    "events.exchange",
			Message: "required when events.url is set",
		})
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	return issues
}

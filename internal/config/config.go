package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 18640,
			Bind: "loopback",
		},
		Database: DBConfig{
			Path: "livechat.db",
		},
		Agents: AgentsConfig{
			DefaultMaxChats: 5,
		},
		Reaper: ReaperConfig{
			IntervalMinutes: 5,
			IdleMinutes:     30,
		},
		Events: EventsConfig{
			Exchange: "livechat.events",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

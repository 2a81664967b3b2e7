package config

// Config is the root configuration for the livechat service.
type Config struct {
	Server   ServerConfig  `yaml:"server,omitempty"`
	Database DBConfig      `yaml:"database,omitempty"`
	Agents   AgentsConfig  `yaml:"agents,omitempty"`
	Reaper   ReaperConfig  `yaml:"reaper,omitempty"`
	Events   EventsConfig  `yaml:"events,omitempty"`
	Logging  LoggingConfig `yaml:"logging,omitempty"`
}

// ServerConfig controls the HTTP/WebSocket server.
type ServerConfig struct {
	Port           int        `yaml:"port,omitempty"`
	Bind           string     `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string     `yaml:"customBindHost,omitempty"`
	Auth           AuthConfig `yaml:"auth,omitempty"`
	AllowedOrigins []string   `yaml:"allowedOrigins,omitempty"`
}

// AuthConfig configures the gateway shared-secret check. Principal
// identity itself is resolved upstream and trusted here.
type AuthConfig struct {
	Token string `yaml:"token,omitempty"`
}

// DBConfig selects the SQLite database location.
type DBConfig struct {
	Path string `yaml:"path,omitempty"`
}

// AgentsConfig carries agent capacity defaults.
type AgentsConfig struct {
	DefaultMaxChats int `yaml:"defaultMaxChats,omitempty"`
}

// ReaperConfig controls the idle-session sweep.
type ReaperConfig struct {
	IntervalMinutes int `yaml:"intervalMinutes,omitempty"`
	IdleMinutes     int `yaml:"idleMinutes,omitempty"`
}

// EventsConfig configures downstream event publishing over AMQP.
// Leave URL empty to disable publishing.
type EventsConfig struct {
	URL      string `yaml:"url,omitempty"`
	Exchange string `yaml:"exchange,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_ValidDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 70000
	issues := Validate(&cfg)
	assert.Len(t, issues, 1)
	assert.Equal(t, "server.port", issues[0].Path)
}

func TestValidate_InvalidBind(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Bind = "tailnet"
	issues := Validate(&cfg)
	assert.Len(t, issues, 1)
	assert.Equal(t, "server.bind", issues[0].Path)
}

func TestValidate_CustomBindRequiresHost(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Bind = "custom"
	issues := Validate(&cfg)
	assert.Len(t, issues, 1)
	assert.Equal(t, "server.customBindHost", issues[0].Path)

	cfg.Server.CustomBindHost = "10.0.0.5"
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_EventsURLNeedsExchange(t *testing.T) {
	cfg := Defaults()
	cfg.Events.URL = "amqp://localhost"
	cfg.Events.Exchange = ""
	issues := Validate(&cfg)
	assert.Len(t, issues, 1)
	assert.Equal(t, "events.exchange", issues[0].Path)
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Logging.Level = "loud"
	issues := Validate(&cfg)
	assert.Len(t, issues, 1)
	assert.Equal(t, "logging.level", issues[0].Path)
}

func TestValidate_MultipleIssues(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	cfg.Logging.Level = "loud"
	cfg.Reaper.IdleMinutes = -5
	assert.Len(t, Validate(&cfg), 3)
}

func TestValidationIssueString(t *testing.T) {
	issue := ValidationIssue{Path: "server.port", Message: "bad"}
	assert.Equal(t, "server.port: bad", issue.String())
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"riverops/internal/domain"
)

// Config models riverops.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Database struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"database"`
	Escalation struct {
		// Cron expression for the sweep; robfig/cron syntax.
		Schedule string `yaml:"schedule"`
		// Hours an order may sit in pending_reporter_confirm before the
		// sweep intervenes. The per-priority map overrides the default.
		DeadlineHours   int            `yaml:"deadline_hours"`
		PriorityHours   map[string]int `yaml:"priority_hours"`
		DefaultResult   string         `yaml:"default_result"`
		FallbackActorID string         `yaml:"fallback_actor_id"`
		RetryAttempts   int            `yaml:"retry_attempts"`
	} `yaml:"escalation"`
	Events struct {
		NATSURL       string `yaml:"nats_url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"events"`
}

// Default returns a config with working defaults for local use.
func Default() *Config {
	c := &Config{}
	c.Server.Addr = ":8080"
	c.Server.BasePath = "/v0"
	c.Database.DataDir = ".riverops"
	c.Escalation.Schedule = "@hourly"
	c.Escalation.DeadlineHours = 24
	c.Escalation.DefaultResult = string(domain.InterventionCompleted)
	c.Escalation.FallbackActorID = "system"
	c.Escalation.RetryAttempts = 3
	c.Events.SubjectPrefix = "riverops"
	return c
}

// Load reads and validates config from path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses a config on top of the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Escalation.DeadlineHours <= 0 {
		return fmt.Errorf("config.escalation.deadline_hours must be positive")
	}
	switch domain.InterventionResult(c.Escalation.DefaultResult) {
	case domain.InterventionCompleted, domain.InterventionRejected:
	default:
		return fmt.Errorf("config.escalation.default_result must be completed or rejected")
	}
	for p, h := range c.Escalation.PriorityHours {
		switch domain.Priority(p) {
		case domain.PriorityUrgent, domain.PriorityImportant, domain.PriorityNormal:
		default:
			return fmt.Errorf("config.escalation.priority_hours has unknown priority %s", p)
		}
		if h <= 0 {
			return fmt.Errorf("config.escalation.priority_hours.%s must be positive", p)
		}
	}
	if c.Escalation.RetryAttempts < 1 {
		return fmt.Errorf("config.escalation.retry_attempts must be at least 1")
	}
	return nil
}

// DeadlineFor returns the confirmation deadline for a priority. The flat 24h
// default is the contract; per-priority overrides are opt-in.
func (c *Config) DeadlineFor(p domain.Priority) time.Duration {
	if h, ok := c.Escalation.PriorityHours[string(p)]; ok {
		return time.Duration(h) * time.Hour
	}
	return time.Duration(c.Escalation.DeadlineHours) * time.Hour
}

package config_test

import (
	"testing"
	"time"

	"riverops/internal/config"
	"riverops/internal/domain"
)

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
server:
  addr: ":9090"
escalation:
  deadline_hours: 12
  priority_hours:
    urgent: 4
events:
  nats_url: nats://localhost:4222
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr: %s", cfg.Server.Addr)
	}
	// Untouched fields keep their defaults.
	if cfg.Server.BasePath != "/v0" || cfg.Escalation.Schedule != "@hourly" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if got := cfg.DeadlineFor(domain.PriorityUrgent); got != 4*time.Hour {
		t.Fatalf("urgent deadline: %s", got)
	}
	if got := cfg.DeadlineFor(domain.PriorityNormal); got != 12*time.Hour {
		t.Fatalf("normal deadline: %s", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	for _, doc := range []string{
		"escalation:\n  deadline_hours: 0\n",
		"escalation:\n  default_result: maybe\n",
		"escalation:\n  priority_hours:\n    bogus: 5\n",
		"escalation:\n  retry_attempts: 0\n",
	} {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Errorf("accepted %q", doc)
		}
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir() + "/absent.yml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Escalation.DeadlineHours != 24 || cfg.Escalation.DefaultResult != string(domain.InterventionCompleted) {
		t.Fatalf("defaults: %+v", cfg.Escalation)
	}
}

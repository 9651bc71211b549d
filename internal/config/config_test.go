package config

import "testing"

func validConfig() *Config {
	return &Config{
		TrackerAPIKey:  "key",
		TrackerBaseURL: "https://example.atlassian.net",
		TrackerEmail:   "bot@example.com",
		WebhookSecret:  "secret",
		ProjectIDs:     []string{"PROJ"},
		ReadyStateType: "Ready",
		TunnelHostname: "orca.example.com",
		DBPath:         "/tmp/orca.db",
		DeployStrategy: "none",
	}
}

func TestValidateOK(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	cfg := validConfig()
	cfg.TrackerAPIKey = ""
	cfg.DBPath = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateBadDeployStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.DeployStrategy = "jenkins"

	if err := Validate(cfg); err == nil {
		t.Fatal("expected deploy_strategy validation error")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()
	cfg.BudgetWindowHours = 4
	cfg.SchedulerIntervalSec = 10
	cfg.SessionTimeoutMin = 45

	if cfg.BudgetWindow().Hours() != 4 {
		t.Fatalf("unexpected budget window: %v", cfg.BudgetWindow())
	}
	if cfg.SchedulerInterval().Seconds() != 10 {
		t.Fatalf("unexpected scheduler interval: %v", cfg.SchedulerInterval())
	}
	if cfg.SessionTimeout().Minutes() != 45 {
		t.Fatalf("unexpected session timeout: %v", cfg.SessionTimeout())
	}
}

// Package config loads and validates Orca's configuration: defaults,
// overlaid by one config file (the project, user, or system file,
// whichever is found first), overlaid by environment variables, into a
// flat struct matching the table of
// top-level settings instead of a nested tree.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every top-level setting the supervisor reads at startup.
type Config struct {
	// Tracker auth & filters
	TrackerAPIKey   string   `mapstructure:"tracker_api_key"`
	TrackerBaseURL  string   `mapstructure:"tracker_base_url"`
	TrackerEmail    string   `mapstructure:"tracker_email"`
	WebhookSecret   string   `mapstructure:"webhook_secret"`
	ProjectIDs      []string `mapstructure:"project_ids"`
	ReadyStateType  string   `mapstructure:"ready_state_type"`

	// Tunnel daemon
	TunnelHostname            string   `mapstructure:"tunnel_hostname"`
	TunnelToken                string   `mapstructure:"tunnel_token"`
	TunnelBin                  string   `mapstructure:"tunnel_bin"`
	TunnelConnectedPatterns    []string `mapstructure:"tunnel_connected_patterns"`
	TunnelDisconnectedPatterns []string `mapstructure:"tunnel_disconnected_patterns"`

	// Coding agent
	AgentBin         string   `mapstructure:"agent_bin"`
	DefaultMaxTurns  int      `mapstructure:"default_max_turns"`
	DisallowedTools  []string `mapstructure:"disallowed_tools"`

	// Phase prompts
	ImplementPrompt string `mapstructure:"implement_prompt"`
	ReviewPrompt    string `mapstructure:"review_prompt"`
	FixPrompt       string `mapstructure:"fix_prompt"`
	MaxReviewCycles int    `mapstructure:"max_review_cycles"`
	ReviewMaxTurns  int    `mapstructure:"review_max_turns"`

	// Run pool
	ConcurrencyCap     int `mapstructure:"concurrency_cap"`
	SessionTimeoutMin  int `mapstructure:"session_timeout_min"`
	MaxRetries         int `mapstructure:"max_retries"`

	// Budget
	BudgetWindowHours  int     `mapstructure:"budget_window_hours"`
	BudgetMaxCostUSD   float64 `mapstructure:"budget_max_cost_usd"`

	// Timers
	SchedulerIntervalSec   int `mapstructure:"scheduler_interval_sec"`
	CleanupIntervalMin     int `mapstructure:"cleanup_interval_min"`
	CleanupBranchMaxAgeMin int `mapstructure:"cleanup_branch_max_age_min"`

	// Deploy
	DeployStrategy        string `mapstructure:"deploy_strategy"`
	DeployPollIntervalSec int    `mapstructure:"deploy_poll_interval_sec"`
	DeployTimeoutMin      int    `mapstructure:"deploy_timeout_min"`

	// HTTP & storage
	Port   int    `mapstructure:"port"`
	DBPath string `mapstructure:"db_path"`

	// Repo resolution
	DefaultCWD        string            `mapstructure:"default_cwd"`
	RepoPathOverrides map[string]string `mapstructure:"repo_path_overrides"`
}

const envPrefix = "ORCA"

func setDefaults(v *viper.Viper) {
	v.SetDefault("tunnel_bin", "cloudflared")
	v.SetDefault("agent_bin", "claude")
	v.SetDefault("default_max_turns", 50)
	v.SetDefault("review_prompt", defaultReviewPrompt)
	v.SetDefault("fix_prompt", defaultFixPrompt)
	v.SetDefault("max_review_cycles", 3)
	v.SetDefault("review_max_turns", 30)
	v.SetDefault("concurrency_cap", 3)
	v.SetDefault("session_timeout_min", 45)
	v.SetDefault("max_retries", 3)
	v.SetDefault("budget_window_hours", 4)
	v.SetDefault("budget_max_cost_usd", 1000.0)
	v.SetDefault("scheduler_interval_sec", 10)
	v.SetDefault("cleanup_interval_min", 10)
	v.SetDefault("cleanup_branch_max_age_min", 60)
	v.SetDefault("deploy_strategy", "none")
	v.SetDefault("deploy_poll_interval_sec", 30)
	v.SetDefault("deploy_timeout_min", 30)
	v.SetDefault("port", 3000)
	v.SetDefault("tunnel_connected_patterns", []string{`(?i)connection.*registered`, `(?i)connected`})
	v.SetDefault("tunnel_disconnected_patterns", []string{`(?i)disconnected`, `(?i)connection.*lost`})
}

const defaultReviewPrompt = "Review the changes on this branch. Reply with exactly one of " +
	"REVIEW_RESULT:APPROVED or REVIEW_RESULT:CHANGES_REQUESTED."

const defaultFixPrompt = "Address the requested changes from the most recent review comments on this branch."

// Load reads defaults, then the first config.yaml found in .orca, ~/.orca,
// and /etc/orca (in that order; the files are not merged, so a project
// file hides the user and system ones), then ORCA_* environment
// variables, and validates the result. A non-empty configFile (the CLI's
// --config flag) replaces the search with that exact file.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".orca")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".orca"))
		}
		v.AddConfigPath("/etc/orca")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv alone does not reach Unmarshal for keys that have no
	// default, so bind those explicitly.
	for _, key := range []string{"tracker_api_key", "tracker_base_url", "tracker_email", "webhook_secret",
		"project_ids", "ready_state_type", "tunnel_hostname", "tunnel_token", "implement_prompt", "db_path", "default_cwd"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required fields are present. A failure here is a
// Configuration-kind error: the caller should exit 1.
func Validate(cfg *Config) error {
	var missing []string
	if cfg.TrackerAPIKey == "" {
		missing = append(missing, "tracker_api_key")
	}
	if cfg.TrackerBaseURL == "" {
		missing = append(missing, "tracker_base_url")
	}
	if cfg.TrackerEmail == "" {
		missing = append(missing, "tracker_email")
	}
	if cfg.WebhookSecret == "" {
		missing = append(missing, "webhook_secret")
	}
	if len(cfg.ProjectIDs) == 0 {
		missing = append(missing, "project_ids")
	}
	if cfg.ReadyStateType == "" {
		missing = append(missing, "ready_state_type")
	}
	if cfg.TunnelHostname == "" {
		missing = append(missing, "tunnel_hostname")
	}
	if cfg.DBPath == "" {
		missing = append(missing, "db_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if cfg.DeployStrategy != "none" && cfg.DeployStrategy != "github_actions" {
		return fmt.Errorf("invalid deploy_strategy %q: must be none or github_actions", cfg.DeployStrategy)
	}
	return nil
}

// BudgetWindow returns the configured budget window as a duration.
func (c *Config) BudgetWindow() time.Duration {
	return time.Duration(c.BudgetWindowHours) * time.Hour
}

// SchedulerInterval returns the scheduler tick period as a duration.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSec) * time.Second
}

// SessionTimeout returns the per-invocation timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMin) * time.Minute
}

// CleanupInterval returns the cleanup loop period as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMin) * time.Minute
}

// CleanupBranchMaxAge returns the max age before a stale branch is pruned.
func (c *Config) CleanupBranchMaxAge() time.Duration {
	return time.Duration(c.CleanupBranchMaxAgeMin) * time.Minute
}

// DeployPollInterval returns the deploy status poll period.
func (c *Config) DeployPollInterval() time.Duration {
	return time.Duration(c.DeployPollIntervalSec) * time.Second
}

// DeployTimeout returns the max time to wait for a deploy to resolve.
func (c *Config) DeployTimeout() time.Duration {
	return time.Duration(c.DeployTimeoutMin) * time.Minute
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/conveyor/internal/adapters/github"
	"github.com/alekspetrov/conveyor/internal/agent"
	"github.com/alekspetrov/conveyor/internal/autopilot"
	"github.com/alekspetrov/conveyor/internal/gateway"
	"github.com/alekspetrov/conveyor/internal/logging"
	"github.com/alekspetrov/conveyor/internal/webhooks"
)

// Lock backends.
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// Config represents the main configuration
type Config struct {
	Version   string            `yaml:"version"`
	GitHub    *github.Config    `yaml:"github"`
	Agent     *agent.Config     `yaml:"agent"`
	Autopilot *autopilot.Config `yaml:"autopilot"`
	Lock      *LockConfig       `yaml:"lock"`
	State     *StateConfig      `yaml:"state"`
	Gateway   *gateway.Config   `yaml:"gateway"`
	Schedule  *ScheduleConfig   `yaml:"schedule"`
	Logging   *logging.Config   `yaml:"logging"`
	Dashboard *DashboardConfig  `yaml:"dashboard"`
	Webhooks  *webhooks.Config  `yaml:"webhooks"`
}

// LockConfig selects how the dispatch path is serialized.
type LockConfig struct {
	Backend  string        `yaml:"backend"` // local or redis
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// StateConfig holds the ledger location
type StateConfig struct {
	Path string `yaml:"path"`
}

// ScheduleConfig holds cron specs for the timer triggers. Empty disables a job.
type ScheduleConfig struct {
	Cycle           string        `yaml:"cycle"`
	SessionPoll     string        `yaml:"session_poll"`
	PRSweep         string        `yaml:"pr_sweep"`
	NoticePurge     string        `yaml:"notice_purge"`
	NoticeRetention time.Duration `yaml:"notice_retention"`
}

// DashboardConfig holds dashboard settings
type DashboardConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version: "1.0",
		GitHub:  &github.Config{},
		Agent: &agent.Config{
			Timeout: agent.DefaultTimeout,
		},
		Autopilot: autopilot.DefaultConfig(),
		Lock: &LockConfig{
			Backend: LockBackendLocal,
			TTL:     10 * time.Minute,
		},
		State: &StateConfig{
			Path: filepath.Join(homeDir, ".conveyor", "conveyor.db"),
		},
		Gateway: gateway.DefaultConfig(),
		Schedule: &ScheduleConfig{
			Cycle:           "@every 5m",
			SessionPoll:     "@every 5m",
			PRSweep:         "@every 2m",
			NoticePurge:     "@daily",
			NoticeRetention: 30 * 24 * time.Hour,
		},
		Logging: logging.DefaultConfig(),
		Dashboard: &DashboardConfig{
			RefreshInterval: 2 * time.Second,
		},
		Webhooks: webhooks.DefaultConfig(),
	}
}

// Load loads configuration from a file. Files ending in .toml are read as
// TOML, everything else as YAML. ${VAR} references are expanded first.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.applyEnv()
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	if isTOML(path) {
		if expanded, err = tomlToYAML(expanded); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := yaml.Unmarshal(expanded, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.fillDefaults()
	config.State.Path = expandPath(config.State.Path)
	if config.Autopilot.TrackingDoc != "" {
		config.Autopilot.TrackingDoc = expandPath(config.Autopilot.TrackingDoc)
	}
	if config.Logging.Output != "" {
		config.Logging.Output = expandPath(config.Logging.Output)
	}
	config.applyEnv()

	return config, nil
}

// fillDefaults restores sections an explicit null in the file removed.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.GitHub == nil {
		c.GitHub = d.GitHub
	}
	if c.Agent == nil {
		c.Agent = d.Agent
	}
	if c.Autopilot == nil {
		c.Autopilot = d.Autopilot
	}
	if c.Lock == nil {
		c.Lock = d.Lock
	}
	if c.State == nil {
		c.State = d.State
	}
	if c.Gateway == nil {
		c.Gateway = d.Gateway
	}
	if c.Schedule == nil {
		c.Schedule = d.Schedule
	}
	if c.Logging == nil {
		c.Logging = d.Logging
	}
	if c.Dashboard == nil {
		c.Dashboard = d.Dashboard
	}
	if c.Webhooks == nil {
		c.Webhooks = d.Webhooks
	}
}

// applyEnv fills credentials left empty from the conventional variables.
func (c *Config) applyEnv() {
	if c.GitHub.Token == "" {
		c.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	if c.Agent.APIKey == "" {
		c.Agent.APIKey = os.Getenv("CONVEYOR_AGENT_API_KEY")
	}
	if c.Autopilot.Repository == "" {
		c.Autopilot.Repository = c.GitHub.Repo
	}
}

// tomlToYAML re-encodes a TOML document as YAML so both formats share one
// decoding path (durations as "5m" strings, the yaml field names).
func tomlToYAML(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

// Save saves configuration to a file in the format implied by its extension.
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if isTOML(path) {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if data, err = toml.Marshal(dropNil(doc)); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// dropNil removes null entries, which TOML cannot represent.
func dropNil(doc map[string]any) map[string]any {
	for k, v := range doc {
		switch val := v.(type) {
		case nil:
			delete(doc, k)
		case map[string]any:
			doc[k] = dropNil(val)
		}
	}
	return doc
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".conveyor", "config.yaml")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

var mergeMethods = map[string]bool{
	github.MergeMethodMerge:  true,
	github.MergeMethodSquash: true,
	github.MergeMethodRebase: true,
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.GitHub == nil || c.Autopilot == nil || c.Gateway == nil || c.Lock == nil || c.Schedule == nil {
		return fmt.Errorf("incomplete configuration")
	}
	if parts := strings.Split(c.GitHub.Repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("github.repo must be owner/name, got %q", c.GitHub.Repo)
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	ap := c.Autopilot
	labels := map[string]string{
		"work_label":        ap.WorkLabel,
		"agent_label":       ap.AgentLabel,
		"queued_label":      ap.QueuedLabel,
		"in_progress_label": ap.InProgressLabel,
		"blocked_label":     ap.BlockedLabel,
	}
	seen := map[string]string{}
	for key, label := range labels {
		if label == "" {
			return fmt.Errorf("autopilot.%s is required", key)
		}
		if other, dup := seen[strings.ToLower(label)]; dup {
			return fmt.Errorf("autopilot.%s and autopilot.%s are both %q", other, key, label)
		}
		seen[strings.ToLower(label)] = key
	}
	if !mergeMethods[ap.MergeMethod] {
		return fmt.Errorf("invalid autopilot.merge_method: %q", ap.MergeMethod)
	}
	if ap.MaxFailedAttempts < 0 {
		return fmt.Errorf("autopilot.max_failed_attempts must not be negative")
	}
	if ap.SessionTimeout <= 0 {
		return fmt.Errorf("autopilot session durations must be positive: session_timeout is %v", ap.SessionTimeout)
	}
	if ap.SessionPollInterval <= 0 {
		return fmt.Errorf("autopilot session durations must be positive: session_poll_interval is %v", ap.SessionPollInterval)
	}

	switch c.Lock.Backend {
	case LockBackendLocal, "":
	case LockBackendRedis:
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("lock.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid lock.backend: %q", c.Lock.Backend)
	}

	for name, spec := range map[string]string{
		"cycle":        c.Schedule.Cycle,
		"session_poll": c.Schedule.SessionPoll,
		"pr_sweep":     c.Schedule.PRSweep,
		"notice_purge": c.Schedule.NoticePurge,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid schedule.%s %q: %w", name, spec, err)
		}
	}
	if c.Webhooks != nil {
		if err := c.Webhooks.Validate(); err != nil {
			return err
		}
	}
	return nil
}

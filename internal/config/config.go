// Package config loads the engine's YAML configuration. A compiled-in
// default document keeps every field populated; a config file overlays it
// and command-line flags override both.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brandpulse/engine/internal/pipeline"
	"github.com/brandpulse/engine/internal/workflow"
)

//go:embed default.yaml
var defaultYAML []byte

// Duration is a time.Duration that unmarshals from YAML scalars like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Agent        Agent        `yaml:"agent"`
	Bus          Bus          `yaml:"bus"`
	Store        Store        `yaml:"store"`
	History      History      `yaml:"history"`
	Vault        Vault        `yaml:"vault"`
	Workflow     Workflow     `yaml:"workflow"`
	Notify       Notify       `yaml:"notify"`
}

// Orchestrator tunes the scheduling loop and the admin surface.
type Orchestrator struct {
	ListenAddr          string   `yaml:"listen_addr"`
	TickInterval        Duration `yaml:"tick_interval"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	StaleAfter          Duration `yaml:"stale_after"`
	AckTimeout          Duration `yaml:"ack_timeout"`
	Retention           Duration `yaml:"retention"`
	RollupInterval      Duration `yaml:"rollup_interval"`
	MaxTasksPerWorker   int      `yaml:"max_tasks_per_worker"`
	DispatchRate        float64  `yaml:"dispatch_rate"`
	DispatchBurst       int      `yaml:"dispatch_burst"`
	AllowedOrigins      []string `yaml:"allowed_origins"`
}

// Agent tunes agentd hosts.
type Agent struct {
	Heartbeat      Duration `yaml:"heartbeat"`
	Concurrency    int      `yaml:"concurrency"`
	TaskTimeout    Duration `yaml:"task_timeout"`
	MemoryBudgetMB int      `yaml:"memory_budget_mb"`
}

// Redis holds connection settings shared by the redis bus and kvstore
// drivers.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Bus selects the message channel.
type Bus struct {
	Driver string `yaml:"driver"`
	Redis  Redis  `yaml:"redis"`
}

// Store selects the durable key store for registry snapshots.
type Store struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
	Redis      Redis  `yaml:"redis"`
}

// History selects the terminal-task recorder.
type History struct {
	Driver      string `yaml:"driver"`
	Capacity    int    `yaml:"capacity"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Vault names the environment variable holding the payload sealing key. The
// key itself never appears in the file.
type Vault struct {
	KeyEnv string `yaml:"key_env"`
}

// MasterKey resolves the sealing key. Empty disables sealing.
func (v Vault) MasterKey() string {
	if v.KeyEnv == "" {
		return ""
	}
	return os.Getenv(v.KeyEnv)
}

// Workflow carries continuation tuning and declarative rule overrides.
type Workflow struct {
	Platform    string          `yaml:"platform"`
	ContentType string          `yaml:"content_type"`
	MinScore    float64         `yaml:"min_score"`
	Rules       []workflow.Rule `yaml:"rules"`
}

// Options converts the tuning knobs into engine options.
func (w Workflow) Options() workflow.Options {
	return workflow.Options{
		Platform:    w.Platform,
		ContentType: pipeline.ContentType(w.ContentType),
		MinScore:    w.MinScore,
	}
}

// Notify points scheduler events at an external webhook. An empty URL
// disables delivery. Like the vault key, the signing secret is resolved
// from the environment rather than written into the file.
type Notify struct {
	URL        string   `yaml:"url"`
	SecretEnv  string   `yaml:"secret_env"`
	Events     []string `yaml:"events"`
	Timeout    Duration `yaml:"timeout"`
	QueueSize  int      `yaml:"queue_size"`
	MaxRetries int      `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// Enabled reports whether a webhook receiver is configured.
func (n Notify) Enabled() bool { return n.URL != "" }

// Secret resolves the shared signing secret. Empty disables signing.
func (n Notify) Secret() string {
	if n.SecretEnv == "" {
		return ""
	}
	return os.Getenv(n.SecretEnv)
}

// Default returns the compiled-in configuration.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode defaults: %w", err)
	}
	return &cfg, nil
}

// Load overlays the file at path on the defaults and validates the result.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks driver selections and cross-field requirements. Workflow
// rules are validated later when they are applied to the engine, where kind
// ownership is known.
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case "memory":
	case "redis":
		if c.Bus.Redis.Addr == "" {
			return errors.New("config: bus.redis.addr required for the redis bus")
		}
	default:
		return fmt.Errorf("config: unknown bus driver %q", c.Bus.Driver)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("config: store.sqlite_path required for the sqlite store")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("config: store.redis.addr required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	switch c.History.Driver {
	case "none", "memory":
	case "postgres":
		if c.History.PostgresDSN == "" {
			return errors.New("config: history.postgres_dsn required for the postgres recorder")
		}
	default:
		return fmt.Errorf("config: unknown history driver %q", c.History.Driver)
	}

	if ct := c.Workflow.ContentType; ct != "" && !pipeline.ContentType(ct).Valid() {
		return fmt.Errorf("config: unknown content type %q", ct)
	}

	if c.Notify.Enabled() {
		u, err := url.Parse(c.Notify.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config: notify.url %q is not an http(s) URL", c.Notify.URL)
		}
	}
	return nil
}

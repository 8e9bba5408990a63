// Package config loads and validates nightwatchd's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Slack     SlackConfig     `yaml:"slack"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Memory    MemoryConfig    `yaml:"memory"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Critical  CriticalConfig  `yaml:"criticalTargets"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Audit     AuditConfig     `yaml:"audit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tools     ToolsConfig     `yaml:"tools"`
}

// ToolsConfig configures the concrete tool-catalogue integrations.
type ToolsConfig struct {
	Hypervisor HypervisorConfig `yaml:"hypervisor"`
	Containers ContainersConfig `yaml:"containers"`
	Database   DatabaseConfig   `yaml:"database"`
	DNS        DNSConfig        `yaml:"dns"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// HypervisorConfig points at the homelab LXC host's management API.
type HypervisorConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIToken string `yaml:"apiToken"`
}

// ContainersConfig points at the container runtime's management API.
type ContainersConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// DatabaseConfig is the DSN for SQL catalog/connection/failover tools.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// DNSConfig configures the DNS provider's management API, secured by an
// OAuth2 client-credentials flow.
type DNSConfig struct {
	Endpoint     string `yaml:"endpoint"`
	TokenURL     string `yaml:"tokenUrl"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

// PrometheusConfig points at the monitoring stack's query API.
type PrometheusConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// ServerConfig configures the HTTP observability/ingress surface.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	WebhookSecret    string        `yaml:"webhookSecret"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
}

// SlackConfig configures the Slack channel binding used for notifications
// and the approval out-of-band channel.
type SlackConfig struct {
	BotToken     string `yaml:"botToken"`
	AppToken     string `yaml:"appToken"`
	ChannelID    string `yaml:"channelId"`
}

// AnthropicConfig configures the LLM client.
type AnthropicConfig struct {
	APIKey       string        `yaml:"apiKey"`
	Model        string        `yaml:"model"`
	MaxRetries   int           `yaml:"maxRetries"`
	RetryDelay   time.Duration `yaml:"retryDelay"`
	MaxToolRounds int          `yaml:"maxToolRounds"`
}

// MemoryConfig configures the vector incident memory.
type MemoryConfig struct {
	Backend    string           `yaml:"backend"` // sqlite-vec, pgvector
	Dimension  int              `yaml:"dimension"`
	TopK       int              `yaml:"topK"`
	MinScore   float64          `yaml:"minScore"`
	SQLiteVec  SQLiteVecConfig  `yaml:"sqliteVec"`
	Pgvector   PgvectorConfig   `yaml:"pgvector"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// SQLiteVecConfig is backend-specific configuration for the local sqlite-vec store.
type SQLiteVecConfig struct {
	Path string `yaml:"path"`
}

// PgvectorConfig is backend-specific configuration for the pgvector store.
type PgvectorConfig struct {
	DSN string `yaml:"dsn"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"` // openai, ollama
	APIKey   string `yaml:"apiKey"`
	BaseURL  string `yaml:"baseUrl"`
	Model    string `yaml:"model"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	TimeoutSeconds int  `yaml:"timeoutSeconds"`
	DryRun         bool `yaml:"dryRun"`
}

// PipelineConfig configures the incident pipeline's worker pool and budgets.
type PipelineConfig struct {
	DeadlineSeconds    int `yaml:"deadlineSeconds"`
	MaxConcurrent      int `yaml:"maxConcurrent"`
	QueueSize          int `yaml:"queueSize"`
	DedupWindowSeconds int `yaml:"dedupWindowSeconds"`
	StageToolBudget    int `yaml:"stageToolBudget"`
	StageWallClockSeconds int `yaml:"stageWallClockSeconds"`
	ToolFanout         int `yaml:"toolFanout"`
}

// CriticalConfig is the critical-target table consulted by the approval gate.
type CriticalConfig struct {
	HypervisorLXCIDs []string `yaml:"hypervisorLxcIds"`
	DatabaseNames     []string `yaml:"databaseNames"`
	ContainerNames    []string `yaml:"containerNames"`
}

// PostgresConfig configures incident/audit durability.
type PostgresConfig struct {
	DSN           string `yaml:"dsn"`
	RunMigrations bool   `yaml:"runMigrations"`
}

// AuditConfig configures the append-only audit log.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig configures the proactive health-check and report cron jobs.
type SchedulerConfig struct {
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	DailyReportAt       string        `yaml:"dailyReportAt"`
	WeeklyReportAt      string        `yaml:"weeklyReportAt"`
}

// Default returns a configuration with every documented default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Anthropic: AnthropicConfig{
			Model:         "claude-sonnet-4-20250514",
			MaxRetries:    3,
			RetryDelay:    time.Second,
			MaxToolRounds: 10,
		},
		Memory: MemoryConfig{
			Backend:   "sqlite-vec",
			Dimension: 1536,
			TopK:      5,
			MinScore:  0.55,
			SQLiteVec: SQLiteVecConfig{Path: "nightwatch-memory.db"},
			Embeddings: EmbeddingsConfig{
				Provider: "openai",
				Model:    "text-embedding-3-small",
			},
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 300,
		},
		Pipeline: PipelineConfig{
			DeadlineSeconds:       360,
			MaxConcurrent:         4,
			QueueSize:             64,
			DedupWindowSeconds:    60,
			StageToolBudget:       10,
			StageWallClockSeconds: 90,
			ToolFanout:            4,
		},
		Audit: AuditConfig{Path: "nightwatch-audit.jsonl"},
		Tools: ToolsConfig{
			Hypervisor: HypervisorConfig{Endpoint: "https://pve.homelab.lan:8006/api2/json"},
			Containers: ContainersConfig{Endpoint: "unix:///var/run/docker.sock"},
			Prometheus: PrometheusConfig{Endpoint: "http://localhost:9090"},
		},
		Scheduler: SchedulerConfig{
			HealthCheckInterval: 5 * time.Minute,
			DailyReportAt:       "06:00",
			WeeklyReportAt:      "mon 06:30",
		},
	}
}

// ApprovalTimeout clamps the configured approval timeout to [1s, 24h].
func (c *Config) ApprovalTimeout() time.Duration {
	d := time.Duration(c.Approval.TimeoutSeconds) * time.Second
	if d <= 0 {
		d = time.Second
	}
	if d > 24*time.Hour {
		d = 24 * time.Hour
	}
	return d
}

// PipelineDeadline returns the per-incident hard deadline.
func (c *Config) PipelineDeadline() time.Duration {
	if c.Pipeline.DeadlineSeconds <= 0 {
		return 6 * time.Minute
	}
	return time.Duration(c.Pipeline.DeadlineSeconds) * time.Second
}

// DedupWindow returns the configured dedup window (default 60s). The
// pipeline carries it in its Config but Submit does not consult it: only
// in-flight fingerprints are merged, and an alert for a terminated
// fingerprint always starts a fresh incident.
func (c *Config) DedupWindow() time.Duration {
	if c.Pipeline.DedupWindowSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Pipeline.DedupWindowSeconds) * time.Second
}

// Load reads and parses a YAML config file, expanding ${ENV} references
// before parsing, then validates required fields. Grounded on the teacher's
// loader.go parse-then-strict-decode shape.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := decodeStrict([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("config: slack.botToken is required")
	}
	if c.Slack.ChannelID == "" {
		return fmt.Errorf("config: slack.channelId is required")
	}
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("config: anthropic.apiKey is required")
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("config: pipeline.maxConcurrent must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("config: pipeline.queueSize must be positive")
	}
	return nil
}


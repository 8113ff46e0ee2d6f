// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	DB         DBConfig         `mapstructure:"db"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tickers    []TickerConfig   `mapstructure:"tickers"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	// Driver selects postgres or the in-process memory store.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// WorkerConfig governs the job workers.
type WorkerConfig struct {
	ID           string        `mapstructure:"id"`
	Concurrency  int           `mapstructure:"concurrency"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
}

// QueueConfig holds the retry policy and lease settings.
type QueueConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Lease         time.Duration `mapstructure:"lease"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// NormalizerConfig tunes raw item promotion.
type NormalizerConfig struct {
	MaxAttempts int      `mapstructure:"max_attempts"`
	BatchSize   int      `mapstructure:"batch_size"`
	JobTypes    []string `mapstructure:"job_types"`
}

// IngestConfig describes the default upstream source.
type IngestConfig struct {
	Source string `mapstructure:"source"`
}

// AnalysisConfig points at the out-of-process analysis service.
type AnalysisConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Provider string        `mapstructure:"provider"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RateLimitRPS caps analyzer calls per second across this process; 0 is unlimited.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// PubSubConfig holds metadata for signal notifications. Notifications are
// disabled while ProjectID is empty.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether notifications should be published.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != ""
}

// MetricsConfig sets the metrics and health listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TickerConfig seeds one tracked ticker.
type TickerConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Name     string `mapstructure:"name"`
	Exchange string `mapstructure:"exchange"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.batch_size", 1)
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.job_timeout", "60s")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_delay", "1s")
	v.SetDefault("queue.max_delay", "5m")
	v.SetDefault("queue.lease", "5m")
	v.SetDefault("queue.sweep_interval", "30s")
	v.SetDefault("normalizer.max_attempts", 3)
	v.SetDefault("normalizer.batch_size", 100)
	v.SetDefault("normalizer.job_types", []string{"llm_analysis"})
	v.SetDefault("ingest.source", "finnhub")
	v.SetDefault("analysis.provider", "http")
	v.SetDefault("analysis.model", "default")
	v.SetDefault("analysis.timeout", "30s")
	v.SetDefault("analysis.rate_limit_rps", 0)
	v.SetDefault("analysis.rate_limit_burst", 1)
	v.SetDefault("pubsub.topic_name", "sentinel-signals")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// normalize canonicalizes ticker symbols so lookups match event tickers.
func (c *Config) normalize() {
	for i := range c.Tickers {
		c.Tickers[i].Symbol = strings.ToUpper(strings.TrimSpace(c.Tickers[i].Symbol))
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("db.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.DB.Driver)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay {
		return fmt.Errorf("queue.base_delay must be > 0 and <= queue.max_delay")
	}
	// A worker runs its claimed batch sequentially, so the last job of a batch
	// starts up to (batch_size-1) job timeouts after the claim.
	if batchWindow := time.Duration(c.Worker.BatchSize) * c.Worker.JobTimeout; c.Queue.Lease <= batchWindow {
		return fmt.Errorf("queue.lease (%s) must exceed worker.batch_size x worker.job_timeout (%s)", c.Queue.Lease, batchWindow)
	}
	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("queue.sweep_interval must be > 0")
	}
	if c.Normalizer.MaxAttempts <= 0 {
		return fmt.Errorf("normalizer.max_attempts must be > 0")
	}
	if len(c.Normalizer.JobTypes) == 0 {
		return fmt.Errorf("normalizer.job_types must not be empty")
	}
	if c.Analysis.RateLimitRPS < 0 {
		return fmt.Errorf("analysis.rate_limit_rps must be >= 0")
	}
	if c.PubSub.Enabled() && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	seen := make(map[string]struct{}, len(c.Tickers))
	for _, t := range c.Tickers {
		if t.Symbol == "" {
			return fmt.Errorf("tickers: symbol is required")
		}
		if _, dup := seen[t.Symbol]; dup {
			return fmt.Errorf("tickers: duplicate symbol %s", t.Symbol)
		}
		seen[t.Symbol] = struct{}{}
	}
	return nil
}

// Package config loads and validates relist configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/relist/internal/automation/chromedp"
	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/logging"
	"github.com/JakeFAU/relist/internal/policy/ratelimit"
	"github.com/JakeFAU/relist/internal/pricing"
	"github.com/JakeFAU/relist/internal/remote"
	"github.com/JakeFAU/relist/internal/storage/gcs"
	"github.com/JakeFAU/relist/internal/storage/local"
	"github.com/JakeFAU/relist/internal/storage/postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	API          APIConfig          `mapstructure:"api"`
	Logging      logging.Config     `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Database     postgres.Config    `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Queue        QueueConfig        `mapstructure:"queue"`
	AI           AIConfig           `mapstructure:"ai"`
	Taxonomy     TaxonomyConfig     `mapstructure:"taxonomy"`
	Pricing      PricingConfig      `mapstructure:"pricing"`
	Images       ImagesConfig       `mapstructure:"images"`
	Moderation   ModerationConfig   `mapstructure:"moderation"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Batch        BatchConfig        `mapstructure:"batch"`
	Automation   AutomationConfig   `mapstructure:"automation"`
	RateLimit    ratelimit.Config   `mapstructure:"rate_limit"`
	Remote       remote.Config      `mapstructure:"remote"`
	Blob         BlobConfig         `mapstructure:"blob"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig defines API authentication toggles.
type APIConfig struct {
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig lists the accepted API keys.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// RedisConfig selects the durable queue. An empty address uses in-memory
// queues. Addr is host:port or a redis:// URL carrying credentials.
type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Prefix string `mapstructure:"prefix"`
}

// QueueConfig sizes the worker pools and the retry policy.
type QueueConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	CollectWorkers int           `mapstructure:"collect_workers"`
	PublishWorkers int           `mapstructure:"publish_workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// AIConfig bounds classification provider calls. Providers seed the provider
// store on first start; afterwards they are edited through the API.
type AIConfig struct {
	Timeout     time.Duration            `mapstructure:"timeout"`
	MaxTokens   int                      `mapstructure:"max_tokens"`
	Temperature float64                  `mapstructure:"temperature"`
	Providers   []listing.ProviderConfig `mapstructure:"providers"`
}

// TaxonomyConfig points at the target marketplace taxonomy.
type TaxonomyConfig struct {
	Path          string            `mapstructure:"path"`
	MaxCandidates int               `mapstructure:"max_candidates"`
	Hints         map[string]string `mapstructure:"hints"`
}

// PricingConfig tunes comparable search and the default price strategy.
type PricingConfig struct {
	Strategy  string  `mapstructure:"strategy"`
	Threshold float64 `mapstructure:"threshold"`
}

// ImagesConfig tunes the compliance image pipeline.
type ImagesConfig struct {
	Threshold        float64 `mapstructure:"threshold"`
	RelaxedThreshold float64 `mapstructure:"relaxed_threshold"`
	MinImages        int     `mapstructure:"min_images"`
	MaxImages        int     `mapstructure:"max_images"`
}

// ModerationConfig controls moderation tracking.
type ModerationConfig struct {
	Track        bool          `mapstructure:"track"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxPolls     int           `mapstructure:"max_polls"`
}

// OrchestratorConfig holds the publish decision thresholds.
type OrchestratorConfig struct {
	MinCategoryConfidence float64  `mapstructure:"min_category_confidence"`
	WarnCategoryBelow     float64  `mapstructure:"warn_category_below"`
	HoldRisk              string   `mapstructure:"hold_risk"`
	Rules                 []string `mapstructure:"rules"`
	EventsTopic           string   `mapstructure:"events_topic"`
}

// BatchConfig paces batch uploads.
type BatchConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Delay       time.Duration `mapstructure:"delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

// AutomationConfig wraps the browser executor settings.
type AutomationConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	chromedp.Config `mapstructure:",squash"`
}

// BlobConfig selects where cleaned images are written.
type BlobConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// PubSubConfig holds the outcome event transport. An empty project keeps
// events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELIST")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("api.auth.api_keys", []string{})
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "relist")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "relist")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.collect_workers", 2)
	v.SetDefault("queue.publish_workers", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_delay", 2*time.Second)
	v.SetDefault("queue.max_delay", time.Minute)
	v.SetDefault("queue.job_timeout", 5*time.Minute)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("ai.timeout", 30*time.Second)
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("ai.temperature", 0.1)
	v.SetDefault("taxonomy.path", "")
	v.SetDefault("taxonomy.max_candidates", 200)
	v.SetDefault("pricing.strategy", string(pricing.StrategySmart))
	v.SetDefault("pricing.threshold", 0.85)
	v.SetDefault("images.threshold", 0.80)
	v.SetDefault("images.relaxed_threshold", 0.60)
	v.SetDefault("images.min_images", 3)
	v.SetDefault("images.max_images", 5)
	v.SetDefault("moderation.track", true)
	v.SetDefault("moderation.poll_interval", 5*time.Minute)
	v.SetDefault("moderation.max_polls", 288)
	v.SetDefault("orchestrator.min_category_confidence", 0.75)
	v.SetDefault("orchestrator.warn_category_below", 0.85)
	v.SetDefault("orchestrator.hold_risk", string(listing.RiskHigh))
	v.SetDefault("orchestrator.events_topic", "relist-events")
	v.SetDefault("batch.concurrency", 3)
	v.SetDefault("batch.delay", 5*time.Second)
	v.SetDefault("batch.jitter", 5*time.Second)
	v.SetDefault("automation.enabled", false)
	v.SetDefault("automation.console_url", "")
	v.SetDefault("automation.headless", true)
	v.SetDefault("automation.max_parallel", 1)
	v.SetDefault("automation.step_timeout", 60*time.Second)
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("blob.backend", "memory")
	v.SetDefault("blob.local.base_dir", "./data/images")
	v.SetDefault("pubsub.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return fmt.Errorf("api.auth.api_keys must be set when auth is enabled")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Queue.CollectWorkers <= 0 || c.Queue.PublishWorkers <= 0 {
		return fmt.Errorf("queue workers must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.AI.Timeout <= 0 {
		return fmt.Errorf("ai.timeout must be > 0")
	}
	if _, err := pricing.ParseStrategy(c.Pricing.Strategy); err != nil {
		return fmt.Errorf("pricing.strategy: %w", err)
	}
	if !inUnit(c.Pricing.Threshold) || !inUnit(c.Images.Threshold) || !inUnit(c.Images.RelaxedThreshold) {
		return fmt.Errorf("similarity thresholds must be within [0,1]")
	}
	if c.Images.MinImages <= 0 || c.Images.MaxImages < c.Images.MinImages {
		return fmt.Errorf("images.max_images must be >= images.min_images > 0")
	}
	if c.Moderation.Track && (c.Moderation.PollInterval <= 0 || c.Moderation.MaxPolls <= 0) {
		return fmt.Errorf("moderation.poll_interval and moderation.max_polls must be > 0 when tracking")
	}
	if !inUnit(c.Orchestrator.MinCategoryConfidence) || !inUnit(c.Orchestrator.WarnCategoryBelow) {
		return fmt.Errorf("orchestrator category confidences must be within [0,1]")
	}
	switch listing.RiskLevel(c.Orchestrator.HoldRisk) {
	case listing.RiskLow, listing.RiskMedium, listing.RiskHigh:
	default:
		return fmt.Errorf("orchestrator.hold_risk must be low, medium or high")
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be > 0")
	}
	if c.Batch.Delay < 0 || c.Batch.Jitter < 0 {
		return fmt.Errorf("batch delay and jitter must be >= 0")
	}
	if c.Automation.Enabled && c.Automation.ConsoleURL == "" {
		return fmt.Errorf("automation.console_url must be set when automation is enabled")
	}
	switch c.Blob.Backend {
	case "memory":
	case "local":
		if c.Blob.Local.BaseDir == "" {
			return fmt.Errorf("blob.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Blob.GCS.Bucket == "" {
			return fmt.Errorf("blob.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend must be memory, local or gcs")
	}
	for i, p := range c.AI.Providers {
		if p.ID == "" {
			return fmt.Errorf("ai.providers[%d].id is required", i)
		}
	}
	return nil
}

// HoldRisk returns the configured hold threshold as a risk level.
func (c Config) HoldRisk() listing.RiskLevel {
	return listing.RiskLevel(c.Orchestrator.HoldRisk)
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

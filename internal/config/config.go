// Package config loads and validates relay configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Instance   InstanceConfig   `mapstructure:"instance"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Source     SourceConfig     `mapstructure:"source"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	DB         DBConfig         `mapstructure:"db"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// InstanceConfig identifies this relay to the Fediverse.
type InstanceConfig struct {
	Domain         string `mapstructure:"domain"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	// PrivateKeyPEM overrides PrivateKeyPath when set (tests, secrets
	// injection).
	PrivateKeyPEM string `mapstructure:"private_key_pem"`
}

// CrawlConfig governs the crawl scheduler and this worker's shard.
type CrawlConfig struct {
	Ordinal          int `mapstructure:"ordinal"`
	ShardLow         int `mapstructure:"shard_low"`
	ShardHigh        int `mapstructure:"shard_high"`
	ShardModulus     int `mapstructure:"shard_modulus"`
	SelectCap        int `mapstructure:"select_cap"`
	IdleSleepSeconds int `mapstructure:"idle_sleep_seconds"`
	// Parallelism 0 pauses the crawl pipeline (maintenance switch).
	Parallelism int `mapstructure:"parallelism"`
}

// RetrievalConfig governs the post-retrieval stage.
type RetrievalConfig struct {
	Parallelism  int `mapstructure:"parallelism"`
	BatchDelayMs int `mapstructure:"batch_delay_ms"`
}

// FanoutConfig governs the delivery fan-out stage.
type FanoutConfig struct {
	Parallelism int `mapstructure:"parallelism"`
	// CleanupThreshold <= 0 disables threshold-based eviction.
	CleanupThreshold int32 `mapstructure:"cleanup_threshold"`
	QueueDepth       int   `mapstructure:"queue_depth"`
}

// SourceConfig points at the source network API.
type SourceConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// ModerationConfig selects the admission policy.
type ModerationConfig struct {
	Mode     string   `mapstructure:"mode"`
	Patterns []string `mapstructure:"patterns"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// CacheConfig controls the optional redis actor cache.
type CacheConfig struct {
	RedisAddr  string `mapstructure:"redis_addr"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEDIMIRROR")
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
	// Empty defaults register the keys so AutomaticEnv can populate them.
	v.SetDefault("instance.domain", "")
	v.SetDefault("instance.private_key_path", "")
	v.SetDefault("instance.private_key_pem", "")
	v.SetDefault("crawl.ordinal", 0)
	v.SetDefault("crawl.shard_low", 0)
	v.SetDefault("crawl.shard_high", 9)
	v.SetDefault("crawl.shard_modulus", 10)
	v.SetDefault("crawl.select_cap", 200)
	v.SetDefault("crawl.idle_sleep_seconds", 10)
	v.SetDefault("crawl.parallelism", 4)
	v.SetDefault("retrieval.parallelism", 8)
	v.SetDefault("retrieval.batch_delay_ms", 500)
	v.SetDefault("fanout.parallelism", 4)
	v.SetDefault("fanout.cleanup_threshold", 150)
	v.SetDefault("fanout.queue_depth", 16)
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.requests_per_sec", 1.0)
	v.SetDefault("source.timeout_seconds", 15)
	v.SetDefault("moderation.mode", "none")
	v.SetDefault("moderation.patterns", []string{})
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits. Zero crawl and
// retrieval parallelism is deliberately legal: it pauses the pipeline.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Instance.Domain == "" {
		return fmt.Errorf("instance.domain is required")
	}
	if c.Crawl.Parallelism < 0 {
		return fmt.Errorf("crawl.parallelism must be >= 0")
	}
	if c.Retrieval.Parallelism < 0 {
		return fmt.Errorf("retrieval.parallelism must be >= 0")
	}
	if c.Fanout.Parallelism <= 0 {
		return fmt.Errorf("fanout.parallelism must be > 0")
	}
	if c.Crawl.ShardModulus <= 0 {
		return fmt.Errorf("crawl.shard_modulus must be > 0")
	}
	if c.Crawl.ShardHigh < c.Crawl.ShardLow {
		return fmt.Errorf("crawl.shard_high must be >= crawl.shard_low")
	}
	switch c.Moderation.Mode {
	case "", "none", "allowlist", "blocklist":
	default:
		return fmt.Errorf("moderation.mode must be none, allowlist, or blocklist")
	}
	return nil
}

// IdleSleep converts the idle sleep setting into a duration.
func (c CrawlConfig) IdleSleep() time.Duration {
	return time.Duration(c.IdleSleepSeconds) * time.Second
}

// BatchDelay converts the batch delay setting into a duration.
func (c RetrievalConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

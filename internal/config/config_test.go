package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FEDIMIRROR_INSTANCE_DOMAIN", "relay.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "relay.example", cfg.Instance.Domain)
	assert.Equal(t, 0, cfg.Crawl.ShardLow)
	assert.Equal(t, 9, cfg.Crawl.ShardHigh)
	assert.Equal(t, 10, cfg.Crawl.ShardModulus)
	assert.Equal(t, 200, cfg.Crawl.SelectCap)
	assert.Equal(t, 4, cfg.Crawl.Parallelism)
	assert.Equal(t, 10*time.Second, cfg.Crawl.IdleSleep())
	assert.Equal(t, 8, cfg.Retrieval.Parallelism)
	assert.Equal(t, 500*time.Millisecond, cfg.Retrieval.BatchDelay())
	assert.Equal(t, 4, cfg.Fanout.Parallelism)
	assert.Equal(t, int32(150), cfg.Fanout.CleanupThreshold)
	assert.Equal(t, 16, cfg.Fanout.QueueDepth)
	assert.Equal(t, "none", cfg.Moderation.Mode)
	assert.Equal(t, 3600, cfg.Cache.TTLSeconds)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("FEDIMIRROR_INSTANCE_DOMAIN", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance:
  domain: mirror.example
crawl:
  ordinal: 2
  parallelism: 0
moderation:
  mode: blocklist
  patterns:
    - "*.bad.example"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mirror.example", cfg.Instance.Domain)
	assert.Equal(t, 2, cfg.Crawl.Ordinal)
	assert.Zero(t, cfg.Crawl.Parallelism, "zero parallelism is a legal pause switch")
	assert.Equal(t, "blocklist", cfg.Moderation.Mode)
	assert.Equal(t, []string{"*.bad.example"}, cfg.Moderation.Patterns)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FEDIMIRROR_INSTANCE_DOMAIN", "relay.example")
	t.Setenv("FEDIMIRROR_SERVER_PORT", "9999")
	t.Setenv("FEDIMIRROR_FANOUT_CLEANUP_THRESHOLD", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Zero(t, cfg.Fanout.CleanupThreshold, "threshold eviction can be disabled")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Config{
		Server:   ServerConfig{Port: 8080},
		Instance: InstanceConfig{Domain: "relay.example"},
		Crawl:    CrawlConfig{ShardLow: 0, ShardHigh: 9, ShardModulus: 10},
		Fanout:   FanoutConfig{Parallelism: 1},
	}
	require.NoError(t, valid.Validate())

	t.Run("missing domain", func(t *testing.T) {
		cfg := valid
		cfg.Instance.Domain = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative crawl parallelism", func(t *testing.T) {
		cfg := valid
		cfg.Crawl.Parallelism = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero fanout parallelism", func(t *testing.T) {
		cfg := valid
		cfg.Fanout.Parallelism = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("inverted shard window", func(t *testing.T) {
		cfg := valid
		cfg.Crawl.ShardLow = 5
		cfg.Crawl.ShardHigh = 4
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad moderation mode", func(t *testing.T) {
		cfg := valid
		cfg.Moderation.Mode = "denylist"
		assert.Error(t, cfg.Validate())
	})
}

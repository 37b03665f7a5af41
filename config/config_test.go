package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("empty input yields defaults", func(t *testing.T) {
		cfg, err := Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("overrides only the given keys", func(t *testing.T) {
		cfg, err := Parse([]byte(`
mongo:
  uri: mongodb://db:27017
  collection_prefix: sched_
instance:
  id: node-a
cluster:
  checkin_interval: 2s
  stale_threshold: 10s
acquisition:
  max_batch_size: 10
  time_window: 500ms
log:
  level: debug
`))
		require.NoError(t, err)
		assert.Equal(t, "mongodb://db:27017", cfg.Mongo.URI)
		assert.Equal(t, "sched_", cfg.Mongo.CollectionPrefix)
		assert.Equal(t, "quartz", cfg.Mongo.Database)
		assert.Equal(t, "node-a", cfg.Instance.ID)
		assert.Equal(t, 2*time.Second, cfg.Cluster.CheckinInterval)
		assert.Equal(t, 10*time.Second, cfg.Cluster.StaleThreshold)
		assert.Equal(t, 10, cfg.Acquisition.MaxBatchSize)
		assert.Equal(t, 500*time.Millisecond, cfg.Acquisition.TimeWindow)
		assert.Equal(t, 60*time.Second, cfg.Store.MisfireThreshold)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("rejects malformed yaml", func(t *testing.T) {
		_, err := Parse([]byte("mongo: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("rejects stale threshold not above checkin interval", func(t *testing.T) {
		_, err := Parse([]byte("cluster:\n  checkin_interval: 10s\n  stale_threshold: 10s\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stale_threshold")
	})

	t.Run("rejects unknown log level", func(t *testing.T) {
		_, err := Parse([]byte("log:\n  level: loud\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log.level")
	})
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Mongo.URI = ""
	cfg.Acquisition.MaxBatchSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo.uri")
	assert.Contains(t, err.Error(), "acquisition.max_batch_size")
}

func TestLoad(t *testing.T) {
	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobstore.yaml")
		require.NoError(t, os.WriteFile(path, []byte("store:\n  misfire_threshold: 5s\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.Store.MisfireThreshold)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))

	_, err = NewLogger(LogConfig{Level: "nope"})
	assert.Error(t, err)
}

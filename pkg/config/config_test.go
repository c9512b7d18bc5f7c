package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tarnfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: debug
  output: stderr
server:
  shutdown_timeout: 10s
metadata:
  type: sqlite
  sqlite:
    path: /var/lib/tarnfs/metadata.db
    pool_size: 8
content:
  type: s3
  s3:
    bucket: tarnfs-blobs
    region: eu-west-1
    endpoint: http://localhost:9000
adapters:
  http:
    enabled: true
    listen_addr: ":8530"
gc:
  enabled: true
  interval: 15s
  batch_size: 64
metrics:
  enabled: true
  listen_addr: ":9200"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "sqlite", cfg.Metadata.Type)
	assert.Equal(t, "/var/lib/tarnfs/metadata.db", cfg.Metadata.SQLite["path"])
	assert.Equal(t, 8, cfg.Metadata.SQLite["pool_size"])

	assert.Equal(t, "s3", cfg.Content.Type)
	assert.Equal(t, "tarnfs-blobs", cfg.Content.S3["bucket"])

	assert.True(t, cfg.Adapters.HTTP.Enabled)
	assert.Equal(t, ":8530", cfg.Adapters.HTTP.ListenAddr)

	assert.True(t, cfg.GC.Enabled)
	assert.Equal(t, 15*time.Second, cfg.GC.Interval)
	assert.Equal(t, 64, cfg.GC.BatchSize)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9200", cfg.Metrics.ListenAddr)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
metadata:
  sqlite:
    path: /tmp/meta.db
content:
  type: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Metadata.Type)
	assert.Equal(t, "memory", cfg.Content.Type)
	assert.True(t, cfg.Adapters.HTTP.Enabled)
	assert.Equal(t, ":7530", cfg.Adapters.HTTP.ListenAddr)
	assert.Equal(t, time.Minute, cfg.GC.Interval)
	assert.Equal(t, 256, cfg.GC.BatchSize)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.ListenAddr)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{
			name: "unknown log level",
			mutate: func(cfg *Config) {
				cfg.Logging.Level = "LOUD"
			},
		},
		{
			name: "unknown metadata store",
			mutate: func(cfg *Config) {
				cfg.Metadata.Type = "postgres"
			},
		},
		{
			name: "unknown content store",
			mutate: func(cfg *Config) {
				cfg.Content.Type = "tape"
			},
		},
		{
			name: "sqlite without path",
			mutate: func(cfg *Config) {
				delete(cfg.Metadata.SQLite, "path")
			},
		},
		{
			name: "filesystem without path",
			mutate: func(cfg *Config) {
				cfg.Content.Type = "filesystem"
			},
		},
		{
			name: "http adapter disabled",
			mutate: func(cfg *Config) {
				cfg.Adapters.HTTP.Enabled = false
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func validConfig() *Config {
	cfg := &Config{
		Metadata: MetadataConfig{
			SQLite: map[string]any{"path": "/tmp/meta.db"},
		},
		Content: ContentConfig{
			Type: "memory",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestCreateStoresFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Metadata: MetadataConfig{
			SQLite: map[string]any{"path": filepath.Join(dir, "meta.db")},
		},
		Content: ContentConfig{
			Type:       "filesystem",
			Filesystem: map[string]any{"path": filepath.Join(dir, "blobs")},
		},
	}
	ApplyDefaults(cfg)
	require.NoError(t, Validate(cfg))

	meta, err := CreateMetadataStore(cfg)
	require.NoError(t, err)
	defer meta.Close()

	blobs, err := CreateContentStore(context.Background(), cfg)
	require.NoError(t, err)
	defer blobs.Close()
}

func TestCreateContentStoreMemory(t *testing.T) {
	cfg := validConfig()
	store, err := CreateContentStore(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()
}

func TestCreateContentStoreUnknownType(t *testing.T) {
	cfg := validConfig()
	cfg.Content.Type = "tape"
	_, err := CreateContentStore(context.Background(), cfg)
	assert.Error(t, err)
}

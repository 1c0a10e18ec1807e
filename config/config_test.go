package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/books", cfg.RecordPrefix)
	assert.Equal(t, "/index", cfg.IndexPrefix)
	assert.Equal(t, 7*24*time.Hour, cfg.RecordTTL.Std())
	assert.Equal(t, 24*time.Hour, cfg.IndexTTL.Std())
	assert.NotEmpty(t, cfg.Discovery.QualityCoverPatterns)
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/bookcache
record_ttl: 48h
lock:
  max_attempts: 5
api:
  port: 9090
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/bookcache", cfg.DataDir)
	assert.Equal(t, 48*time.Hour, cfg.RecordTTL.Std())
	assert.Equal(t, 5, cfg.Lock.MaxAttempts)
	assert.Equal(t, 9090, cfg.API.Port)

	// Fields the file does not name keep their defaults.
	assert.Equal(t, "/books", cfg.RecordPrefix)
	assert.Equal(t, 24*time.Hour, cfg.IndexTTL.Std())
	assert.Equal(t, "localhost", cfg.API.Host)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "data_dir: [unclosed"))
		require.Error(t, err)
	})

	t.Run("invalid duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, "record_ttl: soon"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid duration")
	})
}

func TestDurationForms(t *testing.T) {
	// Durations accept Go strings and plain integer seconds.
	cfg, err := Load(writeConfig(t, `
record_ttl: 72h
index_ttl: 3600
`))
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, cfg.RecordTTL.Std())
	assert.Equal(t, time.Hour, cfg.IndexTTL.Std())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"empty record prefix", func(c *Config) { c.RecordPrefix = "" }},
		{"colliding prefixes", func(c *Config) { c.IndexPrefix = c.RecordPrefix }},
		{"index ttl exceeds record ttl", func(c *Config) { c.IndexTTL = c.RecordTTL * 2 }},
		{"zero lock attempts", func(c *Config) { c.Lock.MaxAttempts = 0 }},
		{"jitter out of range", func(c *Config) { c.Lock.JitterRatio = 1.5 }},
		{"zero overfetch", func(c *Config) { c.Discovery.OverfetchFactor = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

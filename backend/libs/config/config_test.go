package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Name    string        `yaml:"name" env:"SAMPLE_NAME"`
	Retries int           `yaml:"retries"`
	Timeout time.Duration `yaml:"timeout" env:"SAMPLE_TIMEOUT"`
	Brokers []string      `yaml:"brokers" env:"SAMPLE_BROKERS"`
	Nested  struct {
		Enabled bool    `yaml:"enabled"`
		Ratio   float64 `yaml:"ratio"`
	} `yaml:"nested"`
	Skipped string `env:"-"`
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	require.Error(t, LoadConfig(nil))
	require.Error(t, LoadConfig(sampleConfig{}))
}

func TestLoadConfigFromFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	body := []byte("name: from-file\nretries: 2\ntimeout: 3s\nbrokers: [\"tcp://a:1883\"]\nnested:\n  enabled: false\n  ratio: 0.5\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SAMPLE_NAME", "from-env")
	t.Setenv("RETRIES", "7")
	t.Setenv("NESTED_ENABLED", "true")
	t.Setenv("SAMPLE_TIMEOUT", "1500ms")
	t.Setenv("SAMPLE_BROKERS", "tcp://b:1883, ,tcp://c:1883")
	t.Setenv("SKIPPED", "ignored")

	var cfg sampleConfig
	require.NoError(t, LoadConfig(&cfg))

	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, 7, cfg.Retries)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, []string{"tcp://b:1883", "tcp://c:1883"}, cfg.Brokers)
	assert.True(t, cfg.Nested.Enabled)
	assert.InDelta(t, 0.5, cfg.Nested.Ratio, 0.0001)
	assert.Empty(t, cfg.Skipped)
}

func TestLoadConfigBadEnvValue(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SAMPLE_TIMEOUT", "soon")

	var cfg sampleConfig
	err := LoadConfig(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAMPLE_TIMEOUT")
}

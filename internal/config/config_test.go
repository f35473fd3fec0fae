package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsMatchDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("BINDER_BUFFER_SIZE", "65536")
	t.Setenv("BINDER_SPAM_MAX_BUFFERS", "8")
	t.Setenv("BINDER_FREEZE_TIMEOUT", "2s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("METRICS_ADDR", ":9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 65536, cfg.Buffer.Size)
	assert.Equal(t, 8, cfg.Spam.MaxBuffers)
	assert.Equal(t, 2*time.Second, cfg.Freeze.Timeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("BINDER_PAGE_SIZE", "3000")
	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, Default(), LoadOrDefault())

	t.Setenv("BINDER_PAGE_SIZE", "many")
	_, err = Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Buffer.Size = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Spam.BytesDivisor = 0
	require.Error(t, cfg.Validate())
}

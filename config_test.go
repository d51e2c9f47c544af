package nitra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nitra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadFileConfigParsesFields(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
listeners: 4
pool:
  capacity: 64
  upscale_patience: 5ms
  downscale_patience: 2s
inactivity_timeout: 30s
logging:
  level: debug
  format: console
rate_limit:
  enabled: true
  windows:
    1s: 20
    1m: 200
profiling: true
`)

	fc, err := LoadFileConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", fc.Addr)
	assert.Equal(t, 4, fc.Listeners)
	assert.Equal(t, 64, fc.Pool.Capacity)
	assert.Equal(t, 5*time.Millisecond, fc.Pool.UpscalePatience)
	assert.Equal(t, 2*time.Second, fc.Pool.DownscalePatience)
	assert.Equal(t, 30*time.Second, fc.InactivityTimeout)
	assert.Equal(t, "debug", fc.Logging.Level)
	assert.True(t, fc.RateLimit.Enabled)
	assert.Equal(t, 20, fc.RateLimit.Windows["1s"])
	assert.True(t, fc.Profiling)
}

func TestLoadFileConfigMissingFileReturnsError(t *testing.T) {
	_, err := LoadFileConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConnRateLimiterDisabledByDefault(t *testing.T) {
	var fc FileConfig
	limiter, err := fc.connRateLimiter()
	require.NoError(t, err)
	assert.Nil(t, limiter)
}

func TestConnRateLimiterFromWindows(t *testing.T) {
	var fc FileConfig
	fc.RateLimit.Enabled = true
	fc.RateLimit.Windows = map[string]int{"1s": 5}

	limiter, err := fc.connRateLimiter()
	require.NoError(t, err)
	require.NotNil(t, limiter)

	_, ok := limiter.Allow("1.2.3.4")
	assert.True(t, ok)
}

func TestConnRateLimiterRejectsInvalidDuration(t *testing.T) {
	var fc FileConfig
	fc.RateLimit.Enabled = true
	fc.RateLimit.Windows = map[string]int{"not-a-duration": 5}

	_, err := fc.connRateLimiter()
	assert.Error(t, err)
}

func TestToServerConfigWiresProcessorAndProfiler(t *testing.T) {
	var fc FileConfig
	fc.Addr = ":8081"
	fc.Listeners = 2
	fc.Profiling = true

	called := false
	processor := func(ch *Channel) Control {
		called = true
		return SendResponse
	}

	cfg, err := fc.ToServerConfig(processor)
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Addr)
	assert.Equal(t, 2, cfg.Listeners)
	require.NotNil(t, cfg.Profiler)

	cfg.Processor(nil)
	assert.True(t, called)
}

func TestToServerConfigPropagatesInvalidRateLimitWindow(t *testing.T) {
	var fc FileConfig
	fc.RateLimit.Enabled = true
	fc.RateLimit.Windows = map[string]int{"bogus": 1}

	_, err := fc.ToServerConfig(func(ch *Channel) Control { return SendResponse })
	assert.Error(t, err)
}

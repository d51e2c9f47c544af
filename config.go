package nitra

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk shape of a nitra-server YAML config, the
// example/CLI entry point's non-core counterpart to ServerConfig. Grounded
// on the pack's YAML-driven server config pattern; kept separate from
// ServerConfig so the embeddable core never depends on a config format.
type FileConfig struct {
	Addr      string `yaml:"addr"`
	Listeners int    `yaml:"listeners"`

	Pool struct {
		Capacity          int           `yaml:"capacity"`
		UpscalePatience   time.Duration `yaml:"upscale_patience"`
		DownscalePatience time.Duration `yaml:"downscale_patience"`
	} `yaml:"pool"`

	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	Logging struct {
		Level    string `yaml:"level"`
		Format   string `yaml:"format"`
		FilePath string `yaml:"file_path"`
	} `yaml:"logging"`

	RateLimit struct {
		Enabled bool           `yaml:"enabled"`
		Windows map[string]int `yaml:"windows"` // e.g. "1s": 20, "1m": 200
	} `yaml:"rate_limit"`

	Profiling bool `yaml:"profiling"`
}

// LoadFileConfig reads and parses a YAML config file at path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// connRateLimiter builds a ConnRateLimiter from the config's window map,
// parsing each key as a time.Duration (e.g. "1s", "1m"). Returns nil if rate
// limiting is disabled or no windows are configured.
func (fc FileConfig) connRateLimiter() (*ConnRateLimiter, error) {
	if !fc.RateLimit.Enabled || len(fc.RateLimit.Windows) == 0 {
		return nil, nil
	}
	rates := make(map[time.Duration]int, len(fc.RateLimit.Windows))
	for k, v := range fc.RateLimit.Windows {
		d, err := time.ParseDuration(k)
		if err != nil {
			return nil, err
		}
		rates[d] = v
	}
	return NewConnRateLimiter(rates), nil
}

// ToServerConfig assembles a ServerConfig from the file config, wiring a
// Profiler and ConnRateLimiter when requested. processor is supplied by the
// caller since request handling is application code, never config-driven.
func (fc FileConfig) ToServerConfig(processor Processor) (ServerConfig, error) {
	logger, _ := NewLogger(fc.Logging.Level, fc.Logging.Format, fc.Logging.FilePath)

	limiter, err := fc.connRateLimiter()
	if err != nil {
		return ServerConfig{}, err
	}

	var profiler *Profiler
	if fc.Profiling {
		profiler = NewProfiler()
		profiler.Enable()
	}

	return ServerConfig{
		Addr:                  fc.Addr,
		Listeners:             fc.Listeners,
		PoolCapacity:          fc.Pool.Capacity,
		PoolUpscalePatience:   fc.Pool.UpscalePatience,
		PoolDownscalePatience: fc.Pool.DownscalePatience,
		InactivityTimeout:     fc.InactivityTimeout,
		Processor:             processor,
		Logger:                logger,
		Profiler:              profiler,
		ConnRateLimiter:       limiter,
	}, nil
}

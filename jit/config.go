package jit

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the immutable runtime configuration.
type Config struct {
	Enabled             bool   `yaml:"enabled" json:"enabled"`                               // global kill switch
	HotThreshold        uint32 `yaml:"hot_threshold" json:"hot_threshold"`                   // executions before a compile is requested
	CacheMaxBlocks      int    `yaml:"cache_max_blocks" json:"cache_max_blocks"`             // 0 = unlimited
	CacheMaxBytes       int    `yaml:"cache_max_bytes" json:"cache_max_bytes"`               // 0 = unlimited
	CodeVersionMaxPages int    `yaml:"code_version_max_pages" json:"code_version_max_pages"` // 0 = unlimited
	HotnessCapacity     int    `yaml:"hotness_capacity" json:"hotness_capacity"`             // 0 = DefaultHotnessCapacity
	RequestTimeoutTicks uint64 `yaml:"request_timeout_ticks" json:"request_timeout_ticks"`   // 0 = requests never expire
}

// DefaultConfig returns the configuration used by the browser bring-up path.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		HotThreshold:        32,
		CacheMaxBlocks:      10 * 1024,
		CacheMaxBytes:       0,
		CodeVersionMaxPages: 16,
		HotnessCapacity:     DefaultHotnessCapacity,
	}
}

// Validate rejects configurations that cannot describe a working cache.
func (c Config) Validate() error {
	var errs []error
	if c.CacheMaxBlocks < 0 {
		errs = append(errs, fmt.Errorf("cache_max_blocks must be >= 0, got %d", c.CacheMaxBlocks))
	}
	if c.CacheMaxBytes < 0 {
		errs = append(errs, fmt.Errorf("cache_max_bytes must be >= 0, got %d", c.CacheMaxBytes))
	}
	if c.CodeVersionMaxPages < 0 {
		errs = append(errs, fmt.Errorf("code_version_max_pages must be >= 0, got %d", c.CodeVersionMaxPages))
	}
	if c.HotnessCapacity < 0 {
		errs = append(errs, fmt.Errorf("hotness_capacity must be >= 0, got %d", c.HotnessCapacity))
	}
	return errors.Join(errs...)
}

// LoadConfig reads a yaml file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read jit config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse jit config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid jit config %s: %w", path, err)
	}
	return cfg, nil
}

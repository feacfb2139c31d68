package sim

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/colorfulnotion/tierjit/jit"
	"github.com/colorfulnotion/tierjit/jit/compiler"
	"github.com/colorfulnotion/tierjit/memory"
	"github.com/colorfulnotion/tierjit/storage"
)

// Config describes one simulation run. It is normally read from yaml and
// then adjusted by command-line flags.
type Config struct {
	JIT      jit.Config           `yaml:"jit" json:"jit"`
	Compiler compiler.Config      `yaml:"compiler" json:"compiler"`
	Store    storage.StoreOptions `yaml:"store" json:"store"`

	MemorySize  int    `yaml:"memory_size" json:"memory_size"`
	ProgramBase uint64 `yaml:"program_base" json:"program_base"`
	Loops       int    `yaml:"loops" json:"loops"`
	Seed        uint64 `yaml:"seed" json:"seed"`

	SMCEvery         int           `yaml:"smc_every" json:"smc_every"`       // steps between code patches, 0 = never
	SampleEvery      int           `yaml:"sample_every" json:"sample_every"` // steps between chart samples, 0 = never
	DMAInterval      time.Duration `yaml:"dma_interval" json:"dma_interval"` // 0 = no device writes
	DMACodeRatio     int           `yaml:"dma_code_ratio" json:"dma_code_ratio"`
	WriteLogCapacity int           `yaml:"write_log_capacity" json:"write_log_capacity"`
}

func DefaultConfig() Config {
	jc := jit.DefaultConfig()
	jc.HotThreshold = 8
	return Config{
		JIT:              jc,
		Compiler:         compiler.DefaultConfig(),
		Store:            storage.DefaultStoreOptions(),
		MemorySize:       1 << 20,
		ProgramBase:      0x1000,
		Loops:            32,
		Seed:             1,
		SMCEvery:         0,
		SampleEvery:      1000,
		DMACodeRatio:     8,
		WriteLogCapacity: memory.DefaultWriteLogCapacity,
	}
}

func (c Config) Validate() error {
	var errs []error
	if err := c.JIT.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MemorySize <= 0 {
		errs = append(errs, fmt.Errorf("memory_size must be > 0, got %d", c.MemorySize))
	}
	if c.Loops <= 0 {
		errs = append(errs, fmt.Errorf("loops must be > 0, got %d", c.Loops))
	}
	if c.SMCEvery < 0 || c.SampleEvery < 0 || c.DMAInterval < 0 {
		errs = append(errs, errors.New("smc_every, sample_every and dma_interval must be >= 0"))
	}
	return errors.Join(errs...)
}

// LoadConfig reads a yaml file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read sim config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse sim config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid sim config %s: %w", path, err)
	}
	return cfg, nil
}

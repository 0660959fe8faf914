// Package config holds the runtime configuration: heap limits, collector
// policy and the diagnostics switches. A configuration starts from
// Default, may be loaded from a YAML file and is finally adjusted by an
// option string, usually taken from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/daimatz/gcrt/pkg/memory"
)

const (
	// EnvConfig names a YAML configuration file.
	EnvConfig = "GCRT_CONFIG"
	// EnvOptions holds an option string applied after the file.
	EnvOptions = "GCRT_OPTIONS"
)

// MaxRegionSize is the largest region size whose offsets fit the region
// table entries.
const MaxRegionSize = 32 << 10

// Size is a byte count. In YAML and options it may carry a unit, as in
// "16MB", "2KiB" or "4096".
type Size uint64

func (s Size) String() string { return bytesize.New(float64(s)).String() }

// ParseSize parses a plain byte count or a size with a unit. Units are
// powers of 1024; "KiB" and "KB" mean the same.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Size(n), nil
	}
	normalized := strings.Replace(strings.ToUpper(s), "IB", "B", 1)
	b, err := bytesize.Parse(normalized)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(uint64(b)), nil
}

func (s *Size) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DiagnosticsConfig selects the diagnostic features.
type DiagnosticsConfig struct {
	// MemoryTrace enables the consistency oracle. It implies HeapDump.
	MemoryTrace bool `yaml:"memory_trace"`
	// HeapDump writes a heap dump when the runtime runs out of memory.
	HeapDump bool `yaml:"heap_dump"`
	// GCStats prints statistics after every collection.
	GCStats bool `yaml:"gc_stats"`
	// GCLog writes the occupancy trace log.
	GCLog bool `yaml:"gc_log"`
	// DumpDirectory is where dumps and trace logs are written.
	DumpDirectory string `yaml:"dump_directory"`
}

// Config is the runtime configuration.
type Config struct {
	MinHeap          Size              `yaml:"min_heap"`
	MaxHeap          Size              `yaml:"max_heap"`
	RegionSize       Size              `yaml:"region_size"`
	Backing          memory.Kind       `yaml:"backing"`
	ArrayClassPool   int               `yaml:"array_class_pool"`
	MaxFrameDepth    int               `yaml:"max_frame_depth"`
	Compact          bool              `yaml:"compact"`
	YoungCollections int               `yaml:"young_collections"`
	LogLevel         string            `yaml:"log_level"`
	Diagnostics      DiagnosticsConfig `yaml:"diagnostics"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MinHeap:          1 << 20,
		MaxHeap:          64 << 20,
		RegionSize:       2 << 10,
		Backing:          memory.KindAuto,
		ArrayClassPool:   64,
		MaxFrameDepth:    1024,
		Compact:          true,
		YoungCollections: 8,
		LogLevel:         "warn",
		Diagnostics:      DiagnosticsConfig{DumpDirectory: "."},
	}
}

// Parse applies YAML data on top of c. Unknown keys are rejected.
func (c *Config) Parse(data []byte) error {
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load reads a YAML file on top of the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Parse(data); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv builds the configuration from the defaults, the file named by
// GCRT_CONFIG and the options in GCRT_OPTIONS, then validates it.
func FromEnv() (Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfig); path != "" {
		loaded, err := Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if opts := os.Getenv(EnvOptions); opts != "" {
		if err := cfg.ApplyOptions(opts); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks c and fills in implied settings.
func (c *Config) Validate() error {
	if c.Diagnostics.MemoryTrace {
		c.Diagnostics.HeapDump = true
	}
	if c.Diagnostics.DumpDirectory == "" {
		c.Diagnostics.DumpDirectory = "."
	}
	switch {
	case c.MaxHeap == 0:
		return fmt.Errorf("config: maximum heap size is zero")
	case c.MinHeap > c.MaxHeap:
		return fmt.Errorf("config: minimum heap size %s exceeds maximum %s", c.MinHeap, c.MaxHeap)
	case c.MinHeap%8 != 0 || c.MaxHeap%8 != 0:
		return fmt.Errorf("config: heap sizes must be multiples of 8 bytes")
	case c.RegionSize == 0 || c.RegionSize&(c.RegionSize-1) != 0:
		return fmt.Errorf("config: region size %d is not a power of two", uint64(c.RegionSize))
	case c.RegionSize > MaxRegionSize:
		return fmt.Errorf("config: region size %s exceeds %s", c.RegionSize, Size(MaxRegionSize))
	case c.ArrayClassPool < 0:
		return fmt.Errorf("config: negative array class pool size %d", c.ArrayClassPool)
	case c.MaxFrameDepth <= 0:
		return fmt.Errorf("config: maximum frame depth must be positive, got %d", c.MaxFrameDepth)
	}
	switch c.Backing {
	case "", memory.KindAuto, memory.KindMmap, memory.KindWasm:
	default:
		return fmt.Errorf("config: unknown backing %q", c.Backing)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}

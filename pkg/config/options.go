package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/daimatz/gcrt/pkg/memory"
)

// ApplyOptions applies an option string such as
//
//	-trace -stats -min-heap=1MB -max-heap="64 MB" -dump-dir=/tmp
//
// on top of c. Words are split with shell quoting rules; every option may
// be written with one or two leading dashes.
func (c *Config) ApplyOptions(opts string) error {
	words, err := shlex.Split(opts)
	if err != nil {
		return fmt.Errorf("config: options: %w", err)
	}
	for _, w := range words {
		if err := c.applyOption(w); err != nil {
			return fmt.Errorf("config: option %s: %w", w, err)
		}
	}
	return nil
}

func (c *Config) applyOption(word string) error {
	name := strings.TrimLeft(word, "-")
	if name == word || name == "" {
		return fmt.Errorf("not an option")
	}
	name, value, hasValue := strings.Cut(name, "=")

	flags := map[string]*bool{
		"trace":     &c.Diagnostics.MemoryTrace,
		"heap-dump": &c.Diagnostics.HeapDump,
		"stats":     &c.Diagnostics.GCStats,
		"gc-log":    &c.Diagnostics.GCLog,
		"compact":   &c.Compact,
	}
	if p, ok := flags[name]; ok {
		if !hasValue {
			*p = true
			return nil
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
	if name == "no-compact" && !hasValue {
		c.Compact = false
		return nil
	}

	if !hasValue {
		return fmt.Errorf("missing value")
	}
	sizes := map[string]*Size{
		"min-heap":    &c.MinHeap,
		"max-heap":    &c.MaxHeap,
		"region-size": &c.RegionSize,
	}
	if p, ok := sizes[name]; ok {
		s, err := ParseSize(value)
		if err != nil {
			return err
		}
		*p = s
		return nil
	}
	ints := map[string]*int{
		"array-class-pool":  &c.ArrayClassPool,
		"max-frame-depth":   &c.MaxFrameDepth,
		"young-collections": &c.YoungCollections,
	}
	if p, ok := ints[name]; ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
	switch name {
	case "backing":
		c.Backing = memory.Kind(value)
	case "dump-dir":
		c.Diagnostics.DumpDirectory = value
	case "log-level":
		c.LogLevel = value
	default:
		return fmt.Errorf("unknown option")
	}
	return nil
}

// Package qffconfig loads the runtime's tunables from a YAML file:
// worker thread counts, use-caller mode, default stack size, the
// process-wide connect timeout, and the minimum log level.
//
// Grounded on original_source/src/config.h/.cpp (qff::Config,
// qff::ConfigVar, load_from_file), which reads settings out of a
// yaml-cpp tree by dotted key path. That tree-of-ConfigVar design
// exists in C++ because yaml-cpp's native types are awkward to bind
// directly to arbitrary structs; Go's gopkg.in/yaml.v3 (already part
// of the pulled-in dependency graph via joeycumines/stumpy's own
// stack) supports unmarshaling straight into tagged structs, which is
// the idiomatic replacement for a hand-rolled key/value tree.
package qffconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qff233/qff/fiber"
	"github.com/qff233/qff/logging"
)

// SchedulerConfig configures one Scheduler/Reactor instance.
type SchedulerConfig struct {
	Name        string `yaml:"name"`
	ThreadCount int    `yaml:"thread_count"`
	UseCaller   bool   `yaml:"use_caller"`
	StackSizeKB int    `yaml:"stack_size_kb"`
}

// StackSize returns the configured per-fiber stack size in bytes,
// falling back to fiber.DefaultStackSize when unset.
func (c SchedulerConfig) StackSize() int {
	if c.StackSizeKB <= 0 {
		return fiber.DefaultStackSize
	}
	return c.StackSizeKB * 1024
}

// ReactorConfig adds the reactor-specific tunables on top of a
// SchedulerConfig, matching the relationship between IOManager and
// Scheduler in original_source.
type ReactorConfig struct {
	SchedulerConfig  `yaml:",inline"`
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`
}

// ConnectTimeout returns the configured connect timeout, or a negative
// duration if none was set (meaning "no timeout").
func (c ReactorConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMS <= 0 {
		return -1
	}
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// LogConfig selects the minimum level a configured Sink should emit.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ParsedLevel maps the configured level name to a logging.Level,
// defaulting to LevelInfo for an empty or unrecognized value.
func (c LogConfig) ParsedLevel() logging.Level {
	switch c.Level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	case "fatal":
		return logging.LevelFatal
	default:
		return logging.LevelInfo
	}
}

// Config is the root document qffconfig loads, covering every
// scheduler/reactor this process constructs plus ambient logging.
type Config struct {
	Log      LogConfig                `yaml:"log"`
	Reactors map[string]ReactorConfig `yaml:"reactors"`
}

// Load reads and parses a YAML config file — original_source's
// Config::load_from_file, minus the custom ConfigVar tree.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("qffconfig: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("qffconfig: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// Reactor looks up a named reactor's configuration, reporting whether
// it was present in the document.
func (c *Config) Reactor(name string) (ReactorConfig, bool) {
	if c == nil {
		return ReactorConfig{}, false
	}
	rc, ok := c.Reactors[name]
	return rc, ok
}

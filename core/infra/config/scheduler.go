package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTickInterval = 10 * time.Second
	defaultLockTTL      = 60 * time.Second
	defaultDueLimit     = 100
)

// Duration is a time.Duration written as a Go duration string in YAML ("10s", "1m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ScheduleConfig declares one schedule to register at startup.
type ScheduleConfig struct {
	Name                string         `yaml:"name"`
	TargetType          string         `yaml:"target_type"`
	TargetName          string         `yaml:"target_name"`
	Cron                string         `yaml:"cron"`
	IntervalSeconds     int64          `yaml:"interval_seconds"`
	Params              map[string]any `yaml:"params"`
	Partition           map[string]any `yaml:"partition"`
	MisfireGraceSeconds *int64         `yaml:"misfire_grace_seconds"`
	Enabled             *bool          `yaml:"enabled"`
}

// IsEnabled defaults to true when enabled is omitted.
func (s ScheduleConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SchedulerConfig tunes the scheduler service and lists bootstrap schedules.
type SchedulerConfig struct {
	TickInterval               Duration         `yaml:"tick_interval"`
	LockTTL                    Duration         `yaml:"lock_ttl"`
	DueLimit                   int              `yaml:"due_limit"`
	DefaultMisfireGraceSeconds int64            `yaml:"default_misfire_grace_seconds"`
	Schedules                  []ScheduleConfig `yaml:"schedules"`
}

// MisfireGrace returns the schedule's grace, or the config default when unset.
func (c *SchedulerConfig) MisfireGrace(s ScheduleConfig) int64 {
	if s.MisfireGraceSeconds != nil {
		return *s.MisfireGraceSeconds
	}
	return c.DefaultMisfireGraceSeconds
}

func defaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval: Duration(defaultTickInterval),
		LockTTL:      Duration(defaultLockTTL),
		DueLimit:     defaultDueLimit,
	}
}

// ParseSchedulerConfig validates data against the embedded schema and decodes it. Omitted
// settings keep their defaults.
func ParseSchedulerConfig(data []byte) (*SchedulerConfig, error) {
	cfg := defaultSchedulerConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := validateDocument("scheduler", schedulerSchemaFile, data); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse scheduler config: %w", err)
	}
	seen := map[string]bool{}
	for _, s := range cfg.Schedules {
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate schedule %q", s.Name)
		}
		seen[s.Name] = true
	}
	if cfg.TickInterval <= 0 || cfg.LockTTL <= 0 {
		return nil, errors.New("tick_interval and lock_ttl must be positive")
	}
	return cfg, nil
}

// LoadSchedulerConfig reads a YAML file; a missing file yields defaults with no schedules.
func LoadSchedulerConfig(path string) (*SchedulerConfig, error) {
	if path == "" {
		return defaultSchedulerConfig(), nil
	}
	// #nosec G304 -- scheduler config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultSchedulerConfig(), nil
		}
		return nil, fmt.Errorf("read scheduler config %s: %w", path, err)
	}
	cfg, err := ParseSchedulerConfig(data)
	if err != nil {
		return nil, fmt.Errorf("load scheduler config %s: %w", path, err)
	}
	return cfg, nil
}

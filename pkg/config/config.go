// Package config loads the YAML configuration of the procpulse CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/srodi/procpulse/pkg/coordinator"
	"github.com/srodi/procpulse/pkg/store"
	"github.com/srodi/procpulse/pkg/types"
	"github.com/srodi/procpulse/pkg/updater"
)

const (
	DefaultInterval        = updater.DefaultInterval
	DefaultBudget          = coordinator.DefaultBudget
	DefaultStoreCapacity   = store.DefaultCapacity
	DefaultHistoryLength   = 120
	DefaultGPUEvery        = 5
	DefaultTopK            = types.DefaultTopK
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultMaxLogSizeMB    = 10
	DefaultMaxLogBackups   = 3
	defaultMinimumInterval = 50 * time.Millisecond
)

// Config is the full CLI configuration.
type Config struct {
	Interval      time.Duration  `yaml:"interval" validate:"interval"`
	Budget        time.Duration  `yaml:"budget" validate:"gte=0"`
	StoreCapacity int            `yaml:"store_capacity" validate:"min=16,max=65536"`
	HistoryLength int            `yaml:"history_length" validate:"min=2,max=86400"`
	Counters      CountersConfig `yaml:"counters"`
	GPU           GPUConfig      `yaml:"gpu"`
	Display       DisplayConfig  `yaml:"display"`
	Log           LogConfig      `yaml:"log"`
}

// CountersConfig selects the system counter groups sampled each cycle.
type CountersConfig struct {
	CPU     bool `yaml:"cpu"`
	Disk    bool `yaml:"disk"`
	Network bool `yaml:"network"`
}

// GPUConfig controls adapter memory sampling.
type GPUConfig struct {
	Enabled bool `yaml:"enabled"`
	// Every samples GPU memory once per this many collection cycles.
	Every int `yaml:"every" validate:"min=1"`
}

type DisplayConfig struct {
	TopK       int    `yaml:"top_k" validate:"min=1,max=1000"`
	HideKernel bool   `yaml:"hide_kernel"`
	Filter     string `yaml:"filter"`
}

// LogConfig configures the logger built by pkg/logging.
type LogConfig struct {
	Level      string `yaml:"level" validate:"omitempty,loglevel"`
	Format     string `yaml:"format" validate:"omitempty,logformat"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=1"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Interval:      DefaultInterval,
		Budget:        DefaultBudget,
		StoreCapacity: DefaultStoreCapacity,
		HistoryLength: DefaultHistoryLength,
		Counters:      CountersConfig{CPU: true, Disk: true, Network: true},
		GPU:           GPUConfig{Enabled: true, Every: DefaultGPUEvery},
		Display:       DisplayConfig{TopK: DefaultTopK, HideKernel: true},
		Log: LogConfig{
			Level:      DefaultLogLevel,
			Format:     DefaultLogFormat,
			MaxSizeMB:  DefaultMaxLogSizeMB,
			MaxBackups: DefaultMaxLogBackups,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path returns
// the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, Validate(&cfg)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations.
func Validate(cfg *Config) error {
	v := validator.New()
	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
			return true
		}
		return false
	})
	_ = v.RegisterValidation("logformat", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "console", "json":
			return true
		}
		return false
	})
	_ = v.RegisterValidation("interval", func(fl validator.FieldLevel) bool {
		return time.Duration(fl.Field().Int()) >= defaultMinimumInterval
	})

	err := v.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", e.Namespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

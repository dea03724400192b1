// Package config loads framescript settings from a YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/comalice/framescript/packet"
	"github.com/comalice/framescript/realtime"
)

// Config holds process configuration.
type Config struct {
	// FrameInterval is the fixed frame pacing interval of every script.
	FrameInterval time.Duration   `yaml:"frame_interval"`
	Listen        string          `yaml:"listen"`
	Log           LogConfig       `yaml:"log"`
	Broadcast     BroadcastConfig `yaml:"broadcast"`
	Report        ReportConfig    `yaml:"report"`
	Senders       []SenderConfig  `yaml:"senders"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// BroadcastConfig controls the per-frame state broadcast.
type BroadcastConfig struct {
	Enabled bool   `yaml:"enabled"`
	Class   string `yaml:"class"`
	Subject string `yaml:"subject"` // script global holding the state table
}

// ReportConfig controls run report persistence. An empty Dir disables it.
type ReportConfig struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"` // json or yaml
}

// SenderConfig declares one packet sender domain.
type SenderConfig struct {
	Name     string        `yaml:"name"`
	Type     string        `yaml:"type"`
	Class    string        `yaml:"class"`
	Threaded bool          `yaml:"threaded"`
	Interval time.Duration `yaml:"interval"`
}

// envOverrides are applied after the file. A nil field leaves the value
// alone.
type envOverrides struct {
	FrameInterval    *time.Duration `env:"FRAMESCRIPT_FRAME_INTERVAL"`
	Listen           *string        `env:"FRAMESCRIPT_LISTEN"`
	LogLevel         *string        `env:"FRAMESCRIPT_LOG_LEVEL"`
	LogFormat        *string        `env:"FRAMESCRIPT_LOG_FORMAT"`
	BroadcastEnabled *bool          `env:"FRAMESCRIPT_BROADCAST"`
	BroadcastClass   *string        `env:"FRAMESCRIPT_BROADCAST_CLASS"`
	ReportDir        *string        `env:"FRAMESCRIPT_REPORT_DIR"`
	ReportFormat     *string        `env:"FRAMESCRIPT_REPORT_FORMAT"`
}

// Default returns the built-in configuration: voxel and particle edit
// senders, broadcast off, reports off.
func Default() *Config {
	return &Config{
		FrameInterval: realtime.DefaultFrameInterval,
		Listen:        ":8080",
		Log:           LogConfig{Level: "info", Format: "text"},
		Broadcast:     BroadcastConfig{Class: "avatar", Subject: "Avatar"},
		Report:        ReportConfig{Format: "json"},
		Senders: []SenderConfig{
			{Name: "Voxels", Type: packet.TypeVoxelEdit.String(), Class: "voxel"},
			{Name: "Particles", Type: packet.TypeParticleEdit.String(), Class: "particle"},
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.FrameInterval != nil {
		c.FrameInterval = *o.FrameInterval
	}
	if o.Listen != nil {
		c.Listen = *o.Listen
	}
	if o.LogLevel != nil {
		c.Log.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		c.Log.Format = *o.LogFormat
	}
	if o.BroadcastEnabled != nil {
		c.Broadcast.Enabled = *o.BroadcastEnabled
	}
	if o.BroadcastClass != nil {
		c.Broadcast.Class = *o.BroadcastClass
	}
	if o.ReportDir != nil {
		c.Report.Dir = *o.ReportDir
	}
	if o.ReportFormat != nil {
		c.Report.Format = *o.ReportFormat
	}
	return nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.FrameInterval <= 0 {
		errs = append(errs, fmt.Errorf("frame_interval must be positive, got %v", c.FrameInterval))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Broadcast.Enabled && c.Broadcast.Class == "" {
		errs = append(errs, errors.New("broadcast.class is required when broadcast is enabled"))
	}
	switch c.Report.Format {
	case "json", "yaml":
	default:
		errs = append(errs, fmt.Errorf("unknown report format %q", c.Report.Format))
	}

	seen := map[string]bool{}
	for i, s := range c.Senders {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("senders[%d]: name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("senders[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Class == "" {
			errs = append(errs, fmt.Errorf("senders[%d]: class is required", i))
		}
		if _, err := packet.ParseType(s.Type); err != nil {
			errs = append(errs, fmt.Errorf("senders[%d]: %w", i, err))
		}
		if s.Interval < 0 {
			errs = append(errs, fmt.Errorf("senders[%d]: interval must not be negative", i))
		}
	}
	return errors.Join(errs...)
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}

// Package config provides application configuration management.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/oszuidwest/zwfm-meter/internal/render"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort          = 8080
	DefaultFramerate        = 60
	DefaultColor            = "green"
	DefaultLogLevel         = "info"
	DefaultWarningThreshold = render.DefaultWarningThreshold
	DefaultDecayRate        = 2.0
	DefaultPeakDecayRate    = 1.0
)

// MeterConfig selects the metered device and how it is drawn.
type MeterConfig struct {
	Device           string  `json:"device" yaml:"device" validate:"max=256"`                          // Sink or source name, empty for the server default
	Sink             bool    `json:"sink" yaml:"sink"`                                                 // Meter a sink through its monitor source
	Framerate        int     `json:"framerate" yaml:"framerate" validate:"min=1,max=240"`              // Draw rate in frames per second
	Color            string  `json:"color" yaml:"color" validate:"required,max=32"`                    // Preset name or hex RRGGBB
	HideMarkings     bool    `json:"hide_markings" yaml:"hide_markings"`                               // Hide reference lines
	WarningThreshold float64 `json:"warning_threshold" yaml:"warning_threshold" validate:"gt=0,lte=1"` // Peak level drawn in the warning color
	DecayRate        float64 `json:"decay_rate" yaml:"decay_rate" validate:"gt=0,lte=100"`             // Main level fall per second
	PeakDecayRate    float64 `json:"peak_decay_rate" yaml:"peak_decay_rate" validate:"gt=0,lte=100"`   // Peak marker fade per second
}

// WebConfig holds the frame streaming server settings.
type WebConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`                      // Serve the meter page
	Port    int  `json:"port" yaml:"port" validate:"min=1,max=65535"` // HTTP server port
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level    string `json:"level" yaml:"level" validate:"oneof=error warn warning info debug"` // Log verbosity
	EventLog string `json:"event_log" yaml:"event_log"`                                        // JSONL session event log path, empty disables
}

// UpdateCheckConfig holds release check settings.
type UpdateCheckConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"` // Check for new releases
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	Meter       MeterConfig       `json:"meter" yaml:"meter"`
	Web         WebConfig         `json:"web" yaml:"web"`
	Log         LogConfig         `json:"log" yaml:"log"`
	UpdateCheck UpdateCheckConfig `json:"update_check" yaml:"update_check"`

	mu       sync.RWMutex
	filePath string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		Meter: MeterConfig{
			Sink:             true,
			Framerate:        DefaultFramerate,
			Color:            DefaultColor,
			WarningThreshold: DefaultWarningThreshold,
			DecayRate:        DefaultDecayRate,
			PeakDecayRate:    DefaultPeakDecayRate,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    DefaultWebPort,
		},
		Log:         LogConfig{Level: DefaultLogLevel},
		UpdateCheck: UpdateCheckConfig{Enabled: true},
		filePath:    filePath,
	}
}

// Load reads config from file, creating a default if none exists.
// An empty path keeps the defaults and never touches the disk.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		return c.validate()
	}

	data, err := os.ReadFile(c.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return c.saveLocked()
	}
	if err != nil {
		return util.WrapError("read config", err)
	}

	if c.isYAML() {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()
	return c.validate()
}

// isYAML reports whether the config file uses YAML by its extension.
func (c *Config) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(c.filePath))
	return ext == ".yaml" || ext == ".yml"
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return util.WrapError("validate config", err)
	}
	if _, err := render.ParseColor(c.Meter.Color); err != nil {
		return fmt.Errorf("invalid config: meter.color: %w", err)
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.Meter.Framerate == 0 {
		c.Meter.Framerate = DefaultFramerate
	}
	if c.Meter.Color == "" {
		c.Meter.Color = DefaultColor
	}
	if c.Meter.WarningThreshold == 0 {
		c.Meter.WarningThreshold = DefaultWarningThreshold
	}
	if c.Meter.DecayRate == 0 {
		c.Meter.DecayRate = DefaultDecayRate
	}
	if c.Meter.PeakDecayRate == 0 {
		c.Meter.PeakDecayRate = DefaultPeakDecayRate
	}
	if c.Web.Port == 0 {
		c.Web.Port = DefaultWebPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	if c.filePath == "" {
		return nil
	}

	var (
		data []byte
		err  error
	)
	if c.isYAML() {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.filePath
}

// Override applies fn to the configuration without saving it and revalidates.
// Command line flags use it to win over the file.
func (c *Config) Override(fn func(*Config)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
	return c.validate()
}

// SetColor validates and saves the bar color.
func (c *Config) SetColor(color string) error {
	if _, err := render.ParseColor(color); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Meter.Color = color
	return c.saveLocked()
}

// SetHideMarkings saves the marking visibility.
func (c *Config) SetHideMarkings(hide bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Meter.HideMarkings = hide
	return c.saveLocked()
}

// SetWarningThreshold validates and saves the peak warning level.
func (c *Config) SetWarningThreshold(v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("warning threshold %g out of range (0, 1]", v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Meter.WarningThreshold = v
	return c.saveLocked()
}

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// Meter
	Device           string
	Sink             bool
	Framerate        int
	Color            string
	HideMarkings     bool
	WarningThreshold float64
	DecayRate        float64
	PeakDecayRate    float64

	// Web
	WebEnabled bool
	WebPort    int

	// Log
	LogLevel string
	EventLog string

	UpdateCheck bool
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Device:           c.Meter.Device,
		Sink:             c.Meter.Sink,
		Framerate:        c.Meter.Framerate,
		Color:            c.Meter.Color,
		HideMarkings:     c.Meter.HideMarkings,
		WarningThreshold: c.Meter.WarningThreshold,
		DecayRate:        c.Meter.DecayRate,
		PeakDecayRate:    c.Meter.PeakDecayRate,
		WebEnabled:       c.Web.Enabled,
		WebPort:          c.Web.Port,
		LogLevel:         c.Log.Level,
		EventLog:         c.Log.EventLog,
		UpdateCheck:      c.UpdateCheck.Enabled,
	}
}

// Package config loads hdmimix settings from a YAML file. Command-line flags
// are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting of a run.
type Config struct {
	CaptureDevice string        `yaml:"capture_device"`
	DisplayDevice string        `yaml:"display_device"`
	BufferCount   int           `yaml:"buffer_count"`  // capture buffers to request
	OverlayPlane  string        `yaml:"overlay_plane"` // primary, overlay or cursor
	OverlayMode   string        `yaml:"overlay_mode"`  // gbm or dumb
	SettleDelay   time.Duration `yaml:"settle_delay"`  // pause between shutdown steps

	LabelsFile    string   `yaml:"labels_file"` // one class name per line; COCO when empty
	Classes       []string `yaml:"classes"`     // classes to draw; all when empty
	MinConfidence float64  `yaml:"min_confidence"`
	FontSize      float64  `yaml:"font_size"`

	StatsInterval time.Duration `yaml:"stats_interval"`
	DebugFrames   bool          `yaml:"debug_frames"`

	Addr    string `yaml:"addr"`     // status server; disabled when empty
	Token   string `yaml:"token"`    // bearer token for the status server
	TLS     bool   `yaml:"tls"`      // serve HTTPS with a self-signed certificate
	TLSCert string `yaml:"tls_cert"` // certificate file; overrides the self-signed one
	TLSKey  string `yaml:"tls_key"`
}

const (
	ModeGBM  = "gbm"
	ModeDumb = "dumb"
)

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		CaptureDevice: "/dev/video0",
		DisplayDevice: "/dev/dri/card0",
		BufferCount:   4,
		OverlayPlane:  "primary",
		OverlayMode:   ModeGBM,
		SettleDelay:   100 * time.Millisecond,
		Classes:       []string{"person"},
		FontSize:      32,
		StatsInterval: 5 * time.Second,
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.CaptureDevice == "" {
		errs = append(errs, errors.New("capture_device is required"))
	}
	if c.DisplayDevice == "" {
		errs = append(errs, errors.New("display_device is required"))
	}
	if c.BufferCount < 1 || c.BufferCount > 32 {
		errs = append(errs, fmt.Errorf("buffer_count %d out of range 1..32", c.BufferCount))
	}
	switch strings.ToLower(c.OverlayPlane) {
	case "primary", "overlay", "cursor":
	default:
		errs = append(errs, fmt.Errorf("overlay_plane %q must be primary, overlay or cursor", c.OverlayPlane))
	}
	switch c.OverlayMode {
	case ModeGBM, ModeDumb:
	default:
		errs = append(errs, fmt.Errorf("overlay_mode %q must be %s or %s", c.OverlayMode, ModeGBM, ModeDumb))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("settle_delay %v is negative", c.SettleDelay))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_confidence %v out of range 0..1", c.MinConfidence))
	}
	if c.FontSize <= 0 {
		errs = append(errs, fmt.Errorf("font_size %v must be positive", c.FontSize))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be given together"))
	}
	return errors.Join(errs...)
}

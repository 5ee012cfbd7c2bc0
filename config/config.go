// Package config loads the recorder configuration from a YAML file and the
// environment. Environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/alesr/rorelse/framestore"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete recorder configuration.
type Config struct {
	SourceURL       string   `yaml:"source_url"`
	Synthetic       bool     `yaml:"synthetic"` // generate frames instead of decoding source_url
	Width           int      `yaml:"width"`
	Height          int      `yaml:"height"`
	FPS             int      `yaml:"fps"`
	PreMotion       Duration `yaml:"pre_motion"`       // video kept before the trigger
	PostMotion      Duration `yaml:"post_motion"`      // quiet period before a recording stops
	MotionThreshold int      `yaml:"motion_threshold"` // changed pixels that count as motion
	PixelDelta      int      `yaml:"pixel_delta"`      // per-pixel intensity change that counts
	ShmName         string   `yaml:"shm_name"`
	OutputDir       string   `yaml:"output_dir"`
	Camera          string   `yaml:"camera"`
	Timezone        string   `yaml:"timezone"`
	ImageQuality    int      `yaml:"image_quality"` // JPEG quality of the live stream
	StreamAddr      string   `yaml:"stream_addr"`
	CatalogPath     string   `yaml:"catalog_path"` // empty disables the catalog
	WebhookURL      string   `yaml:"webhook_url"`  // empty disables the exporter
	LogLevel        string   `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Width:           896,
		Height:          512,
		FPS:             10,
		PreMotion:       Duration(10 * time.Second),
		PostMotion:      Duration(5 * time.Second),
		MotionThreshold: 5000,
		PixelDelta:      25,
		ShmName:         "camera_shm",
		OutputDir:       "/recordings",
		Camera:          "camera_001",
		Timezone:        "Europe/Stockholm",
		ImageQuality:    60,
		StreamAddr:      ":5000",
		LogLevel:        "info",
	}
}

// Load reads the YAML file at path (skipped when empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("CAMERA_RTSP_URL", &c.SourceURL)
	flag("SYNTHETIC_SOURCE", &c.Synthetic)
	num("WIDTH", &c.Width)
	num("HEIGHT", &c.Height)
	num("FPS", &c.FPS)
	dur("PRE_MOTION_LENGTH", &c.PreMotion)
	dur("POST_MOTION_LENGTH", &c.PostMotion)
	num("MOTION_THRESHOLD", &c.MotionThreshold)
	num("PIXEL_DELTA", &c.PixelDelta)
	str("SHARED_MEMORY_NAME", &c.ShmName)
	str("RECORD_PATH", &c.OutputDir)
	str("CAMERA_NAME", &c.Camera)
	str("LOCAL_TIMEZONE", &c.Timezone)
	num("IMAGE_QUALITY", &c.ImageQuality)
	str("STREAM_ADDR", &c.StreamAddr)
	str("CATALOG_PATH", &c.CatalogPath)
	str("WEBHOOK_URL", &c.WebhookURL)
	str("LOG_LEVEL", &c.LogLevel)

	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Width > 0 && c.Height > 0, "frame size must be positive, got %dx%d", c.Width, c.Height)
	check(c.FPS > 0, "fps must be positive, got %d", c.FPS)
	check(c.PreMotion.Duration() > 0, "pre_motion must be positive, got %s", c.PreMotion)
	check(c.PostMotion.Duration() > 0, "post_motion must be positive, got %s", c.PostMotion)
	check(c.MotionThreshold >= 0, "motion_threshold must not be negative, got %d", c.MotionThreshold)
	check(c.PixelDelta >= 0 && c.PixelDelta <= 255, "pixel_delta must be within 0..255, got %d", c.PixelDelta)
	check(c.ImageQuality >= 1 && c.ImageQuality <= 100, "image_quality must be within 1..100, got %d", c.ImageQuality)
	check(c.ShmName != "", "shm_name must be set")
	check(c.Camera != "", "camera must be set")
	check(c.OutputDir != "", "output_dir must be set")

	if c.FPS > 0 && c.PreMotion.Duration() > 0 {
		check(c.Capacity() > 0, "pre_motion %s holds no frame at %d fps", c.PreMotion, c.FPS)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// RequireSource reports a capture configuration with nothing to capture from.
func (c *Config) RequireSource() error {
	if c.SourceURL == "" && !c.Synthetic {
		return fmt.Errorf("%w: source_url (CAMERA_RTSP_URL) must be set unless synthetic is enabled", ErrInvalid)
	}
	return nil
}

// FrameSize returns the size in bytes of one BGR frame.
func (c *Config) FrameSize() int { return c.Width * c.Height * 3 }

// Capacity returns the number of ring slots: fps times the pre-motion length.
func (c *Config) Capacity() int {
	return int(int64(c.FPS) * int64(c.PreMotion.Duration()) / int64(time.Second))
}

// FrameInterval returns the time between two frames.
func (c *Config) FrameInterval() time.Duration { return time.Second / time.Duration(c.FPS) }

// MotionInterval returns the detector tick interval, every third frame.
func (c *Config) MotionInterval() time.Duration { return 3 * c.FrameInterval() }

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Layout returns the shared segment geometry.
func (c *Config) Layout() (framestore.Layout, error) {
	return framestore.NewLayout(c.Width, c.Height, c.Capacity())
}

// SegmentPath returns the path of the shared segment.
func (c *Config) SegmentPath() string { return framestore.SegmentPath(c.ShmName) }

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

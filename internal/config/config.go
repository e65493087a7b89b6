// Package config holds the single configuration struct that is passed into
// every component constructor. Values are layered: defaults, then an optional
// YAML file, then .env, then the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Vision configures the remote inference service
type Vision struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
	JPEGQuality int           `yaml:"jpeg_quality"`
	MaxEdge     int           `yaml:"max_edge"`
}

// Persist configures the background template writers
type Persist struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Config is the process configuration
type Config struct {
	DBPath         string  `yaml:"db_path"`
	TemplateDir    string  `yaml:"template_dir"`
	ScreenshotDir  string  `yaml:"screenshot_dir"`
	MaxClickable   int     `yaml:"max_clickable"`
	MatchThreshold float64 `yaml:"match_threshold"`
	FingerprintW   int     `yaml:"fingerprint_width"`
	Addr           string  `yaml:"addr"`
	LogLevel       string  `yaml:"log_level"`
	Vision         Vision  `yaml:"vision"`
	Persist        Persist `yaml:"persist"`
}

// ErrVisionNotConfigured is returned by Validate when the vision service
// cannot be reached with the current settings.
var ErrVisionNotConfigured = errors.New("vision service not configured")

// Default returns the built-in configuration rooted at the user's home
func Default() Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".popdismiss")
	return Config{
		DBPath:         filepath.Join(root, "popdismiss.db"),
		TemplateDir:    filepath.Join(root, "templates"),
		MaxClickable:   12,
		MatchThreshold: 0.8,
		FingerprintW:   256,
		Addr:           ":5000",
		LogLevel:       "info",
		Vision: Vision{
			Model:       "Qwen/Qwen2.5-VL-32B-Instruct",
			MaxAttempts: 3,
			RetryDelay:  time.Second,
			Timeout:     60 * time.Second,
			JPEGQuality: 80,
		},
		Persist: Persist{
			Workers:   2,
			QueueSize: 64,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (optional),
// a .env file in the working directory (optional) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	var errs []error
	num := func(dst *int, key string) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(&c.DBPath, "POPDISMISS_DB_PATH", "DB_PATH")
	str(&c.TemplateDir, "TEMPLATE_DIR")
	str(&c.ScreenshotDir, "SCREENSHOT_DIR")
	str(&c.Addr, "POPDISMISS_ADDR")
	str(&c.LogLevel, "LOG_LEVEL")
	num(&c.MaxClickable, "MAX_CLICKABLE_ELEMENTS")
	num(&c.FingerprintW, "FINGERPRINT_WIDTH")
	if v, ok := lookup("MATCH_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MATCH_THRESHOLD: %w", err))
		} else {
			c.MatchThreshold = f
		}
	}

	str(&c.Vision.URL, "VISION_MODEL_API_URL")
	str(&c.Vision.APIKey, "VISION_MODEL_API_KEY")
	str(&c.Vision.Model, "VISION_MODEL")
	num(&c.Vision.MaxAttempts, "VISION_MAX_ATTEMPTS")
	num(&c.Vision.JPEGQuality, "VISION_JPEG_QUALITY")
	num(&c.Vision.MaxEdge, "VISION_MAX_EDGE")
	dur(&c.Vision.RetryDelay, "VISION_RETRY_DELAY")
	dur(&c.Vision.Timeout, "VISION_TIMEOUT")

	num(&c.Persist.Workers, "PERSIST_WORKERS")
	num(&c.Persist.QueueSize, "PERSIST_QUEUE_SIZE")

	return errors.Join(errs...)
}

// Validate checks the settings needed to run the full pipeline
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.TemplateDir == "" {
		return fmt.Errorf("template dir is required")
	}
	if c.MaxClickable <= 0 {
		return fmt.Errorf("max clickable must be positive, got %d", c.MaxClickable)
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("match threshold must be in (0, 1], got %v", c.MatchThreshold)
	}
	if c.Vision.URL == "" {
		return fmt.Errorf("%w: VISION_MODEL_API_URL not set", ErrVisionNotConfigured)
	}
	if c.Vision.APIKey == "" {
		return fmt.Errorf("%w: VISION_MODEL_API_KEY not set", ErrVisionNotConfigured)
	}
	if c.Vision.MaxAttempts < 1 {
		return fmt.Errorf("vision max attempts must be at least 1, got %d", c.Vision.MaxAttempts)
	}
	return nil
}

// NewLogger returns a logrus logger configured from LogLevel
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", c.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MaxClickable != 12 {
		t.Fatalf("unexpected max clickable: %d", cfg.MaxClickable)
	}
	if cfg.MatchThreshold != 0.8 {
		t.Fatalf("unexpected threshold: %v", cfg.MatchThreshold)
	}
	if cfg.Vision.MaxAttempts != 3 || cfg.Vision.RetryDelay != time.Second {
		t.Fatalf("unexpected vision retry defaults: %+v", cfg.Vision)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"DB_PATH":                "/tmp/x.db",
		"TEMPLATE_DIR":           "/tmp/tpl",
		"MAX_CLICKABLE_ELEMENTS": "20",
		"MATCH_THRESHOLD":        "0.9",
		"VISION_MODEL_API_URL":   "http://vision.local/v1/chat/completions",
		"VISION_MODEL_API_KEY":   "secret",
		"VISION_RETRY_DELAY":     "250ms",
		"PERSIST_WORKERS":        "4",
	}))
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.DBPath != "/tmp/x.db" || cfg.TemplateDir != "/tmp/tpl" {
		t.Fatalf("paths not applied: %+v", cfg)
	}
	if cfg.MaxClickable != 20 || cfg.MatchThreshold != 0.9 {
		t.Fatalf("numbers not applied: %+v", cfg)
	}
	if cfg.Vision.RetryDelay != 250*time.Millisecond {
		t.Fatalf("retry delay not applied: %v", cfg.Vision.RetryDelay)
	}
	if cfg.Persist.Workers != 4 {
		t.Fatalf("workers not applied: %d", cfg.Persist.Workers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestApplyEnvReportsBadNumbers(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"MAX_CLICKABLE_ELEMENTS": "many",
		"VISION_TIMEOUT":         "soon",
	}))
	if err == nil {
		t.Fatal("expected error for malformed values")
	}
}

func TestValidateRequiresVision(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); !errors.Is(err, ErrVisionNotConfigured) {
		t.Fatalf("expected ErrVisionNotConfigured, got %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "popdismiss.yaml")
	data := []byte(`
db_path: /data/pd.db
template_dir: /data/templates
max_clickable: 8
vision:
  url: http://vision.local
  api_key: k
  max_attempts: 2
  retry_delay: 2s
persist:
  workers: 1
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DB_PATH", "")
	t.Setenv("POPDISMISS_DB_PATH", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/data/pd.db" || cfg.MaxClickable != 8 {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.Vision.MaxAttempts != 2 || cfg.Vision.RetryDelay != 2*time.Second {
		t.Fatalf("vision yaml not applied: %+v", cfg.Vision)
	}
	// untouched keys keep their defaults
	if cfg.Persist.QueueSize != 64 || cfg.Vision.JPEGQuality != 80 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

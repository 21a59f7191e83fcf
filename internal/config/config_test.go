package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.MaxAttempts)
	}
	if cfg.KeyPrefix != "scrape:" {
		t.Fatalf("unexpected key prefix %q", cfg.KeyPrefix)
	}
	if cfg.StaleThreshold != 30*time.Minute {
		t.Fatalf("unexpected stale threshold %s", cfg.StaleThreshold)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("STALE_THRESHOLD", "90s")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("ARTIFACT_S3_PATH_STYLE", "true")

	cfg := Load()
	if cfg.MaxAttempts != 7 {
		t.Fatalf("expected 7, got %d", cfg.MaxAttempts)
	}
	if cfg.StaleThreshold != 90*time.Second {
		t.Fatalf("expected 90s, got %s", cfg.StaleThreshold)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.WorkerConcurrency)
	}
	if !cfg.ArtifactS3PathStyle {
		t.Fatalf("expected path style enabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.yaml")
	if err := os.WriteFile(path, []byte("RETENTION: 2h\nKEY_PREFIX: \"test:\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg := Load()
	if cfg.Retention != 2*time.Hour {
		t.Fatalf("expected retention 2h, got %s", cfg.Retention)
	}
	if cfg.KeyPrefix != "test:" {
		t.Fatalf("expected prefix from file, got %q", cfg.KeyPrefix)
	}
}

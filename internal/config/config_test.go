package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, key := range []string{"APP_ENV", "STORE_BACKEND", "DATABASE_URL", "MONGO_URI", "JWT_SECRET", "JWT_REFRESH_SECRET",
		"STORE_TIMEOUT", "MAX_TX_ATTEMPTS", "IDEMPOTENCY_TTL_SECONDS", "IDEMPOTENCY_TTL", "PORT"} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != BackendMemory {
		t.Fatalf("expected memory backend, got %s", cfg.StoreBackend)
	}
	if cfg.StoreTimeout != 5*time.Second || cfg.MaxTxAttempts != 5 || cfg.MaxCodeAttempts != 5 {
		t.Fatalf("unexpected store defaults %+v", cfg)
	}
	if cfg.JWTSecret == "" || cfg.RefreshSecret != cfg.JWTSecret {
		t.Fatalf("expected development secrets to be filled")
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Address())
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "app.env")
	if err := os.WriteFile(path, []byte("IDEMPOTENCY_TTL_SECONDS=90\nMAX_TX_ATTEMPTS=7\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	// godotenv never overrides variables that are already set, even to empty.
	os.Unsetenv("IDEMPOTENCY_TTL_SECONDS")
	os.Unsetenv("MAX_TX_ATTEMPTS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IdempotencyTTL != 90*time.Second {
		t.Fatalf("expected 90s idempotency ttl, got %s", cfg.IdempotencyTTL)
	}
	if cfg.MaxTxAttempts != 7 {
		t.Fatalf("expected 7 attempts, got %d", cfg.MaxTxAttempts)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without url": {"STORE_BACKEND": "postgres"},
		"mongo without uri":    {"STORE_BACKEND": "mongo"},
		"unknown backend":      {"STORE_BACKEND": "sqlite"},
		"prod without secret":  {"APP_ENV": "production"},
		"bad timeout":          {"STORE_TIMEOUT": "soon"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

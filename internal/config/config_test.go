package config

import (
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want postgres", cfg.Store.Driver)
	}
	if cfg.Store.DSNEnv != "LOANREVIEW_DB_DSN" {
		t.Errorf("Store.DSNEnv = %q", cfg.Store.DSNEnv)
	}
	if cfg.Engine.MaxAttempts != 5 {
		t.Errorf("Engine.MaxAttempts = %d, want 5", cfg.Engine.MaxAttempts)
	}
	if cfg.External.Timeout != 8*time.Second {
		t.Errorf("External.Timeout = %v, want 8s", cfg.External.Timeout)
	}
	if cfg.External.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.External.CircuitBreaker.FailureThreshold)
	}
	if cfg.Idempotency.Driver != "redis" {
		t.Errorf("Idempotency.Driver = %q, want redis", cfg.Idempotency.Driver)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Validation.TaskNumberPattern != `^TSK-[0-9A-F]{8}$` {
		t.Errorf("Validation.TaskNumberPattern = %q, want default", cfg.Validation.TaskNumberPattern)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_bad_store_driver(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unsupported store driver should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Engine.MaxAttempts != 3 {
		t.Errorf("default Engine.MaxAttempts = %d, want 3", cfg.Engine.MaxAttempts)
	}
	if cfg.Validation.MaxPayloadSize != 64*1024 {
		t.Errorf("default Validation.MaxPayloadSize = %d, want 65536", cfg.Validation.MaxPayloadSize)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults() should validate cleanly, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOANREVIEW_SERVER_PORT", "3000")
	t.Setenv("LOANREVIEW_STORE_DRIVER", "memory")
	t.Setenv("LOANREVIEW_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory (env override)", cfg.Store.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_postgres_requires_dsn_env(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "postgres"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with postgres driver and no dsn_env should return error")
	}
}

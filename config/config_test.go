package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != ":8000" {
		t.Errorf("server addr = %q, want :8000", cfg.Server.Addr)
	}
	if cfg.LLM.Model != "glm-4-flash" {
		t.Errorf("model = %q, want glm-4-flash", cfg.LLM.Model)
	}
	if cfg.LLM.MaxTokens != 6000 {
		t.Errorf("max tokens = %d, want 6000", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.RetryDelay.Std() != 5*time.Second {
		t.Errorf("retry delay = %v, want 5s", cfg.LLM.RetryDelay.Std())
	}
	if cfg.LLM.Timeout.Std() != 60*time.Second {
		t.Errorf("timeout = %v, want 60s", cfg.LLM.Timeout.Std())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
addr = ":9090"
workers = 8

[llm]
api_key = "id.secret"
timeout = "90s"

[executor]
sse_url = "http://10.0.0.5:2800/sse"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" || cfg.Server.Workers != 8 {
		t.Errorf("server = %+v, want addr :9090 workers 8", cfg.Server)
	}
	if cfg.LLM.APIKey != "id.secret" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Timeout.Std() != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", cfg.LLM.Timeout.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.LLM.Model != "glm-4-flash" {
		t.Errorf("model = %q, want default", cfg.LLM.Model)
	}
	if cfg.Executor.SSEURL != "http://10.0.0.5:2800/sse" {
		t.Errorf("sse url = %q", cfg.Executor.SSEURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.DSN != "file:algotest.db" {
		t.Errorf("dsn = %q, want default", cfg.Database.DSN)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ALGOTEST_SERVER_ADDR", ":7777")
	t.Setenv("ALGOTEST_LLM_API_KEY", "env-id.env-secret")
	t.Setenv("ALGOTEST_SERVER_WORKERS", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("addr = %q, want :7777", cfg.Server.Addr)
	}
	if cfg.LLM.APIKey != "env-id.env-secret" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.Server.Workers != 2 {
		t.Errorf("workers = %d, want 2", cfg.Server.Workers)
	}
}

func TestValidation(t *testing.T) {
	t.Setenv("ALGOTEST_SERVER_WORKERS", "0")
	if _, err := Load(""); err == nil {
		t.Error("expected validation error for zero workers")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("150ms")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if d.Std() != 150*time.Millisecond {
		t.Errorf("d = %v, want 150ms", d.Std())
	}
	if err := d.UnmarshalText([]byte("nonsense")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

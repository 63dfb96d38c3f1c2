package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Engine.Concurrency != 5 {
		t.Errorf("Concurrency = %d, want 5", cfg.Engine.Concurrency)
	}
	if cfg.Engine.QueueTimeout != 60*time.Second {
		t.Errorf("QueueTimeout = %v, want 60s", cfg.Engine.QueueTimeout)
	}
	if cfg.Engine.ContextLimitBytes != 512*1024 {
		t.Errorf("ContextLimitBytes = %d", cfg.Engine.ContextLimitBytes)
	}
	if cfg.Engine.CompressionBudgetBytes >= cfg.Engine.ContextLimitBytes {
		t.Error("compression budget should be below the context limit")
	}
	if cfg.Engine.RetryAttempts != 2 {
		t.Errorf("RetryAttempts = %d, want 2", cfg.Engine.RetryAttempts)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Concurrency != Defaults().Engine.Concurrency {
		t.Errorf("Concurrency = %d", cfg.Engine.Concurrency)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  concurrency: 3
  queue_timeout: 5s
  retry_attempts: 1
generation:
  model: test-model
store:
  driver: memory
scheduler:
  enabled: true
  jobs:
    - name: weekly
      schedule: "@weekly"
      target_domain: example.com
      options:
        depth: full
`, 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Engine.Concurrency)
	}
	if cfg.Engine.QueueTimeout != 5*time.Second {
		t.Errorf("QueueTimeout = %v, want 5s", cfg.Engine.QueueTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Engine.ContextLimitBytes != 512*1024 {
		t.Errorf("ContextLimitBytes = %d", cfg.Engine.ContextLimitBytes)
	}
	if cfg.Generation.Model != "test-model" {
		t.Errorf("Model = %q", cfg.Generation.Model)
	}
	if len(cfg.Scheduler.Jobs) != 1 || cfg.Scheduler.Jobs[0].Options["depth"] != "full" {
		t.Errorf("Scheduler.Jobs = %+v", cfg.Scheduler.Jobs)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "engine:\n  concurrency: -1\n", 0o600)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("expected *ValidationError, got %T", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "engine: [unterminated\n", 0o600)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "engine:\n  concurrency: 2\n", 0o600)
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Fatalf("expected permissions error, got %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AIVIS_ENGINE_CONCURRENCY", "9")
	t.Setenv("AIVIS_ENGINE_QUEUE_TIMEOUT", "2s")
	t.Setenv("AIVIS_GENERATION_MODEL", "env-model")
	t.Setenv("AIVIS_STORE_DRIVER", "memory")
	t.Setenv("AIVIS_TRACER_ENABLED", "true")
	t.Setenv("AIVIS_ENGINE_REASONING_ENABLED", "false")
	t.Setenv("AIVIS_ENGINE_CALLBACK_TIMEOUT", "750ms")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Engine.Concurrency != 9 {
		t.Errorf("Concurrency = %d, want 9", cfg.Engine.Concurrency)
	}
	if cfg.Engine.QueueTimeout != 2*time.Second {
		t.Errorf("QueueTimeout = %v", cfg.Engine.QueueTimeout)
	}
	if cfg.Generation.Model != "env-model" {
		t.Errorf("Model = %q", cfg.Generation.Model)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Driver = %q", cfg.Store.Driver)
	}
	if !cfg.Tracer.Enabled {
		t.Error("Tracer should be enabled")
	}
	if cfg.Engine.ReasoningEnabled {
		t.Error("Reasoning should be disabled")
	}
	if cfg.Engine.CallbackTimeout != 750*time.Millisecond {
		t.Errorf("CallbackTimeout = %v", cfg.Engine.CallbackTimeout)
	}
}

func TestApplyEnvOverridesIgnoresGarbage(t *testing.T) {
	t.Setenv("AIVIS_ENGINE_CONCURRENCY", "many")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Engine.Concurrency != 5 {
		t.Errorf("Concurrency = %d, want default 5", cfg.Engine.Concurrency)
	}
}

func TestOpenAIKeyFallback(t *testing.T) {
	t.Setenv("AIVIS_GENERATION_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Generation.APIKey != "sk-fallback" {
		t.Errorf("APIKey = %q", cfg.Generation.APIKey)
	}
}

func TestOpenAIKeyFallbackSkippedForBedrock(t *testing.T) {
	t.Setenv("AIVIS_GENERATION_API_KEY", "")
	t.Setenv("AIVIS_GENERATION_PROVIDER", "bedrock")
	t.Setenv("AIVIS_GENERATION_REGION", "eu-west-1")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Generation.Provider != "bedrock" || cfg.Generation.Region != "eu-west-1" {
		t.Errorf("provider/region = %q/%q", cfg.Generation.Provider, cfg.Generation.Region)
	}
	if cfg.Generation.APIKey != "" {
		t.Errorf("APIKey = %q, want empty for bedrock", cfg.Generation.APIKey)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "passphrase")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if strings.Contains(enc, "sk-secret") {
		t.Fatal("ciphertext leaks plaintext")
	}
	got, err := DecryptValue(enc, "passphrase")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "sk-secret" {
		t.Errorf("got %q", got)
	}

	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
	if _, err := DecryptValue("no-separator", "passphrase"); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestLoadDecryptsAPIKey(t *testing.T) {
	enc, err := EncryptValue("sk-decrypted", "k3y")
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, "generation:\n  api_key: \"enc:"+enc+"\"\n", 0o600)
	t.Setenv("AIVIS_CONFIG_KEY", "k3y")
	t.Setenv("AIVIS_GENERATION_API_KEY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Generation.APIKey != "sk-decrypted" {
		t.Errorf("APIKey = %q", cfg.Generation.APIKey)
	}
}

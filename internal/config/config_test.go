package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	yamlPath := filepath.Join(tmpDir, "memoir.yaml")
	os.WriteFile(yamlPath, []byte(`
store:
  backend: postgres
  dsn: postgres://localhost/memoir
memory:
  max_memories_per_user: 50
  retention_period: 90d
provider:
  name: openai
  model: gpt-4o-mini
extraction:
  rules: ["rules/**/*.yaml"]
`), 0600)

	jsonPath := filepath.Join(tmpDir, "memoir.json")
	os.WriteFile(jsonPath, []byte(`{"memory": {"context_top_k": 3, "retention_period": "720h"}, "provider": {"name": "stub"}}`), 0600)

	t.Run("YAML", func(t *testing.T) {
		cfg, err := Load(yamlPath)
		if err != nil {
			t.Fatalf("Failed to load YAML: %v", err)
		}
		if cfg.Store.Backend != BackendPostgres || cfg.Store.DSN != "postgres://localhost/memoir" {
			t.Errorf("Unexpected store section: %+v", cfg.Store)
		}
		if cfg.Memory.MaxMemoriesPerUser != 50 {
			t.Errorf("Expected 50, got %d", cfg.Memory.MaxMemoriesPerUser)
		}
		if time.Duration(cfg.Memory.RetentionPeriod) != 90*24*time.Hour {
			t.Errorf("Expected 90 days, got %v", cfg.Memory.RetentionPeriod)
		}
		// Unset keys keep their defaults.
		if cfg.Memory.ContextTopK != 5 {
			t.Errorf("Expected default top k 5, got %d", cfg.Memory.ContextTopK)
		}
		if want := filepath.Join(tmpDir, "rules/**/*.yaml"); cfg.Extraction.Rules[0] != want {
			t.Errorf("Rule globs must resolve against the config dir: %q", cfg.Extraction.Rules[0])
		}
	})

	t.Run("JSON", func(t *testing.T) {
		cfg, err := Load(jsonPath)
		if err != nil {
			t.Fatalf("Failed to load JSON: %v", err)
		}
		if cfg.Memory.ContextTopK != 3 || cfg.Provider.Name != "stub" {
			t.Errorf("Unexpected config: %+v", cfg)
		}
		if time.Duration(cfg.Memory.RetentionPeriod) != 720*time.Hour {
			t.Errorf("Expected 720h, got %v", cfg.Memory.RetentionPeriod)
		}
	})

	t.Run("Invalid Extension", func(t *testing.T) {
		if _, err := Load(filepath.Join(tmpDir, "memoir.txt")); err == nil {
			t.Error("Expected error for .txt extension")
		}
	})

	t.Run("Bad Duration", func(t *testing.T) {
		p := filepath.Join(tmpDir, "bad.yaml")
		os.WriteFile(p, []byte("memory:\n  retention_period: soon\n"), 0600)
		if _, err := Load(p); err == nil {
			t.Error("Expected error for bad duration")
		}
	})
}

func TestLoadOrDefault_MissingExplicitFile(t *testing.T) {
	if _, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing explicit file")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "memoir.yaml")
	cfg := Default()
	cfg.Provider.Name = "anthropic"
	if err := cfg.Write(p); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, _ := os.ReadFile(p)
	if !strings.Contains(string(data), "retention_period: 365d") {
		t.Errorf("Durations should be written in days:\n%s", data)
	}
	back, err := Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if back.Provider.Name != "anthropic" || back.Memory.RetentionPeriod != cfg.Memory.RetentionPeriod {
		t.Errorf("Round trip lost data: %+v", back)
	}
}

func TestValidate(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		res := Default().Validate()
		if !res.Valid {
			t.Errorf("Default config should be valid: %v", res.Errors)
		}
		if res.Err() != nil {
			t.Errorf("Err() should be nil for a valid config")
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		cfg := Default()
		cfg.Store.Backend = "redis"
		cfg.Memory.PruneBelowImportance = 2
		cfg.Memory.ContextTopK = -1
		cfg.Provider.Name = "mystery"
		res := cfg.Validate()
		if res.Valid {
			t.Fatal("Expected invalid config")
		}
		if len(res.Errors) != 4 {
			t.Errorf("Expected 4 errors, got %v", res.Errors)
		}
		if res.Err() == nil || !strings.Contains(res.Err().Error(), "redis_addr") {
			t.Errorf("Err() should list the errors, got %v", res.Err())
		}
	})

	t.Run("Warnings", func(t *testing.T) {
		cfg := Default()
		cfg.Memory.MaxMemoriesPerUser = 0
		cfg.Memory.RetentionPeriod = 0
		res := cfg.Validate()
		if !res.Valid || len(res.Warnings) != 2 {
			t.Errorf("Expected valid with 2 warnings, got %+v", res)
		}
	})
}

func TestEngineConfig(t *testing.T) {
	cfg := Default()
	cfg.Memory.RetentionPeriod = Duration(48 * time.Hour)
	ec := cfg.EngineConfig()
	if ec.RetentionPeriod != 48*time.Hour || ec.MaxMemoriesPerUser != 1000 || ec.SystemPrompt == "" {
		t.Errorf("Unexpected engine config: %+v", ec)
	}
	ps := cfg.ProviderSettings("key")
	if ps.Name != "ollama" || ps.APIKey != "key" {
		t.Errorf("Unexpected provider settings: %+v", ps)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":     0,
		"0":    0,
		"1d":   24 * time.Hour,
		"1.5d": 36 * time.Hour,
		"90m":  90 * time.Minute,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil || time.Duration(got) != want {
			t.Errorf("ParseDuration(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseDuration("xd"); err == nil {
		t.Error("Expected error for bad day count")
	}
}

// Package config loads the memoir configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/memoir/internal/guard"
	"github.com/felixgeelhaar/memoir/internal/memory"
	"github.com/felixgeelhaar/memoir/internal/provider"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the whole configuration file.
type Config struct {
	Store      StoreConfig      `json:"store" yaml:"store"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	Provider   ProviderConfig   `json:"provider" yaml:"provider"`
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Limits     guard.Policy     `json:"limits" yaml:"limits"`
}

type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	// Path is the SQLite database file.
	Path string `json:"path" yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN           string `json:"dsn" yaml:"dsn"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
}

type MemoryConfig struct {
	MaxMemoriesPerUser   int      `json:"max_memories_per_user" yaml:"max_memories_per_user"`
	RetentionPeriod      Duration `json:"retention_period" yaml:"retention_period"`
	ContextTopK          int      `json:"context_top_k" yaml:"context_top_k"`
	PruneBelowImportance float64  `json:"prune_below_importance" yaml:"prune_below_importance"`
	ImportanceBoost      float64  `json:"importance_boost" yaml:"importance_boost"`
	SystemPrompt         string   `json:"system_prompt" yaml:"system_prompt"`
	HistoryWindow        int      `json:"history_window" yaml:"history_window"`
}

type ProviderConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Model   string   `json:"model" yaml:"model"`
	BaseURL string   `json:"base_url" yaml:"base_url"`
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`
}

type ExtractionConfig struct {
	// Rules are glob patterns of rule files appended to the built-in table.
	Rules []string `json:"rules" yaml:"rules"`
	// ReplaceDefaults drops the built-in rules when set.
	ReplaceDefaults bool `json:"replace_defaults" yaml:"replace_defaults"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Duration is a time.Duration that reads from strings like "90m", "720h"
// or "365d".
type Duration time.Duration

func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return Duration(n * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(d), nil
}

func (d Duration) String() string {
	td := time.Duration(d)
	if td != 0 && td%(24*time.Hour) == 0 {
		return strconv.FormatInt(int64(td/(24*time.Hour)), 10) + "d"
	}
	return td.String()
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Dir is the per-user state directory, ~/.memoir.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memoir"
	}
	return filepath.Join(home, ".memoir")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "memoir.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	mc := memory.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    filepath.Join(Dir(), "memoir.db"),
		},
		Memory: MemoryConfig{
			MaxMemoriesPerUser:   mc.MaxMemoriesPerUser,
			RetentionPeriod:      Duration(mc.RetentionPeriod),
			ContextTopK:          mc.ContextTopK,
			PruneBelowImportance: mc.PruneBelowImportance,
			ImportanceBoost:      mc.ImportanceBoost,
			SystemPrompt:         mc.SystemPrompt,
			HistoryWindow:        mc.HistoryWindow,
		},
		Provider: ProviderConfig{Name: "ollama"},
		Server:   ServerConfig{Addr: ":8080"},
		Limits:   guard.DefaultPolicy,
	}
}

// Load reads a configuration file (JSON or YAML) over the defaults. Keys
// missing from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s (use .json or .yaml)", ext)
	}

	cfg.Store.Path = expandHome(cfg.Store.Path)
	base := filepath.Dir(path)
	for i, pattern := range cfg.Extraction.Rules {
		pattern = expandHome(pattern)
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(base, pattern)
		}
		cfg.Extraction.Rules[i] = pattern
	}
	return cfg, nil
}

// LoadOrDefault loads path, or DefaultPath when path is empty. A missing
// default file is not an error; a missing explicit file is.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultPath()); err != nil {
		return Default(), nil
	}
	return Load(DefaultPath())
}

// Write saves cfg as YAML, creating the parent directory.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ValidationResult represents the outcome of a validation pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(r.Errors, "; "))
}

// Validate checks the configuration for completeness and sane values.
func (c *Config) Validate() ValidationResult {
	res := ValidationResult{
		Valid:    true,
		Warnings: []string{},
		Errors:   []string{},
	}
	fail := func(msg string) {
		res.Valid = false
		res.Errors = append(res.Errors, msg)
	}

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			fail("store.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			fail("store.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			fail("store.redis_addr is required for the redis backend")
		}
	default:
		fail(fmt.Sprintf("unknown store.backend %q", c.Store.Backend))
	}

	m := c.Memory
	if m.MaxMemoriesPerUser < 0 {
		fail("memory.max_memories_per_user must not be negative")
	} else if m.MaxMemoriesPerUser == 0 {
		res.Warnings = append(res.Warnings, "memory.max_memories_per_user is 0; memory sets are unbounded")
	}
	if m.ContextTopK < 0 {
		fail("memory.context_top_k must not be negative")
	}
	if m.PruneBelowImportance < 0 || m.PruneBelowImportance > 1 {
		fail("memory.prune_below_importance must be within [0, 1]")
	}
	if m.HistoryWindow < 0 {
		fail("memory.history_window must not be negative")
	}
	if m.ImportanceBoost < 0 {
		fail("memory.importance_boost must not be negative")
	}
	if m.RetentionPeriod < 0 {
		fail("memory.retention_period must not be negative")
	} else if m.RetentionPeriod == 0 {
		res.Warnings = append(res.Warnings, "memory.retention_period is 0; prune is disabled")
	}

	known := false
	for _, n := range provider.Names {
		if strings.EqualFold(n, c.Provider.Name) {
			known = true
			break
		}
	}
	if !known {
		fail(fmt.Sprintf("unknown provider.name %q", c.Provider.Name))
	}

	if c.Limits.MaxTopK > 0 && c.Memory.ContextTopK > c.Limits.MaxTopK {
		res.Warnings = append(res.Warnings, "memory.context_top_k exceeds limits.max_top_k")
	}
	return res
}

// EngineConfig converts the memory section for memory.New.
func (c *Config) EngineConfig() memory.Config {
	return memory.Config{
		MaxMemoriesPerUser:   c.Memory.MaxMemoriesPerUser,
		RetentionPeriod:      time.Duration(c.Memory.RetentionPeriod),
		ContextTopK:          c.Memory.ContextTopK,
		PruneBelowImportance: c.Memory.PruneBelowImportance,
		ImportanceBoost:      c.Memory.ImportanceBoost,
		SystemPrompt:         c.Memory.SystemPrompt,
		HistoryWindow:        c.Memory.HistoryWindow,
	}
}

// ProviderSettings converts the provider section, attaching apiKey.
func (c *Config) ProviderSettings(apiKey string) provider.Settings {
	return provider.Settings{
		Name:    c.Provider.Name,
		Model:   c.Provider.Model,
		BaseURL: c.Provider.BaseURL,
		APIKey:  apiKey,
		Command: c.Provider.Command,
		Args:    c.Provider.Args,
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/felixgeelhaar/memoir/internal/config"
	"github.com/felixgeelhaar/memoir/internal/credential"
	"github.com/felixgeelhaar/memoir/internal/extract"
	"github.com/felixgeelhaar/memoir/internal/guard"
	"github.com/felixgeelhaar/memoir/internal/memory"
	"github.com/felixgeelhaar/memoir/internal/observe"
	"github.com/felixgeelhaar/memoir/internal/provider"
	"github.com/felixgeelhaar/memoir/internal/store"
	"github.com/spf13/cobra"
)

// options holds the persistent flags.
type options struct {
	configPath string
	dbPath     string
	userID     string
	provider   string
	model      string
	verbose    bool
	jsonOut    bool
}

func defaultUser() string {
	if u := os.Getenv("MEMOIR_USER"); u != "" {
		return u
	}
	return "demo_user"
}

// app is everything a command needs, opened from config and flags.
type app struct {
	cfg    *config.Config
	obs    *observe.Observer
	store  store.Storage
	vault  *credential.Vault
	guard  *guard.Guard
	engine *memory.Engine
}

func (a *app) Close() error {
	a.obs.Close()
	return a.store.Close()
}

// loadConfig reads the config file and applies flag overrides.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dbPath != "" {
		cfg.Store.Backend = config.BackendSQLite
		cfg.Store.Path = o.dbPath
	}
	if o.provider != "" {
		cfg.Provider.Name = o.provider
	}
	if o.model != "" {
		cfg.Provider.Model = o.model
	}
	if err := cfg.Validate().Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *options) observer(w io.Writer) *observe.Observer {
	if o.jsonOut {
		return observe.NewJSON(w, o.verbose)
	}
	return observe.New(w, o.verbose)
}

func openStore(ctx context.Context, sc config.StoreConfig) (store.Storage, error) {
	switch sc.Backend {
	case config.BackendPostgres:
		return store.NewPostgresStore(sc.DSN)
	case config.BackendRedis:
		return store.NewRedisStore(ctx, sc.RedisAddr, sc.RedisPassword, sc.RedisDB)
	default:
		return store.NewSQLiteStore(sc.Path)
	}
}

// openStoreOnly opens config and store without building an engine, for the
// config subcommands.
func (o *options) openStoreOnly(cmd *cobra.Command) (store.Storage, *credential.Vault, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := openStore(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init store: %w", err)
	}
	m, err := credential.NewManager()
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, credential.NewVault(s, m), nil
}

// open builds the full stack. withProvider wires a completion provider; a
// provider that cannot be initialized is logged and left out, so memories
// are still recorded.
func (o *options) open(cmd *cobra.Command, withProvider bool) (*app, error) {
	ctx := cmd.Context()
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	obs := o.observer(cmd.ErrOrStderr())

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	m, err := credential.NewManager()
	if err != nil {
		s.Close()
		return nil, err
	}
	a := &app{
		cfg:   cfg,
		obs:   obs,
		store: s,
		vault: credential.NewVault(s, m),
		guard: guard.New(cfg.Limits),
	}

	x, err := buildExtractor(cfg.Extraction)
	if err != nil {
		a.Close()
		return nil, err
	}
	opts := []memory.Option{memory.WithExtractor(x), memory.WithObserver(obs)}

	if withProvider {
		p, err := a.provider(ctx)
		if err != nil {
			obs.Log().Warn().Err(err).Str("provider", cfg.Provider.Name).Msg("provider unavailable; continuing without completions")
		} else {
			opts = append(opts, memory.WithCompleter(provider.NewCompleter(p)))
		}
	}
	a.engine = memory.New(s, cfg.EngineConfig(), opts...)
	return a, nil
}

func (a *app) provider(ctx context.Context) (provider.Provider, error) {
	key, err := a.vault.APIKey(ctx, a.cfg.Provider.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read api key: %w", err)
	}
	settings := a.cfg.ProviderSettings(key)
	if settings.BaseURL == "" {
		if u, _ := a.vault.Get(ctx, a.cfg.Provider.Name+".base_url"); u != "" {
			settings.BaseURL = u
		}
	}
	if settings.Command == "" && settings.Name == "cli" {
		settings.Command, _ = a.vault.Get(ctx, "provider.cli.path")
	}
	return provider.New(settings)
}

func buildExtractor(ec config.ExtractionConfig) (*extract.Extractor, error) {
	var rules []*extract.Rule
	if !ec.ReplaceDefaults {
		rules = extract.DefaultRules()
	}
	if len(ec.Rules) > 0 {
		extra, err := extract.LoadRuleGlob(ec.Rules...)
		if err != nil {
			return nil, err
		}
		rules = append(rules, extra...)
	}
	return extract.New(rules...)
}

// emit writes v as JSON when --json is set and calls human otherwise.
func (o *options) emit(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if o.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}

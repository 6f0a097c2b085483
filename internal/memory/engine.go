package memory

import (
	"context"
	"strings"
	"time"

	"github.com/felixgeelhaar/memoir/internal/extract"
	"github.com/felixgeelhaar/memoir/internal/observe"
	"github.com/felixgeelhaar/memoir/internal/score"
	"github.com/felixgeelhaar/memoir/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// Tags attached to candidates carrying an extraction marker.
const (
	TagNegation = "label:negation"
	TagSalient  = "label:salient"
)

// Config holds the engine's tunables.
type Config struct {
	// MaxMemoriesPerUser bounds each user's memory set; 0 disables eviction.
	MaxMemoriesPerUser int
	// RetentionPeriod is advisory: only Prune consults it.
	RetentionPeriod time.Duration
	// ContextTopK is how many memories ChatWithMemory injects.
	ContextTopK int
	// PruneBelowImportance protects memories at or above this score from Prune.
	PruneBelowImportance float64
	// ImportanceBoost weights stored importance against lexical overlap when ranking.
	ImportanceBoost float64
	SystemPrompt    string
	// HistoryWindow is how many of a conversation's latest turns Converse
	// passes to the completer; 0 passes all of them.
	HistoryWindow int
}

func DefaultConfig() Config {
	return Config{
		MaxMemoriesPerUser:   1000,
		RetentionPeriod:      365 * 24 * time.Hour,
		ContextTopK:          5,
		PruneBelowImportance: 0.7,
		ImportanceBoost:      0.1,
		SystemPrompt:         "You are a helpful assistant with access to user memories.",
		HistoryWindow:        20,
	}
}

// Extractor proposes candidate facts from an utterance.
type Extractor interface {
	Extract(utterance string) []extract.Candidate
}

// Scorer assigns importance to a candidate.
type Scorer interface {
	Score(text string, label extract.Label) float64
}

// Completer produces the agent's reply.
type Completer interface {
	Complete(ctx context.Context, system string, history []store.Turn, userText string) (string, error)
}

// Engine coordinates extraction, scoring, persistence and retrieval.
type Engine struct {
	store     store.Storage
	cfg       Config
	extractor Extractor
	scorer    Scorer
	completer Completer
	obs       *observe.Observer
	bus       *EventBus
	now       func() time.Time
	locks     *userLocks
}

type Option func(*Engine)

func WithExtractor(x Extractor) Option { return func(e *Engine) { e.extractor = x } }

func WithScorer(s Scorer) Option { return func(e *Engine) { e.scorer = s } }

func WithCompleter(c Completer) Option { return func(e *Engine) { e.completer = c } }

func WithObserver(o *observe.Observer) Option { return func(e *Engine) { e.obs = o } }

func WithEventBus(b *EventBus) Option { return func(e *Engine) { e.bus = b } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New builds an engine over s. Zero fields in cfg are left as given; use
// DefaultConfig for sensible values.
func New(s store.Storage, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		cfg:       cfg,
		extractor: extract.Default(),
		scorer:    score.Default(),
		obs:       observe.Nop(),
		bus:       NewEventBus(),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newUserLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Events returns the bus the engine publishes to.
func (e *Engine) Events() *EventBus { return e.bus }

func validateUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	return nil
}

func validateText(field, text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}

// RecordTurn runs the write path and returns the ids of created or refreshed
// memories in candidate order.
func (e *Engine) RecordTurn(ctx context.Context, userID, utterance string) ([]string, error) {
	results, err := e.RecordTurnDetailed(ctx, userID, utterance)
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	return ids, err
}

// RecordTurnDetailed is RecordTurn but reports per-candidate outcomes.
// On a store failure the results persisted so far are returned with the error.
func (e *Engine) RecordTurnDetailed(ctx context.Context, userID, utterance string) (results []*store.UpsertResult, err error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if err := validateText("utterance", utterance); err != nil {
		return nil, err
	}

	ctx, span := e.obs.StartSpan(ctx, "memory.RecordTurn", attribute.String("user_id", userID))
	defer func() { e.obs.EndSpan(span, err) }()

	candidates := e.extractor.Extract(utterance)
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	if len(candidates) == 0 {
		return nil, nil
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		key := store.Normalize(c.Text)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		now := e.now()
		rec := &store.MemoryRecord{
			UserID:          userID,
			Content:         c.Text,
			Context:         "From conversation: " + utterance,
			Tags:            tagsFor(c),
			ImportanceScore: e.scorer.Score(c.Text, c.ScoreLabel()),
			CreatedAt:       now,
			LastAccessed:    now,
		}
		res, err := e.store.UpsertMemory(ctx, rec, e.cfg.MaxMemoriesPerUser)
		if err != nil {
			e.obs.Log().Error().Err(err).Str("user", userID).Str("candidate", c.Text).Msg("failed to persist memory")
			return results, &StoreError{Op: "upsert", Err: err}
		}
		results = append(results, res)
		e.announceUpsert(userID, res)
	}
	return results, nil
}

func tagsFor(c extract.Candidate) []string {
	tags := extract.Keywords(c.Text)
	if c.Label == extract.LabelNegation {
		tags = append(tags, TagNegation)
	}
	if c.ScoreLabel() == extract.LabelSalient {
		tags = append(tags, TagSalient)
	}
	return tags
}

func (e *Engine) announceUpsert(userID string, res *store.UpsertResult) {
	for _, id := range res.Evicted {
		e.obs.Log().Info().Str("user", userID).Str("id", id).Msg("memory evicted")
		e.bus.PublishWithData(EventMemoryEvicted, userID, map[string]interface{}{"id": id})
	}
	if res.Created {
		e.obs.Log().Debug().Str("user", userID).Str("id", res.ID).Str("content", res.Record.Content).Msg("memory created")
		e.bus.PublishWithData(EventMemoryCreated, userID, map[string]interface{}{
			"id":         res.ID,
			"content":    res.Record.Content,
			"importance": res.Record.ImportanceScore,
		})
		return
	}
	e.obs.Log().Debug().Str("user", userID).Str("id", res.ID).Int("access_count", res.Record.AccessCount).Msg("memory refreshed")
	e.bus.PublishWithData(EventMemoryRefreshed, userID, map[string]interface{}{
		"id":           res.ID,
		"access_count": res.Record.AccessCount,
	})
}

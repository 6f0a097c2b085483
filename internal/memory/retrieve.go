package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/felixgeelhaar/memoir/internal/extract"
	"github.com/felixgeelhaar/memoir/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// Ranked pairs a record with its query-time scores. Scores are never persisted.
type Ranked struct {
	Record *store.MemoryRecord
	// Overlap is the fraction of query keywords found in the record.
	Overlap float64
	// Relevance is Overlap plus the importance boost.
	Relevance float64
}

// Rank orders records against query. The order is total: overlapping records
// first, then relevance, importance, most recent access, and id.
func Rank(records []*store.MemoryRecord, query string, importanceBoost float64) []Ranked {
	queryTerms := extract.Keywords(query)
	ranked := make([]Ranked, 0, len(records))
	for _, r := range records {
		ov := overlap(queryTerms, r)
		ranked = append(ranked, Ranked{
			Record:    r,
			Overlap:   ov,
			Relevance: ov + importanceBoost*r.ImportanceScore,
		})
	}
	sort.Slice(ranked, func(i, j int) bool { return rankLess(ranked[i], ranked[j]) })
	return ranked
}

func rankLess(a, b Ranked) bool {
	if (a.Overlap > 0) != (b.Overlap > 0) {
		return a.Overlap > 0
	}
	if a.Relevance != b.Relevance {
		return a.Relevance > b.Relevance
	}
	if a.Record.ImportanceScore != b.Record.ImportanceScore {
		return a.Record.ImportanceScore > b.Record.ImportanceScore
	}
	if !a.Record.LastAccessed.Equal(b.Record.LastAccessed) {
		return a.Record.LastAccessed.After(b.Record.LastAccessed)
	}
	return a.Record.ID < b.Record.ID
}

func overlap(queryTerms []string, r *store.MemoryRecord) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	terms := make(map[string]struct{})
	for _, t := range extract.Keywords(r.Content) {
		terms[t] = struct{}{}
	}
	for _, t := range r.Tags {
		terms[t] = struct{}{}
	}
	hits := 0
	for _, q := range queryTerms {
		if _, ok := terms[q]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

// RetrieveRelevant returns up to topK of the user's memories ranked against
// query. Each returned record has its access metadata advanced; the returned
// copies reflect the update.
func (e *Engine) RetrieveRelevant(ctx context.Context, userID, query string, topK int) (out []*store.MemoryRecord, err error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if topK < 0 {
		return nil, &ValidationError{Field: "top_k", Reason: "must not be negative"}
	}
	if topK == 0 {
		return []*store.MemoryRecord{}, nil
	}

	ctx, span := e.obs.StartSpan(ctx, "memory.RetrieveRelevant",
		attribute.String("user_id", userID), attribute.Int("top_k", topK))
	defer func() { e.obs.EndSpan(span, err) }()

	records, err := e.store.FindByUser(ctx, userID)
	if err != nil {
		return nil, &StoreError{Op: "find_by_user", Err: err}
	}

	ranked := Rank(records, query, e.cfg.ImportanceBoost)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	now := e.now()
	out = make([]*store.MemoryRecord, 0, len(ranked))
	ids := make([]string, 0, len(ranked))
	for _, r := range ranked {
		if err := e.store.TouchMemory(ctx, r.Record.ID, now); err != nil {
			return out, &StoreError{Op: "touch", Err: err}
		}
		r.Record.AccessCount++
		r.Record.LastAccessed = now
		out = append(out, r.Record)
		ids = append(ids, r.Record.ID)
	}
	span.SetAttributes(attribute.Int("selected", len(out)))

	if len(ids) > 0 {
		e.obs.Log().Debug().Str("user", userID).Int("selected", len(ids)).Msg("memories retrieved")
		e.bus.PublishWithData(EventMemoryRetrieved, userID, map[string]interface{}{"ids": ids, "query": query})
	}
	return out, nil
}

// FormatContext renders memories as the block injected into the system prompt.
// It returns "" for no memories.
func FormatContext(memories []*store.MemoryRecord) string {
	if len(memories) == 0 {
		return ""
	}
	parts := []string{"Here's what I remember about you:"}
	for _, m := range memories {
		parts = append(parts, "- "+m.Content)
		if len(m.Tags) > 0 {
			parts = append(parts, "  (Tags: "+strings.Join(m.Tags, ", ")+")")
		}
	}
	return strings.Join(parts, "\n")
}

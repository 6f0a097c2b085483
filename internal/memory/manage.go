package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/memoir/internal/store"
)

// ListMemories returns all of a user's memories, most important first.
// Unlike RetrieveRelevant it has no side effects.
func (e *Engine) ListMemories(ctx context.Context, userID string) ([]*store.MemoryRecord, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	records, err := e.store.FindByUser(ctx, userID)
	if err != nil {
		return nil, &StoreError{Op: "find_by_user", Err: err}
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.ImportanceScore != b.ImportanceScore {
			return a.ImportanceScore > b.ImportanceScore
		}
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.After(b.LastAccessed)
		}
		return a.ID < b.ID
	})
	return records, nil
}

// MatchesKeyword selects records whose content contains keyword or that carry
// it as a tag, ignoring case.
func MatchesKeyword(keyword string) store.Predicate {
	k := store.Normalize(keyword)
	content := store.ContentContains(keyword)
	return func(m *store.MemoryRecord) bool {
		if content(m) {
			return true
		}
		for _, t := range m.Tags {
			if k != "" && strings.EqualFold(t, k) {
				return true
			}
		}
		return false
	}
}

// Forget deletes the user's memories matching keyword and returns how many went.
func (e *Engine) Forget(ctx context.Context, userID, keyword string) (int, error) {
	if err := validateUser(userID); err != nil {
		return 0, err
	}
	if err := validateText("keyword", keyword); err != nil {
		return 0, err
	}
	return e.deleteWhere(ctx, userID, MatchesKeyword(keyword), keyword)
}

// ForgetID deletes one memory by id. It reports store.ErrNotFound, wrapped
// in a StoreError, when the id is unknown or belongs to another user.
func (e *Engine) ForgetID(ctx context.Context, userID, id string) error {
	if err := validateUser(userID); err != nil {
		return err
	}
	if err := validateText("id", id); err != nil {
		return err
	}
	n, err := e.deleteWhere(ctx, userID, func(m *store.MemoryRecord) bool { return m.ID == id }, "")
	if err != nil {
		return err
	}
	if n == 0 {
		return &StoreError{Op: "delete", Err: store.ErrNotFound}
	}
	return nil
}

// Clear deletes every memory the user has.
func (e *Engine) Clear(ctx context.Context, userID string) (int, error) {
	if err := validateUser(userID); err != nil {
		return 0, err
	}
	return e.deleteWhere(ctx, userID, func(*store.MemoryRecord) bool { return true }, "")
}

func (e *Engine) deleteWhere(ctx context.Context, userID string, pred store.Predicate, keyword string) (int, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	n, err := e.store.DeleteWhere(ctx, userID, pred)
	if err != nil {
		return 0, &StoreError{Op: "delete_where", Err: err}
	}
	if n > 0 {
		e.obs.Log().Info().Str("user", userID).Int("deleted", n).Msg("memories deleted")
		e.bus.PublishWithData(EventMemoryDeleted, userID, map[string]interface{}{"count": n, "keyword": keyword})
	}
	return n, nil
}

// Stats summarizes a user's memory set.
type Stats struct {
	Total             int                 `json:"total"`
	AverageImportance float64             `json:"average_importance"`
	MostAccessed      *store.MemoryRecord `json:"most_accessed,omitempty"`
	// Recent counts memories created within RecentWindow.
	Recent int `json:"recent"`
}

// RecentWindow is the look-back used for Stats.Recent.
const RecentWindow = 7 * 24 * time.Hour

func (e *Engine) Stats(ctx context.Context, userID string) (*Stats, error) {
	records, err := e.ListMemories(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := &Stats{Total: len(records)}
	if len(records) == 0 {
		return st, nil
	}

	cutoff := e.now().Add(-RecentWindow)
	var sum float64
	for _, r := range records {
		sum += r.ImportanceScore
		if st.MostAccessed == nil || r.AccessCount > st.MostAccessed.AccessCount {
			st.MostAccessed = r
		}
		if r.CreatedAt.After(cutoff) {
			st.Recent++
		}
	}
	st.AverageImportance = math.Round(sum/float64(len(records))*100) / 100
	return st, nil
}

// Prune removes memories older than the retention period whose importance is
// below PruneBelowImportance, across all users. It is meant for an external
// retention job; the engine never calls it itself.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	if e.cfg.RetentionPeriod <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-e.cfg.RetentionPeriod)
	n, err := e.store.PruneMemories(ctx, cutoff, e.cfg.PruneBelowImportance)
	if err != nil {
		return 0, &StoreError{Op: "prune", Err: err}
	}
	if n > 0 {
		e.obs.Log().Info().Int("pruned", n).Str("cutoff", cutoff.Format(time.RFC3339)).Msg("memories pruned")
		e.bus.PublishWithData(EventMemoryDeleted, "", map[string]interface{}{"count": n, "reason": "prune"})
	}
	return n, nil
}

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/memoir/internal/store"
)

func seedMemories(t *testing.T, s store.Storage, userID string, recs ...*store.MemoryRecord) {
	t.Helper()
	for _, r := range recs {
		r.UserID = userID
		if _, err := s.CreateMemory(context.Background(), r); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
}

func TestForget(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	seedMemories(t, s, "u",
		&store.MemoryRecord{Content: "use Python for programming", ImportanceScore: 0.6},
		&store.MemoryRecord{Content: "like snakes", Tags: []string{"python"}, ImportanceScore: 0.5},
		&store.MemoryRecord{Content: "prefer Go", ImportanceScore: 0.7},
	)
	seedMemories(t, s, "other", &store.MemoryRecord{Content: "use Python daily", ImportanceScore: 0.6})

	var deletedEvents int
	e.Events().Subscribe(EventMemoryDeleted, func(Event) { deletedEvents++ })

	n, err := e.Forget(ctx, "u", "python")
	if err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 deleted, got %d", n)
	}
	left, _ := e.ListMemories(ctx, "u")
	if len(left) != 1 || left[0].Content != "prefer Go" {
		t.Errorf("Unexpected survivors: %v", left)
	}
	if c, _ := s.CountMemories(ctx, "other"); c != 1 {
		t.Errorf("Other users must be untouched, got %d", c)
	}
	if deletedEvents != 1 {
		t.Errorf("Expected one delete event, got %d", deletedEvents)
	}

	n, err = e.Forget(ctx, "u", "rust")
	if err != nil || n != 0 {
		t.Errorf("Expected no-op forget, got %d %v", n, err)
	}
}

func TestForgetID(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	seedMemories(t, s, "u", &store.MemoryRecord{ID: "m1", Content: "one fact", ImportanceScore: 0.5})
	seedMemories(t, s, "v", &store.MemoryRecord{ID: "m2", Content: "their fact", ImportanceScore: 0.5})

	if err := e.ForgetID(ctx, "u", "m2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Deleting another user's memory must fail with not found, got %v", err)
	}
	if err := e.ForgetID(ctx, "u", "m1"); err != nil {
		t.Fatalf("ForgetID failed: %v", err)
	}
	if _, err := s.GetMemory(ctx, "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected m1 gone, got %v", err)
	}
	if err := e.ForgetID(ctx, "u", " "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	seedMemories(t, s, "u",
		&store.MemoryRecord{Content: "one fact", ImportanceScore: 0.5},
		&store.MemoryRecord{Content: "another fact", ImportanceScore: 0.5},
	)
	seedMemories(t, s, "v", &store.MemoryRecord{Content: "one fact", ImportanceScore: 0.5})

	n, err := e.Clear(ctx, "u")
	if err != nil || n != 2 {
		t.Fatalf("Clear: %d %v", n, err)
	}
	if c, _ := s.CountMemories(ctx, "v"); c != 1 {
		t.Errorf("Clear leaked across users")
	}
}

func TestListMemories_OrderAndNoSideEffects(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	seedMemories(t, s, "u",
		&store.MemoryRecord{ID: "low", Content: "low", ImportanceScore: 0.5},
		&store.MemoryRecord{ID: "high", Content: "high", ImportanceScore: 0.9},
	)
	list, err := e.ListMemories(ctx, "u")
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "high" {
		t.Errorf("Unexpected order: %v", ids(list))
	}
	r, _ := s.GetMemory(ctx, "high")
	if r.AccessCount != 0 {
		t.Errorf("ListMemories must not touch records")
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	clock := newTestClock()
	e := New(s, DefaultConfig(), WithClock(clock.Now))
	ctx := context.Background()

	empty, err := e.Stats(ctx, "u")
	if err != nil || empty.Total != 0 || empty.MostAccessed != nil {
		t.Fatalf("Unexpected empty stats: %+v %v", empty, err)
	}

	now := clock.Now()
	seedMemories(t, s, "u",
		&store.MemoryRecord{ID: "old", Content: "old fact", ImportanceScore: 0.5, CreatedAt: now.Add(-30 * 24 * time.Hour)},
		&store.MemoryRecord{ID: "new", Content: "new fact", ImportanceScore: 0.75, CreatedAt: now.Add(-time.Hour), AccessCount: 0},
		&store.MemoryRecord{ID: "newer", Content: "newer fact", ImportanceScore: 0.6, CreatedAt: now.Add(-time.Minute)},
	)
	s.TouchMemory(ctx, "old", now)
	s.TouchMemory(ctx, "old", now)

	st, err := e.Stats(ctx, "u")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Total != 3 {
		t.Errorf("Expected total 3, got %d", st.Total)
	}
	if st.AverageImportance != 0.62 {
		t.Errorf("Expected average 0.62, got %v", st.AverageImportance)
	}
	if st.MostAccessed == nil || st.MostAccessed.ID != "old" {
		t.Errorf("Expected most accessed 'old', got %+v", st.MostAccessed)
	}
	if st.Recent != 2 {
		t.Errorf("Expected 2 recent, got %d", st.Recent)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	clock := newTestClock()
	cfg := DefaultConfig()
	cfg.RetentionPeriod = 90 * 24 * time.Hour
	e := New(s, cfg, WithClock(clock.Now))
	ctx := context.Background()

	now := clock.Now()
	old := now.Add(-100 * 24 * time.Hour)
	seedMemories(t, s, "u",
		&store.MemoryRecord{ID: "stale", Content: "stale", ImportanceScore: 0.5, CreatedAt: old},
		&store.MemoryRecord{ID: "kept-important", Content: "important", ImportanceScore: 0.7, CreatedAt: old},
		&store.MemoryRecord{ID: "kept-fresh", Content: "fresh", ImportanceScore: 0.5, CreatedAt: now},
	)

	n, err := e.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned, got %d", n)
	}
	left, _ := e.ListMemories(ctx, "u")
	if len(left) != 2 {
		t.Errorf("Expected 2 survivors, got %v", ids(left))
	}

	cfg.RetentionPeriod = 0
	if n, _ := New(s, cfg).Prune(ctx); n != 0 {
		t.Errorf("Zero retention must disable pruning")
	}
}

func TestEventBus(t *testing.T) {
	eb := NewEventBus()
	var mu sync.Mutex
	var got []EventType

	eb.Subscribe(EventMemoryCreated, func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})
	eb.SubscribeAll(func(e Event) {
		if e.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
		// Subscribing from a handler must not deadlock.
		eb.Subscribe(EventMemoryDeleted, func(Event) {})
	})

	eb.PublishWithData(EventMemoryCreated, "u", map[string]interface{}{"id": "m1"})
	eb.PublishWithData(EventMemoryRefreshed, "u", nil)

	if len(got) != 1 || got[0] != EventMemoryCreated {
		t.Errorf("Unexpected specific deliveries: %v", got)
	}
}

func TestUserLocks_Released(t *testing.T) {
	l := newUserLocks()
	unlock := l.lock("u")
	unlock()
	unlock = l.lock("u")
	unlock()
	if len(l.locks) != 0 {
		t.Errorf("Expected lock table emptied, got %d entries", len(l.locks))
	}
}

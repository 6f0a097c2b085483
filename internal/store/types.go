package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a record or conversation does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write lost a race it could not recover from.
var ErrConflict = errors.New("concurrent write conflict")

// MemoryRecord is a single remembered fact about a user.
type MemoryRecord struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Content         string    `json:"content"`
	Context         string    `json:"context,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	ImportanceScore float64   `json:"importance_score"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessed    time.Time `json:"last_accessed"`
	AccessCount     int       `json:"access_count"`
}

// HasTag reports whether the record carries tag t.
func (m *MemoryRecord) HasTag(t string) bool {
	for _, tag := range m.Tags {
		if tag == t {
			return true
		}
	}
	return false
}

// Turn is one message in a conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ConversationLog is the ordered transcript of a user's conversation.
type ConversationLog struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryUpdate carries the fields to change. Nil fields are left alone.
type MemoryUpdate struct {
	Content         *string
	Context         *string
	Tags            []string
	ImportanceScore *float64
	LastAccessed    *time.Time
	AccessCount     *int
}

// UpsertResult describes what UpsertMemory did.
type UpsertResult struct {
	ID      string
	Created bool
	Evicted []string
	Record  *MemoryRecord
}

// Predicate selects records for FindWhere and DeleteWhere.
type Predicate func(*MemoryRecord) bool

// ContentContains matches records whose content contains keyword, ignoring case.
// Tags are not consulted.
func ContentContains(keyword string) Predicate {
	k := Normalize(keyword)
	return func(m *MemoryRecord) bool {
		return k != "" && strings.Contains(Normalize(m.Content), k)
	}
}

// Storage defines the interface for persistence
type Storage interface {
	// Memory Management
	CreateMemory(ctx context.Context, rec *MemoryRecord) (string, error)
	GetMemory(ctx context.Context, id string) (*MemoryRecord, error)
	FindByUser(ctx context.Context, userID string) ([]*MemoryRecord, error)
	FindByContent(ctx context.Context, userID, content string) (*MemoryRecord, error)
	FindWhere(ctx context.Context, userID string, pred Predicate) ([]*MemoryRecord, error)
	UpdateMemory(ctx context.Context, id string, upd MemoryUpdate) error
	TouchMemory(ctx context.Context, id string, at time.Time) error
	DeleteMemory(ctx context.Context, id string) error
	DeleteWhere(ctx context.Context, userID string, pred Predicate) (int, error)
	CountMemories(ctx context.Context, userID string) (int, error)

	// UpsertMemory inserts rec unless a record with the same normalized content
	// exists for the user, in which case that record's access metadata is refreshed.
	// When capacity > 0 and the user is full, the lowest-importance, least recently
	// accessed record is evicted before inserting.
	UpsertMemory(ctx context.Context, rec *MemoryRecord, capacity int) (*UpsertResult, error)
	PruneMemories(ctx context.Context, cutoff time.Time, belowImportance float64) (int, error)

	// Conversation Management
	CreateConversation(ctx context.Context, conv *ConversationLog) error
	GetConversation(ctx context.Context, id string) (*ConversationLog, error)
	AppendTurns(ctx context.Context, id string, turns ...Turn) error
	ListConversations(ctx context.Context, userID string) ([]*ConversationLog, error)

	// Configuration Management
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)

	Close() error
}

// evictionLess orders eviction candidates: lowest importance first, then
// oldest access, then id.
func evictionLess(a, b *MemoryRecord) bool {
	if a.ImportanceScore != b.ImportanceScore {
		return a.ImportanceScore < b.ImportanceScore
	}
	if !a.LastAccessed.Equal(b.LastAccessed) {
		return a.LastAccessed.Before(b.LastAccessed)
	}
	return a.ID < b.ID
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true}
)

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const memoryColumns = `id, user_id, content, context, tags, importance_score, created_at, last_accessed, access_count`

// SQLStore implements Storage on database/sql. It backs both the SQLite and
// PostgreSQL stores; only placeholder syntax differs between them.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			normalized_content TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			importance_score DOUBLE PRECISION NOT NULL,
			created_at BIGINT NOT NULL,
			last_accessed BIGINT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE (user_id, normalized_content)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories (user_id);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			turns TEXT NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	out := append([]string(nil), tags...)
	sort.Strings(out)
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*MemoryRecord, error) {
	var (
		m                       MemoryRecord
		tagsJSON                string
		created, lastAccessedAt int64
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.Content, &m.Context, &tagsJSON,
		&m.ImportanceScore, &created, &lastAccessedAt, &m.AccessCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	m.CreatedAt = fromNanos(created)
	m.LastAccessed = fromNanos(lastAccessedAt)
	return &m, nil
}

func (s *SQLStore) queryMemories(ctx context.Context, q queryer, query string, args ...any) ([]*MemoryRecord, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*MemoryRecord
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, m)
	}
	return records, rows.Err()
}

func (s *SQLStore) queryMemory(ctx context.Context, q queryer, query string, args ...any) (*MemoryRecord, error) {
	m, err := scanMemory(q.QueryRowContext(ctx, s.dialect.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLStore) insertMemory(ctx context.Context, q queryer, rec *MemoryRecord, onConflictNothing bool) (int64, error) {
	tags, err := encodeTags(rec.Tags)
	if err != nil {
		return 0, err
	}
	query := `INSERT INTO memories (` + memoryColumns + `, normalized_content) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if onConflictNothing {
		query += ` ON CONFLICT DO NOTHING`
	}
	res, err := q.ExecContext(ctx, s.dialect.rebind(query),
		rec.ID, rec.UserID, rec.Content, rec.Context, tags, rec.ImportanceScore,
		toNanos(rec.CreatedAt), toNanos(rec.LastAccessed), rec.AccessCount, Normalize(rec.Content))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func prepareRecord(rec *MemoryRecord) error {
	rec.Content = strings.TrimSpace(rec.Content)
	if rec.UserID == "" || rec.Content == "" {
		return fmt.Errorf("memory requires user id and content")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = rec.CreatedAt
	}
	return nil
}

// Memory Implementation

func (s *SQLStore) CreateMemory(ctx context.Context, rec *MemoryRecord) (string, error) {
	if err := prepareRecord(rec); err != nil {
		return "", err
	}
	if _, err := s.insertMemory(ctx, s.db, rec, false); err != nil {
		return "", fmt.Errorf("failed to insert memory: %w", err)
	}
	return rec.ID, nil
}

func (s *SQLStore) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	return s.queryMemory(ctx, s.db, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
}

func (s *SQLStore) FindByUser(ctx context.Context, userID string) ([]*MemoryRecord, error) {
	return s.queryMemories(ctx, s.db, `SELECT `+memoryColumns+` FROM memories WHERE user_id = ? ORDER BY created_at, id`, userID)
}

func (s *SQLStore) FindByContent(ctx context.Context, userID, content string) (*MemoryRecord, error) {
	return s.queryMemory(ctx, s.db,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND normalized_content = ?`,
		userID, Normalize(content))
}

func (s *SQLStore) FindWhere(ctx context.Context, userID string, pred Predicate) ([]*MemoryRecord, error) {
	all, err := s.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []*MemoryRecord
	for _, m := range all {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *SQLStore) UpdateMemory(ctx context.Context, id string, upd MemoryUpdate) error {
	var (
		sets []string
		args []any
	)
	if upd.Content != nil {
		c := strings.TrimSpace(*upd.Content)
		if c == "" {
			return fmt.Errorf("memory content cannot be empty")
		}
		sets = append(sets, "content = ?", "normalized_content = ?")
		args = append(args, c, Normalize(c))
	}
	if upd.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, *upd.Context)
	}
	if upd.Tags != nil {
		tags, err := encodeTags(upd.Tags)
		if err != nil {
			return err
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	if upd.ImportanceScore != nil {
		sets = append(sets, "importance_score = ?")
		args = append(args, *upd.ImportanceScore)
	}
	if upd.LastAccessed != nil {
		sets = append(sets, "last_accessed = ?")
		args = append(args, toNanos(*upd.LastAccessed))
	}
	if upd.AccessCount != nil {
		sets = append(sets, "access_count = ?")
		args = append(args, *upd.AccessCount)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := `UPDATE memories SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	return s.execOne(ctx, s.db, query, args...)
}

func (s *SQLStore) TouchMemory(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, s.db,
		`UPDATE memories SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?`,
		toNanos(at), id)
}

func (s *SQLStore) DeleteMemory(ctx context.Context, id string) error {
	return s.execOne(ctx, s.db, `DELETE FROM memories WHERE id = ?`, id)
}

// execOne runs a statement expected to touch exactly one row.
func (s *SQLStore) execOne(ctx context.Context, q queryer, query string, args ...any) error {
	res, err := q.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteWhere(ctx context.Context, userID string, pred Predicate) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	all, err := s.queryMemories(ctx, tx, `SELECT `+memoryColumns+` FROM memories WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, m := range all {
		if !pred(m) {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM memories WHERE id = ?`), m.ID); err != nil {
			return 0, fmt.Errorf("failed to delete memory %s: %w", m.ID, err)
		}
		deleted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return deleted, nil
}

func (s *SQLStore) CountMemories(ctx context.Context, userID string) (int, error) {
	return s.count(ctx, s.db, userID)
}

func (s *SQLStore) count(ctx context.Context, q queryer, userID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM memories WHERE user_id = ?`), userID).Scan(&n)
	return n, err
}

func (s *SQLStore) UpsertMemory(ctx context.Context, rec *MemoryRecord, capacity int) (*UpsertResult, error) {
	if err := prepareRecord(rec); err != nil {
		return nil, err
	}
	// A lost insert race means another writer created the same content; the
	// second attempt takes the refresh branch.
	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.upsertOnce(ctx, rec, capacity)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, fmt.Errorf("failed to upsert memory: %w", ErrConflict)
}

func (s *SQLStore) upsertOnce(ctx context.Context, rec *MemoryRecord, capacity int) (*UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.queryMemory(ctx, tx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND normalized_content = ?`,
		rec.UserID, Normalize(rec.Content))
	switch {
	case err == nil:
		if err := s.execOne(ctx, tx,
			`UPDATE memories SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?`,
			toNanos(rec.LastAccessed), existing.ID); err != nil {
			return nil, fmt.Errorf("failed to refresh memory: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		existing.AccessCount++
		existing.LastAccessed = rec.LastAccessed
		return &UpsertResult{ID: existing.ID, Record: existing}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to look up memory: %w", err)
	}

	var evicted []string
	if capacity > 0 {
		n, err := s.count(ctx, tx, rec.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to count memories: %w", err)
		}
		for ; n >= capacity; n-- {
			var victim string
			err := tx.QueryRowContext(ctx, s.dialect.rebind(
				`SELECT id FROM memories WHERE user_id = ?
				 ORDER BY importance_score ASC, last_accessed ASC, id ASC LIMIT 1`), rec.UserID).Scan(&victim)
			if err != nil {
				return nil, fmt.Errorf("failed to select eviction victim: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM memories WHERE id = ?`), victim); err != nil {
				return nil, fmt.Errorf("failed to evict memory: %w", err)
			}
			evicted = append(evicted, victim)
		}
	}

	rec.AccessCount = 0
	inserted, err := s.insertMemory(ctx, tx, rec, true)
	if err != nil {
		return nil, fmt.Errorf("failed to insert memory: %w", err)
	}
	if inserted == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	stored := *rec
	stored.Tags = append([]string(nil), rec.Tags...)
	sort.Strings(stored.Tags)
	return &UpsertResult{ID: rec.ID, Created: true, Evicted: evicted, Record: &stored}, nil
}

func (s *SQLStore) PruneMemories(ctx context.Context, cutoff time.Time, belowImportance float64) (int, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM memories WHERE created_at < ? AND importance_score < ?`),
		toNanos(cutoff), belowImportance)
	if err != nil {
		return 0, fmt.Errorf("failed to prune memories: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Conversation Implementation

func (s *SQLStore) CreateConversation(ctx context.Context, conv *ConversationLog) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	turns, err := encodeTurns(conv.Turns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO conversations (id, user_id, turns, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		conv.ID, conv.UserID, turns, toNanos(conv.CreatedAt), toNanos(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

func encodeTurns(turns []Turn) (string, error) {
	if turns == nil {
		turns = []Turn{}
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("failed to marshal turns: %w", err)
	}
	return string(b), nil
}

func scanConversation(row rowScanner) (*ConversationLog, error) {
	var (
		c                ConversationLog
		turns            string
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &turns, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(turns), &c.Turns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal turns: %w", err)
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

func (s *SQLStore) getConversation(ctx context.Context, q queryer, id string) (*ConversationLog, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, user_id, turns, created_at, updated_at FROM conversations WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*ConversationLog, error) {
	return s.getConversation(ctx, s.db, id)
}

func (s *SQLStore) AppendTurns(ctx context.Context, id string, turns ...Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	conv, err := s.getConversation(ctx, tx, id)
	if err != nil {
		return err
	}
	encoded, err := encodeTurns(append(conv.Turns, turns...))
	if err != nil {
		return err
	}
	if err := s.execOne(ctx, tx, `UPDATE conversations SET turns = ?, updated_at = ? WHERE id = ?`,
		encoded, toNanos(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]*ConversationLog, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, user_id, turns, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, id`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*ConversationLog
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Configuration Implementation

func (s *SQLStore) SetConfig(ctx context.Context, key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(query), key, value)
	return err
}

// GetConfig returns "" when the key is unset.
func (s *SQLStore) GetConfig(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT value FROM configuration WHERE key = ?`), key)
	var value sql.NullString
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value.String, nil
}

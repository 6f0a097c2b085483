package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisMaxRetries = 8

// RedisStore implements Storage on Redis.
//
// Layout, under a key prefix:
//
//	memory:<id>             hash of record fields
//	user:<uid>:memories     set of memory ids
//	user:<uid>:content      hash normalized content -> memory id
//	conversation:<id>       JSON-encoded ConversationLog
//	user:<uid>:conversations set of conversation ids
//	users                   set of user ids with memories
//	config                  hash
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return NewRedisStoreFromClient(client, "memoir:"), nil
}

// NewRedisStoreFromClient wraps an existing client. All keys are namespaced by prefix.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) memoryKey(id string) string { return s.prefix + "memory:" + id }
func (s *RedisStore) userSetKey(uid string) string { return s.prefix + "user:" + uid + ":memories" }
func (s *RedisStore) contentKey(uid string) string { return s.prefix + "user:" + uid + ":content" }
func (s *RedisStore) convKey(id string) string { return s.prefix + "conversation:" + id }
func (s *RedisStore) userConvKey(uid string) string { return s.prefix + "user:" + uid + ":conversations" }
func (s *RedisStore) usersKey() string { return s.prefix + "users" }
func (s *RedisStore) configKey() string { return s.prefix + "config" }

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func recordFields(rec *MemoryRecord) (map[string]any, error) {
	tags, err := encodeTags(rec.Tags)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":               rec.ID,
		"user_id":          rec.UserID,
		"content":          rec.Content,
		"normalized":       Normalize(rec.Content),
		"context":          rec.Context,
		"tags":             tags,
		"importance_score": strconv.FormatFloat(rec.ImportanceScore, 'g', -1, 64),
		"created_at":       toNanos(rec.CreatedAt),
		"last_accessed":    toNanos(rec.LastAccessed),
		"access_count":     rec.AccessCount,
	}, nil
}

func parseRecord(h map[string]string) (*MemoryRecord, error) {
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	m := &MemoryRecord{
		ID:      h["id"],
		UserID:  h["user_id"],
		Content: h["content"],
		Context: h["context"],
	}
	var err error
	if m.ImportanceScore, err = strconv.ParseFloat(h["importance_score"], 64); err != nil {
		return nil, fmt.Errorf("bad importance for %s: %w", m.ID, err)
	}
	created, _ := strconv.ParseInt(h["created_at"], 10, 64)
	accessed, _ := strconv.ParseInt(h["last_accessed"], 10, 64)
	m.CreatedAt = fromNanos(created)
	m.LastAccessed = fromNanos(accessed)
	if m.AccessCount, err = strconv.Atoi(h["access_count"]); err != nil {
		return nil, fmt.Errorf("bad access count for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(h["tags"]), &m.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return m, nil
}

// cmdable is satisfied by *redis.Client and *redis.Tx.
type cmdable interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

func (s *RedisStore) loadUser(ctx context.Context, c cmdable, userID string) ([]*MemoryRecord, error) {
	ids, err := c.SMembers(ctx, s.userSetKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	records := make([]*MemoryRecord, 0, len(ids))
	for _, id := range ids {
		h, err := c.HGetAll(ctx, s.memoryKey(id)).Result()
		if err != nil {
			return nil, err
		}
		m, err := parseRecord(h)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, m)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Memory Implementation

func (s *RedisStore) CreateMemory(ctx context.Context, rec *MemoryRecord) (string, error) {
	res, err := s.UpsertMemory(ctx, rec, 0)
	if err != nil {
		return "", err
	}
	if !res.Created {
		return "", fmt.Errorf("memory with the same content exists: %s", res.ID)
	}
	return res.ID, nil
}

func (s *RedisStore) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	h, err := s.client.HGetAll(ctx, s.memoryKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseRecord(h)
}

func (s *RedisStore) FindByUser(ctx context.Context, userID string) ([]*MemoryRecord, error) {
	return s.loadUser(ctx, s.client, userID)
}

func (s *RedisStore) FindByContent(ctx context.Context, userID, content string) (*MemoryRecord, error) {
	id, err := s.client.HGet(ctx, s.contentKey(userID), Normalize(content)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetMemory(ctx, id)
}

func (s *RedisStore) FindWhere(ctx context.Context, userID string, pred Predicate) ([]*MemoryRecord, error) {
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

// watch runs fn in an optimistic transaction, retrying when a watched key changes.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (s *RedisStore) UpdateMemory(ctx context.Context, id string, upd MemoryUpdate) error {
	key := s.memoryKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		m, err := parseRecord(h)
		if err != nil {
			return err
		}
		oldNorm := h["normalized"]
		if upd.Content != nil {
			m.Content = *upd.Content
			if Normalize(m.Content) == "" {
				return fmt.Errorf("memory content cannot be empty")
			}
		}
		if upd.Context != nil {
			m.Context = *upd.Context
		}
		if upd.Tags != nil {
			m.Tags = upd.Tags
		}
		if upd.ImportanceScore != nil {
			m.ImportanceScore = *upd.ImportanceScore
		}
		if upd.LastAccessed != nil {
			m.LastAccessed = *upd.LastAccessed
		}
		if upd.AccessCount != nil {
			m.AccessCount = *upd.AccessCount
		}
		fields, err := recordFields(m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if newNorm := fields["normalized"].(string); newNorm != oldNorm {
				pipe.HDel(ctx, s.contentKey(m.UserID), oldNorm)
				pipe.HSet(ctx, s.contentKey(m.UserID), newNorm, m.ID)
			}
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) TouchMemory(ctx context.Context, id string, at time.Time) error {
	key := s.memoryKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, key, "access_count", 1)
			pipe.HSet(ctx, key, "last_accessed", toNanos(at))
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) DeleteMemory(ctx context.Context, id string) error {
	m, err := s.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueDelete(ctx, pipe, m)
		return nil
	})
	return err
}

func (s *RedisStore) queueDelete(ctx context.Context, pipe redis.Pipeliner, m *MemoryRecord) {
	pipe.Del(ctx, s.memoryKey(m.ID))
	pipe.SRem(ctx, s.userSetKey(m.UserID), m.ID)
	pipe.HDel(ctx, s.contentKey(m.UserID), Normalize(m.Content))
}

func (s *RedisStore) DeleteWhere(ctx context.Context, userID string, pred Predicate) (int, error) {
	deleted := 0
	err := s.watch(ctx, func(tx *redis.Tx) error {
		all, err := s.loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		var victims []*MemoryRecord
		for _, m := range all {
			if pred(m) {
				victims = append(victims, m)
			}
		}
		if len(victims) == 0 {
			deleted = 0
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range victims {
				s.queueDelete(ctx, pipe, m)
			}
			return nil
		})
		if err == nil {
			deleted = len(victims)
		}
		return err
	}, s.userSetKey(userID), s.contentKey(userID))
	return deleted, err
}

func (s *RedisStore) CountMemories(ctx context.Context, userID string) (int, error) {
	n, err := s.client.SCard(ctx, s.userSetKey(userID)).Result()
	return int(n), err
}

func (s *RedisStore) UpsertMemory(ctx context.Context, rec *MemoryRecord, capacity int) (*UpsertResult, error) {
	if err := prepareRecord(rec); err != nil {
		return nil, err
	}
	norm := Normalize(rec.Content)
	var result *UpsertResult

	err := s.watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.HGet(ctx, s.contentKey(rec.UserID), norm).Result()
		switch {
		case err == nil:
			key := s.memoryKey(id)
			h, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			existing, err := parseRecord(h)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HIncrBy(ctx, key, "access_count", 1)
				pipe.HSet(ctx, key, "last_accessed", toNanos(rec.LastAccessed))
				return nil
			})
			if err != nil {
				return err
			}
			existing.AccessCount++
			existing.LastAccessed = rec.LastAccessed
			result = &UpsertResult{ID: existing.ID, Record: existing}
			return nil
		case !errors.Is(err, redis.Nil):
			return err
		}

		var victims []*MemoryRecord
		if capacity > 0 {
			all, err := s.loadUser(ctx, tx, rec.UserID)
			if err != nil {
				return err
			}
			if over := len(all) - capacity + 1; over > 0 {
				sort.Slice(all, func(i, j int) bool { return evictionLess(all[i], all[j]) })
				victims = all[:over]
			}
		}

		rec.AccessCount = 0
		fields, err := recordFields(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, v := range victims {
				s.queueDelete(ctx, pipe, v)
			}
			pipe.HSet(ctx, s.memoryKey(rec.ID), fields)
			pipe.SAdd(ctx, s.userSetKey(rec.UserID), rec.ID)
			pipe.HSet(ctx, s.contentKey(rec.UserID), norm, rec.ID)
			pipe.SAdd(ctx, s.usersKey(), rec.UserID)
			return nil
		})
		if err != nil {
			return err
		}
		stored := *rec
		stored.Tags = append([]string(nil), rec.Tags...)
		sort.Strings(stored.Tags)
		result = &UpsertResult{ID: rec.ID, Created: true, Record: &stored}
		for _, v := range victims {
			result.Evicted = append(result.Evicted, v.ID)
		}
		return nil
	}, s.contentKey(rec.UserID), s.userSetKey(rec.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert memory: %w", err)
	}
	return result, nil
}

func (s *RedisStore) PruneMemories(ctx context.Context, cutoff time.Time, belowImportance float64) (int, error) {
	users, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, uid := range users {
		n, err := s.DeleteWhere(ctx, uid, func(m *MemoryRecord) bool {
			return m.CreatedAt.Before(cutoff) && m.ImportanceScore < belowImportance
		})
		if err != nil {
			return total, fmt.Errorf("failed to prune memories for %s: %w", uid, err)
		}
		total += n
	}
	return total, nil
}

// Conversation Implementation

type redisConversation struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Turns     []Turn `json:"turns"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

func (s *RedisStore) CreateConversation(ctx context.Context, conv *ConversationLog) error {
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
	b, err := json.Marshal(redisConversation{conv.ID, conv.UserID, conv.Turns, toNanos(conv.CreatedAt), toNanos(conv.UpdatedAt)})
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.convKey(conv.ID), b, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	return s.client.SAdd(ctx, s.userConvKey(conv.UserID), conv.ID).Err()
}

func (s *RedisStore) GetConversation(ctx context.Context, id string) (*ConversationLog, error) {
	raw, err := s.client.Get(ctx, s.convKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeConversation(raw)
}

func decodeConversation(raw []byte) (*ConversationLog, error) {
	var rc redisConversation
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &ConversationLog{
		ID:        rc.ID,
		UserID:    rc.UserID,
		Turns:     rc.Turns,
		CreatedAt: fromNanos(rc.CreatedAt),
		UpdatedAt: fromNanos(rc.UpdatedAt),
	}, nil
}

func (s *RedisStore) AppendTurns(ctx context.Context, id string, turns ...Turn) error {
	key := s.convKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rc redisConversation
		if err := json.Unmarshal(raw, &rc); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		rc.Turns = append(rc.Turns, turns...)
		rc.UpdatedAt = toNanos(time.Now().UTC())
		b, err := json.Marshal(rc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) ListConversations(ctx context.Context, userID string) ([]*ConversationLog, error) {
	ids, err := s.client.SMembers(ctx, s.userConvKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var convs []*ConversationLog
	for _, id := range ids {
		c, err := s.GetConversation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return convs, nil
}

// Configuration Implementation

func (s *RedisStore) SetConfig(ctx context.Context, key, value string) error {
	return s.client.HSet(ctx, s.configKey(), key, value).Err()
}

func (s *RedisStore) GetConfig(ctx context.Context, key string) (string, error) {
	v, err := s.client.HGet(ctx, s.configKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore implements Store over Redis so multiple proxy instances
// share refusal history and turn windows.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// sessionData is the JSON-serializable session state for Redis.
type sessionData struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	Turns          []Turn    `json:"turns"`
	Refusals       []Refusal `json:"refusals"`
	CumulativeRisk float64   `json:"cumulative_risk"`
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(cfg RedisConfig, sessionTTL time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "aegis:session:"
	}

	slog.Info("Redis session store initialized", "addr", cfg.Addr, "key_prefix", keyPrefix)

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       sessionTTL + 5*time.Minute,
	}, nil
}

func (s *RedisStore) sessionKey(id string) string {
	return s.keyPrefix + id
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "_index"
}

// Get retrieves a session by ID.
func (s *RedisStore) Get(id string) (*Session, bool) {
	ctx := context.Background()

	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Error("Redis Get error", "session_id", id, "error", err)
		return nil, false
	}

	var sd sessionData
	if err := json.Unmarshal(data, &sd); err != nil {
		slog.Error("Failed to unmarshal session", "session_id", id, "error", err)
		return nil, false
	}

	return &Session{
		ID:             sd.ID,
		CreatedAt:      sd.CreatedAt,
		LastActivity:   sd.LastActivity,
		Turns:          sd.Turns,
		Refusals:       sd.Refusals,
		CumulativeRisk: sd.CumulativeRisk,
	}, true
}

// GetOrCreate retrieves a session, creating it when absent.
func (s *RedisStore) GetOrCreate(id string) *Session {
	if sess, ok := s.Get(id); ok {
		return sess
	}
	sess := NewSession(id)
	s.Put(sess)
	return sess
}

// Put stores a session with the configured TTL.
func (s *RedisStore) Put(session *Session) {
	ctx := context.Background()

	snap := session.Snapshot()
	data, err := json.Marshal(sessionData{
		ID:             snap.ID,
		CreatedAt:      snap.CreatedAt,
		LastActivity:   snap.LastActivity,
		Turns:          snap.Turns,
		Refusals:       snap.Refusals,
		CumulativeRisk: snap.CumulativeRisk,
	})
	if err != nil {
		slog.Error("Failed to marshal session", "session_id", session.ID, "error", err)
		return
	}

	if err := s.client.Set(ctx, s.sessionKey(session.ID), data, s.ttl).Err(); err != nil {
		slog.Error("Redis Set error", "session_id", session.ID, "error", err)
		return
	}
	if err := s.client.SAdd(ctx, s.indexKey(), session.ID).Err(); err != nil {
		slog.Error("Redis SAdd error", "session_id", session.ID, "error", err)
	}
}

// Delete removes a session.
func (s *RedisStore) Delete(id string) {
	ctx := context.Background()

	if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		slog.Error("Redis Del error", "session_id", id, "error", err)
	}
	if err := s.client.SRem(ctx, s.indexKey(), id).Err(); err != nil {
		slog.Error("Redis SRem error", "session_id", id, "error", err)
	}
}

// List returns all sessions matching the filter.
func (s *RedisStore) List(filter func(*Session) bool) []*Session {
	ctx := context.Background()

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		slog.Error("Redis SMembers error", "error", err)
		return nil
	}

	var result []*Session
	for _, id := range ids {
		sess, ok := s.Get(id)
		if !ok {
			// Expired; drop from the index.
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if filter == nil || filter(sess) {
			result = append(result, sess)
		}
	}
	return result
}

// Count returns the number of sessions matching the filter.
func (s *RedisStore) Count(filter func(*Session) bool) int {
	return len(s.List(filter))
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Embedder turns text into a vector. The provider package supplies an
// implementation when an embedding-capable upstream is configured.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// RedisConfig holds the Redis connection settings for the vector backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore indexes documents with their embeddings in Redis and
// searches by cosine similarity. Any retrieval error degrades open.
type RedisStore struct {
	client    *redis.Client
	embedder  Embedder
	keyPrefix string
}

type vectorDoc struct {
	Document  Document  `json:"document"`
	Embedding []float64 `json:"embedding"`
}

// NewRedisStore connects and verifies the backend is reachable.
func NewRedisStore(cfg RedisConfig, embedder Embedder) (*RedisStore, error) {
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
		keyPrefix = "aegis:knowledge:"
	}

	slog.Info("Redis knowledge store initialized", "addr", cfg.Addr, "key_prefix", keyPrefix)

	return &RedisStore{
		client:    client,
		embedder:  embedder,
		keyPrefix: keyPrefix,
	}, nil
}

func (s *RedisStore) docKey(id string) string {
	return s.keyPrefix + id
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "_index"
}

// Add embeds the content and stores the document. When the embedder
// fails the document is still stored with a nil vector and search falls
// back to token overlap for it.
func (s *RedisStore) Add(ctx context.Context, content, source, category string, metadata map[string]interface{}) error {
	doc := Document{
		ID:             DocID(source, content),
		Content:        content,
		Source:         source,
		ThreatCategory: category,
		Metadata:       SanitizeMetadata(source, category, metadata),
	}

	vd := vectorDoc{Document: doc}
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			slog.Warn("embedding failed, storing without vector", "doc_id", doc.ID, "error", err)
		} else {
			vd.Embedding = vec
		}
	}

	data, err := json.Marshal(vd)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := s.client.Set(ctx, s.docKey(doc.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), doc.ID).Err(); err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	return nil
}

// Search embeds the query and ranks every indexed document by cosine
// similarity. Documents without vectors are scored by token overlap so
// the two backends stay contract-compatible.
func (s *RedisStore) Search(ctx context.Context, query, category string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var queryVec []float64
	if s.embedder != nil {
		if v, err := s.embedder.Embed(ctx, query); err == nil {
			queryVec = v
		}
	}

	var results []Result
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.docKey(id)).Bytes()
		if err == redis.Nil {
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", id, err)
		}
		var vd vectorDoc
		if err := json.Unmarshal(data, &vd); err != nil {
			continue
		}
		if category != "" && vd.Document.ThreatCategory != category {
			continue
		}

		var score float64
		if queryVec != nil && len(vd.Embedding) == len(queryVec) && len(queryVec) > 0 {
			score = cosine(queryVec, vd.Embedding)
		} else {
			score = similarity(query, vd.Document.Content)
		}
		if score <= 0.3 {
			continue
		}
		results = append(results, Result{
			Document: vd.Document,
			Score:    score,
			Distance: 1.0 - score,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the index cardinality.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count index: %w", err)
	}
	return int(n), nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

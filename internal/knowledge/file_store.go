package knowledge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps documents as content-addressed JSON files under one
// directory, with an in-memory index for searching. It is the required
// fallback backend and must behave identically to the vector backend
// at the contract level.
type FileStore struct {
	dir string

	mu   sync.RWMutex
	docs map[string]Document
}

// NewFileStore loads any existing documents from dir, creating it if
// needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create knowledge dir: %w", err)
	}
	s := &FileStore{dir: dir, docs: make(map[string]Document)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read knowledge dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil || doc.ID == "" {
			continue
		}
		s.docs[doc.ID] = doc
	}
	return s, nil
}

// DocID derives the canonical id from source and content prefix.
func DocID(source, content string) string {
	prefix := content
	if len(prefix) > 100 {
		prefix = prefix[:100]
	}
	sum := md5.Sum([]byte(source + prefix))
	return hex.EncodeToString(sum[:])
}

// Add writes the document to disk and the index. Re-adding the same
// source+content pair overwrites in place.
func (s *FileStore) Add(ctx context.Context, content, source, category string, metadata map[string]interface{}) error {
	doc := Document{
		ID:             DocID(source, content),
		Content:        content,
		Source:         source,
		ThreatCategory: category,
		Metadata:       SanitizeMetadata(source, category, metadata),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, doc.ID+".json"), data, 0o644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}

	s.mu.Lock()
	s.docs[doc.ID] = doc
	s.mu.Unlock()
	return nil
}

// Search scores every document by token overlap, keeps scores above
// 0.3, and returns up to limit results ordered by ascending distance.
func (s *FileStore) Search(ctx context.Context, query, category string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Result
	for _, doc := range s.docs {
		if category != "" && doc.ThreatCategory != category {
			continue
		}
		score := similarity(query, doc.Content)
		if score <= 0.3 {
			continue
		}
		results = append(results, Result{
			Document: doc,
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

// Count returns the number of stored documents.
func (s *FileStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

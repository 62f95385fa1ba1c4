// Package memory tracks bounded per-session conversation state for
// multi-turn attack detection and refusal persistence.
package memory

import (
	"sync"
	"time"
)

const (
	// MaxTurns bounds the retained conversation window.
	MaxTurns = 20
	// previewLimit caps stored text previews.
	previewLimit = 200
)

// Turn is one retained user message preview.
type Turn struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Refusal records one refused request in this session.
type Refusal struct {
	PromptPreview string    `json:"prompt_preview"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// Session is the per-session safety state. Mutations go through the
// methods so writes stay serialized per session.
type Session struct {
	mu sync.RWMutex

	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	Turns          []Turn    `json:"turns"`
	Refusals       []Refusal `json:"refusals"`
	CumulativeRisk float64   `json:"cumulative_risk"`
}

// NewSession creates an empty session.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{ID: id, CreatedAt: now, LastActivity: now}
}

func preview(s string) string {
	if len(s) > previewLimit {
		return s[:previewLimit]
	}
	return s
}

// RecordTurn appends a user message, evicting the oldest turn beyond
// the window.
func (s *Session) RecordTurn(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.LastActivity = now
	s.Turns = append(s.Turns, Turn{Text: preview(text), Timestamp: now})
	if len(s.Turns) > MaxTurns {
		s.Turns = s.Turns[len(s.Turns)-MaxTurns:]
	}
}

// RecordRefusal appends a refusal record.
func (s *Session) RecordRefusal(prompt, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.LastActivity = now
	s.Refusals = append(s.Refusals, Refusal{
		PromptPreview: preview(prompt),
		Reason:        reason,
		Timestamp:     now,
	})
}

// AddRisk raises the monotonic running risk total.
func (s *Session) AddRisk(score float64) {
	if score <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CumulativeRisk += score
	s.LastActivity = time.Now().UTC()
}

// IdleTime returns how long since the last activity.
func (s *Session) IdleTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.LastActivity)
}

// Snapshot returns a copy safe for lock-free reading.
func (s *Session) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Session{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.LastActivity,
		CumulativeRisk: s.CumulativeRisk,
		Turns:          make([]Turn, len(s.Turns)),
		Refusals:       make([]Refusal, len(s.Refusals)),
	}
	copy(snap.Turns, s.Turns)
	copy(snap.Refusals, s.Refusals)
	return snap
}

// PriorTurnTexts returns the retained turn texts, oldest first.
func (s *Session) PriorTurnTexts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.Turns))
	for i, t := range s.Turns {
		out[i] = t.Text
	}
	return out
}

// HasRefusals reports whether this session was refused before.
func (s *Session) HasRefusals() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Refusals) > 0
}

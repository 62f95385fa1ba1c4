package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Manager handles session lifecycle and idle expiry.
type Manager struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	// Cleanup interval for idle sessions
	cleanupInterval time.Duration
}

// NewManager creates a session manager sweeping idle sessions past the TTL.
func NewManager(store Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Manager{
		store:           store,
		ttl:             ttl,
		logger:          logger.With("component", "memory"),
		cleanupInterval: 30 * time.Second,
	}
}

// Run starts the manager's background cleanup loop.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("session manager stopping")
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// GetOrCreate retrieves an existing session or creates a new one.
// An empty ID gets a generated one.
func (m *Manager) GetOrCreate(id string) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	return m.store.GetOrCreate(id)
}

// Get retrieves a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	return m.store.Get(id)
}

// Save writes the session back to the store. In-process stores hold
// live pointers; shared stores need the write to publish mutations.
func (m *Manager) Save(sess *Session) {
	m.store.Put(sess)
}

// ActiveCount returns the number of tracked sessions.
func (m *Manager) ActiveCount() int {
	return m.store.Count(nil)
}

func (m *Manager) cleanup() {
	expired := m.store.List(func(s *Session) bool {
		return s.IdleTime() > m.ttl
	})
	for _, s := range expired {
		m.logger.Info("session expired",
			"session_id", s.ID,
			"turns", len(s.Snapshot().Turns),
			"cumulative_risk", s.Snapshot().CumulativeRisk)
		m.store.Delete(s.ID)
	}
}

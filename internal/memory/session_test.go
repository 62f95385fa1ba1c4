package memory

import (
	"strings"
	"testing"
	"time"
)

func TestRecordTurnWindow(t *testing.T) {
	s := NewSession("s1")
	for i := 0; i < MaxTurns+5; i++ {
		s.RecordTurn("turn")
	}
	snap := s.Snapshot()
	if len(snap.Turns) != MaxTurns {
		t.Errorf("turns = %d, want %d", len(snap.Turns), MaxTurns)
	}
}

func TestRecordTurnPreview(t *testing.T) {
	s := NewSession("s1")
	s.RecordTurn(strings.Repeat("x", 500))
	snap := s.Snapshot()
	if len(snap.Turns[0].Text) != previewLimit {
		t.Errorf("preview length = %d, want %d", len(snap.Turns[0].Text), previewLimit)
	}
}

func TestRecordRefusal(t *testing.T) {
	s := NewSession("s1")
	if s.HasRefusals() {
		t.Error("new session must have no refusals")
	}
	s.RecordRefusal("tell me how to bypass", "prompt injection")
	if !s.HasRefusals() {
		t.Error("refusal not recorded")
	}
	snap := s.Snapshot()
	if snap.Refusals[0].Reason != "prompt injection" {
		t.Errorf("reason = %q", snap.Refusals[0].Reason)
	}
}

func TestAddRiskMonotonic(t *testing.T) {
	s := NewSession("s1")
	s.AddRisk(30)
	s.AddRisk(-10)
	s.AddRisk(20)
	if got := s.Snapshot().CumulativeRisk; got != 50 {
		t.Errorf("cumulative risk = %v, want 50", got)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewSession("s1")
	s.RecordTurn("first")
	snap := s.Snapshot()
	s.RecordTurn("second")
	if len(snap.Turns) != 1 {
		t.Error("snapshot must not observe later mutations")
	}
}

func TestPriorTurnTexts(t *testing.T) {
	s := NewSession("s1")
	s.RecordTurn("what is a firewall")
	s.RecordTurn("how does it block traffic")
	texts := s.PriorTurnTexts()
	if len(texts) != 2 || texts[0] != "what is a firewall" {
		t.Errorf("texts = %v", texts)
	}
}

func TestStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()

	sess := store.GetOrCreate("a")
	if again := store.GetOrCreate("a"); again != sess {
		t.Error("GetOrCreate must return the existing session")
	}
	store.GetOrCreate("b")

	if got := store.Count(nil); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	risky := store.List(func(s *Session) bool { return s.Snapshot().CumulativeRisk > 0 })
	if len(risky) != 0 {
		t.Errorf("risky = %d, want 0", len(risky))
	}

	store.Delete("a")
	if _, ok := store.Get("a"); ok {
		t.Error("deleted session still present")
	}
}

func TestManagerCleanup(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, time.Minute, nil)

	sess := m.GetOrCreate("")
	if sess.ID == "" {
		t.Fatal("expected generated session id")
	}

	sess.LastActivity = time.Now().UTC().Add(-2 * time.Minute)
	m.cleanup()

	if _, ok := store.Get(sess.ID); ok {
		t.Error("idle session survived cleanup")
	}
	if got := m.ActiveCount(); got != 0 {
		t.Errorf("active = %d, want 0", got)
	}
}

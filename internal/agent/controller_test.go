package agent

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"aegis/internal/council"
	"aegis/internal/provider"
	"aegis/internal/risk"
)

type fakeAdapter struct {
	response string
	err      error
}

func (f *fakeAdapter) ID() string      { return "openai" }
func (f *fakeAdapter) Model() string   { return "gpt-4o" }
func (f *fakeAdapter) Weight() float64 { return 1.0 }
func (f *fakeAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	return f.response, f.err
}

type memActionStore struct {
	actions  map[string]*risk.AgentAction
	executed map[string]bool
}

func newMemActionStore() *memActionStore {
	return &memActionStore{actions: map[string]*risk.AgentAction{}, executed: map[string]bool{}}
}

func (m *memActionStore) SaveAgentAction(ctx context.Context, a *risk.AgentAction) error {
	m.actions[a.ID] = a
	return nil
}

func (m *memActionStore) MarkActionExecuted(ctx context.Context, id, result, execErr string) error {
	a, ok := m.actions[id]
	if !ok || !a.Authorized {
		return errors.New("not found or not authorized")
	}
	m.executed[id] = true
	return nil
}

func newController(t *testing.T, response string, adapterErr error) (*Controller, *memActionStore) {
	t.Helper()
	adapters := map[string]provider.Adapter{
		"openai": &fakeAdapter{response: response, err: adapterErr},
	}
	c := council.New(adapters, council.Options{Parallel: false}, slog.Default())
	store := newMemActionStore()
	return New(c, store, slog.Default()), store
}

const safeReview = `{"verdict":"allowed","risk_score":5,"confidence":0.9,"reasoning":"benign"}`
const riskyReview = `{"verdict":"blocked","risk_score":90,"confidence":0.9,"reasoning":"destructive"}`

func TestAuthorizeSafeAction(t *testing.T) {
	ctrl, store := newController(t, safeReview, nil)

	action, err := ctrl.Authorize(context.Background(), "agent-1", "s1",
		"file_read", map[string]interface{}{"path": "/tmp/data.txt"}, "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if !action.Authorized {
		t.Errorf("safe in-scope action denied: %+v", action)
	}
	if _, ok := store.actions[action.ID]; !ok {
		t.Error("decision not persisted")
	}
}

func TestAuthorizeDangerousAction(t *testing.T) {
	ctrl, _ := newController(t, riskyReview, nil)

	action, err := ctrl.Authorize(context.Background(), "agent-1", "s1",
		"database_drop", map[string]interface{}{"table": "users"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if action.Authorized {
		t.Error("dangerous high-risk action must be denied")
	}
	// 50 dangerous + 90*0.5 council
	if action.RiskScore != 95 {
		t.Errorf("risk score = %v, want 95", action.RiskScore)
	}
	if !contains(action.SafetyFlags, "dangerous_action") {
		t.Errorf("flags = %v", action.SafetyFlags)
	}
}

func TestAuthorizeScopeViolation(t *testing.T) {
	ctrl, _ := newController(t, safeReview, nil)

	action, err := ctrl.Authorize(context.Background(), "agent-1", "s1",
		"file_write", map[string]interface{}{"path": "/etc/passwd"}, "/etc")
	if err != nil {
		t.Fatal(err)
	}
	if action.Authorized {
		t.Error("out-of-scope write must be denied")
	}
	if !contains(action.SafetyFlags, "scope_violation") {
		t.Errorf("flags = %v", action.SafetyFlags)
	}
}

func TestAuthorizeUnknownTypeWithScope(t *testing.T) {
	ctrl, _ := newController(t, safeReview, nil)

	action, err := ctrl.Authorize(context.Background(), "agent-1", "s1",
		"telemetry_upload", nil, "somewhere")
	if err != nil {
		t.Fatal(err)
	}
	if action.Authorized {
		t.Error("scoped request for an unlisted action type must be denied")
	}
}

func TestDangerousFailsClosedWithoutCouncil(t *testing.T) {
	ctrl, _ := newController(t, "", errors.New("upstream down"))

	action, err := ctrl.Authorize(context.Background(), "agent-1", "s1",
		"system_command", map[string]interface{}{"cmd": "rm -rf /"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if action.Authorized {
		t.Error("dangerous action without council review must be denied")
	}
}

func TestKillSwitch(t *testing.T) {
	ctrl, _ := newController(t, safeReview, nil)

	ctrl.Kill("agent-9")
	action, err := ctrl.Authorize(context.Background(), "agent-9", "s1",
		"file_read", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if action.Authorized {
		t.Error("killed agent must be denied")
	}
	if !contains(action.SafetyFlags, "kill_switch_active") {
		t.Errorf("flags = %v", action.SafetyFlags)
	}
	if len(ctrl.KilledAgents()) != 1 {
		t.Error("killed agent not listed")
	}

	ctrl.Clear("agent-9")
	action, err = ctrl.Authorize(context.Background(), "agent-9", "s1",
		"file_read", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !action.Authorized {
		t.Error("cleared agent must be authorized again")
	}
}

func TestMarkExecuted(t *testing.T) {
	ctrl, store := newController(t, safeReview, nil)

	action, err := ctrl.Authorize(context.Background(), "agent-1", "s1",
		"file_read", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !action.Authorized {
		t.Fatal("expected authorization")
	}

	if err := ctrl.MarkExecuted(context.Background(), action.ID, map[string]string{"status": "ok"}, nil); err != nil {
		t.Fatal(err)
	}
	if !store.executed[action.ID] {
		t.Error("execution not recorded")
	}
}

func contains(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

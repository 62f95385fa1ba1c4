// Package agent gates autonomous-agent actions: permission checks,
// scope enforcement, council review of risky requests and a per-agent
// kill switch.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis/internal/council"
	"aegis/internal/risk"
)

// ActionStore persists authorization decisions.
type ActionStore interface {
	SaveAgentAction(ctx context.Context, a *risk.AgentAction) error
	MarkActionExecuted(ctx context.Context, actionID, result, execErr string) error
}

// Action kinds that always count as dangerous.
var dangerousActions = map[string]bool{
	"file_delete":              true,
	"file_write_system":        true,
	"database_delete":          true,
	"database_drop":            true,
	"network_request_external": true,
	"system_command":           true,
	"process_kill":             true,
	"user_create":              true,
	"permission_modify":        true,
	"config_modify":            true,
	"credential_access":        true,
	"data_export":              true,
}

// Scope prefixes permitted per action type. Types absent from this
// table reject any scoped request.
var allowedScopes = map[string][]string{
	"file_read":      {"/tmp", "/var/tmp", "/home/user/documents"},
	"file_write":     {"/tmp", "/var/tmp"},
	"database_query": {"readonly"},
	"api_request":    {"https://api.example.com"},
}

// Controller authorizes agent actions. Safe for concurrent use.
type Controller struct {
	council *council.Council
	store   ActionStore
	logger  *slog.Logger

	mu     sync.RWMutex
	killed map[string]time.Time
}

// New creates a controller. The store may be nil; decisions are then
// not persisted.
func New(c *council.Council, store ActionStore, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		council: c,
		store:   store,
		logger:  logger.With("component", "agent"),
		killed:  make(map[string]time.Time),
	}
}

// Authorize evaluates one action request and persists the decision.
// A denied decision is returned, never an error, for policy denials.
func (c *Controller) Authorize(ctx context.Context, agentID, sessionID, actionType string,
	requestedAction map[string]interface{}, requestedScope string) (*risk.AgentAction, error) {

	action := &risk.AgentAction{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		SessionID:       sessionID,
		ActionType:      actionType,
		RequestedAction: requestedAction,
		RequestedScope:  requestedScope,
		CreatedAt:       time.Now().UTC(),
	}

	if c.Killed(agentID) {
		action.RiskScore = 100
		action.SafetyFlags = []string{"kill_switch_active"}
		c.persist(ctx, action)
		c.logger.Warn("action denied, kill switch active", "agent_id", agentID, "action_type", actionType)
		return action, nil
	}

	isDangerous := dangerousActions[actionType]
	scopeAllowed := checkScope(actionType, requestedScope)

	var councilVerdict risk.Verdict = risk.VerdictAllowed
	var councilScore, consensus float64
	if c.council != nil && c.council.Enabled() {
		decision, err := c.council.Analyze(ctx, buildActionPrompt(actionType, requestedAction), "safety", action.ID)
		if err != nil {
			// Review unavailable: dangerous actions fail closed.
			c.logger.Warn("council review unavailable", "agent_id", agentID, "error", err)
			if isDangerous {
				councilVerdict = risk.VerdictBlocked
				councilScore = 100
			}
		} else {
			councilVerdict = decision.FinalVerdict
			councilScore = decision.WeightedScore
			consensus = decision.Consensus
		}
	}

	score := 0.0
	if isDangerous {
		score += 50
	}
	if !scopeAllowed {
		score += 30
	}
	score = risk.Clamp(score + councilScore*0.5)

	action.RiskScore = score
	action.SafetyFlags = buildFlags(isDangerous, scopeAllowed, councilVerdict, consensus)
	action.Authorized = authorize(isDangerous, scopeAllowed, score, councilVerdict)

	c.persist(ctx, action)
	c.logger.Info("action evaluated",
		"agent_id", agentID,
		"action_type", actionType,
		"authorized", action.Authorized,
		"risk_score", score)
	return action, nil
}

// MarkExecuted records the outcome of an authorized action. The only
// permitted mutation of an AgentAction row.
func (c *Controller) MarkExecuted(ctx context.Context, actionID string, result interface{}, execErr error) error {
	resultStr := ""
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			resultStr = string(b)
		}
	}
	errStr := ""
	if execErr != nil {
		errStr = execErr.Error()
	}
	if c.store == nil {
		return nil
	}
	return c.store.MarkActionExecuted(ctx, actionID, resultStr, errStr)
}

// Kill activates the kill switch for an agent. Every subsequent
// request is denied until Clear.
func (c *Controller) Kill(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed[agentID] = time.Now().UTC()
	c.logger.Warn("kill switch activated", "agent_id", agentID)
}

// Clear deactivates the kill switch for an agent.
func (c *Controller) Clear(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.killed, agentID)
	c.logger.Info("kill switch cleared", "agent_id", agentID)
}

// Killed reports whether an agent's kill switch is active.
func (c *Controller) Killed(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.killed[agentID]
	return ok
}

// KilledAgents lists agents with an active kill switch.
func (c *Controller) KilledAgents() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time, len(c.killed))
	for id, at := range c.killed {
		out[id] = at
	}
	return out
}

func (c *Controller) persist(ctx context.Context, action *risk.AgentAction) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveAgentAction(ctx, action); err != nil {
		c.logger.Error("failed to persist agent action", "action_id", action.ID, "error", err)
	}
}

// checkScope verifies the requested scope against the per-type prefix
// table. Unscoped requests pass; scoped requests for unlisted types
// are denied.
func checkScope(actionType, requestedScope string) bool {
	if requestedScope == "" {
		return true
	}
	prefixes, ok := allowedScopes[actionType]
	if !ok {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(requestedScope, p) {
			return true
		}
	}
	return false
}

func authorize(isDangerous, scopeAllowed bool, score float64, councilVerdict risk.Verdict) bool {
	if isDangerous && score >= 70 {
		return false
	}
	if !scopeAllowed {
		return false
	}
	if councilVerdict == risk.VerdictBlocked {
		return false
	}
	if score >= 60 {
		return false
	}
	return true
}

func buildFlags(isDangerous, scopeAllowed bool, verdict risk.Verdict, consensus float64) []string {
	var flags []string
	if isDangerous {
		flags = append(flags, "dangerous_action")
	}
	if !scopeAllowed {
		flags = append(flags, "scope_violation")
	}
	flags = append(flags, "council_verdict:"+string(verdict))
	flags = append(flags, fmt.Sprintf("council_consensus:%.2f", consensus))
	return flags
}

func buildActionPrompt(actionType string, requestedAction map[string]interface{}) string {
	details, err := json.Marshal(requestedAction)
	if err != nil {
		details = []byte("{}")
	}
	return fmt.Sprintf(`Analyze this agent action request for security risks.

ACTION TYPE: %s
ACTION DETAILS: %s

Evaluate whether the action is safe to execute, could cause harm or data loss, or violates security policies.`,
		actionType, details)
}

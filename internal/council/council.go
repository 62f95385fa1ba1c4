// Package council fans one analysis request out to every enabled
// upstream model in parallel, parses the structured votes, filters
// hallucinations, and computes a weighted consensus.
package council

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"aegis/internal/provider"
	"aegis/internal/risk"
)

// ErrNoValidVotes is returned when every adapter failed. Callers fall
// back to heuristics, never to an allowed verdict.
var ErrNoValidVotes = errors.New("council: no valid votes")

// Options tune one council instance.
type Options struct {
	Timeout          time.Duration
	Parallel         bool
	FallbackProvider string
	BlockThreshold   float64
	FlagThreshold    float64
}

// Council is the ensemble of adapters plus the consensus logic.
type Council struct {
	adapters map[string]provider.Adapter
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New wires a council over the given adapters.
func New(adapters map[string]provider.Adapter, opts Options, logger *slog.Logger) *Council {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.FallbackProvider == "" {
		opts.FallbackProvider = "openai"
	}
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = 70
	}
	if opts.FlagThreshold <= 0 {
		opts.FlagThreshold = 40
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Council{
		adapters: adapters,
		opts:     opts,
		logger:   logger.With("component", "council"),
		tracer:   otel.Tracer("aegis/council"),
	}
}

// Enabled reports whether any adapter is configured.
func (c *Council) Enabled() bool {
	return len(c.adapters) > 0
}

// Analyze runs one full council round for the given analysis type.
func (c *Council) Analyze(ctx context.Context, prompt, analysisType, scanRequestID string) (*risk.CouncilDecision, error) {
	ctx, span := c.tracer.Start(ctx, "aegis.council.analyze",
		trace.WithAttributes(attribute.String("aegis.analysis.type", analysisType)))
	defer span.End()

	primaryRole := RoleForAnalysis(analysisType)
	participants := c.participantsForRole(primaryRole)
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: no providers enabled", ErrNoValidVotes)
	}

	wrapped := WrapWithSafetyPrompt(prompt, analysisType)
	prompts := make(map[string]string, len(participants))
	for _, id := range participants {
		prompts[id] = BuildRolePrompt(wrapped, roleForProvider(id, primaryRole))
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	votes := c.gatherVotes(ctx, prompts)

	var valid []*risk.Vote
	for _, v := range votes {
		if v.Valid() {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		span.SetAttributes(attribute.Bool("aegis.council.all_failed", true))
		return nil, fmt.Errorf("%w: all %d providers failed", ErrNoValidVotes, len(votes))
	}

	decision, err := c.computeConsensus(valid, votes, scanRequestID, primaryRole)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("aegis.council.weighted_score", decision.WeightedScore),
		attribute.String("aegis.council.verdict", string(decision.FinalVerdict)),
	)
	return decision, nil
}

// QueryOne sends one single-model analysis under the given role. The
// hardener uses this for variant checks and the simulator pass.
func (c *Council) QueryOne(ctx context.Context, prompt string, role Role) (*risk.Vote, error) {
	id := c.pickProvider(role)
	if id == "" {
		return nil, fmt.Errorf("%w: no providers enabled", ErrNoValidVotes)
	}
	adapter := c.adapters[id]

	full := BuildRolePrompt(WrapWithSafetyPrompt(prompt, "adversarial"), role)
	start := time.Now()
	raw, err := adapter.Complete(ctx, full)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", id, err)
	}
	return parseVote(id, adapter.Model(), adapter.Weight(), raw, elapsed), nil
}

// participantsForRole resolves the effective provider set: the role's
// preferred providers plus the fallback, intersected with enabled
// adapters. When the intersection is empty every enabled adapter
// participates so a narrow config still gets a verdict.
func (c *Council) participantsForRole(role Role) []string {
	wanted := map[string]struct{}{c.opts.FallbackProvider: {}}
	for _, id := range rolePreferredProviders[role] {
		wanted[id] = struct{}{}
	}

	var ids []string
	for id := range wanted {
		if _, ok := c.adapters[id]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		for id := range c.adapters {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Council) pickProvider(role Role) string {
	for _, id := range rolePreferredProviders[role] {
		if _, ok := c.adapters[id]; ok {
			return id
		}
	}
	var ids []string
	for id := range c.adapters {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

// gatherVotes dispatches all calls, isolating per-call failures as
// sentinel error votes.
func (c *Council) gatherVotes(ctx context.Context, prompts map[string]string) []*risk.Vote {
	ids := make([]string, 0, len(prompts))
	for id := range prompts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	votes := make([]*risk.Vote, len(ids))
	if c.opts.Parallel {
		var wg sync.WaitGroup
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				votes[i] = c.callOne(ctx, id, prompts[id])
			}(i, id)
		}
		wg.Wait()
	} else {
		for i, id := range ids {
			votes[i] = c.callOne(ctx, id, prompts[id])
		}
	}
	return votes
}

func (c *Council) callOne(ctx context.Context, id, prompt string) *risk.Vote {
	adapter := c.adapters[id]
	ctx, span := c.tracer.Start(ctx, "aegis.provider.call",
		trace.WithAttributes(attribute.String("aegis.provider.id", id)))
	defer span.End()

	start := time.Now()
	raw, err := adapter.Complete(ctx, prompt)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		c.logger.Warn("provider call failed", "provider", id, "error", err)
		span.RecordError(err)
		return &risk.Vote{
			Provider:       id,
			ModelName:      adapter.Model(),
			ProviderWeight: adapter.Weight(),
			Verdict:        risk.VerdictFlagged,
			RiskScore:      50,
			Confidence:     0,
			Reasoning:      "provider call failed",
			ResponseTimeMs: elapsed,
			Error:          err.Error(),
		}
	}
	return parseVote(id, adapter.Model(), adapter.Weight(), raw, elapsed)
}

// parseVote decodes a model response into a vote. A malformed response
// degrades to a low-confidence flagged vote with the parse error
// recorded, it never aborts the round.
func parseVote(id, model string, weight float64, raw string, elapsedMs int64) *risk.Vote {
	body := stripFences(raw)

	var parsed struct {
		Verdict     string          `json:"verdict"`
		RiskScore   float64         `json:"risk_score"`
		Confidence  float64         `json:"confidence"`
		Reasoning   string          `json:"reasoning"`
		Signals     json.RawMessage `json:"signals_detected"`
		Uncertainty []string        `json:"uncertainty_flags"`
		Sources     []string        `json:"sources_cited"`
		SelfAudit   string          `json:"self_audit"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return &risk.Vote{
			Provider:       id,
			ModelName:      model,
			ProviderWeight: weight,
			Verdict:        risk.VerdictFlagged,
			RiskScore:      50,
			Confidence:     0.3,
			Reasoning:      fmt.Sprintf("Failed to parse response: %v", err),
			Warnings:       []string{"unparseable response"},
			ResponseTimeMs: elapsedMs,
		}
	}

	vote := &risk.Vote{
		Provider:       id,
		ModelName:      model,
		ProviderWeight: weight,
		Verdict:        normalizeVerdict(parsed.Verdict),
		RiskScore:      risk.Clamp(parsed.RiskScore),
		Confidence:     clamp01(parsed.Confidence),
		Reasoning:      parsed.Reasoning,
		Uncertainty:    parsed.Uncertainty,
		Sources:        parsed.Sources,
		SelfAudit:      parsed.SelfAudit,
		ResponseTimeMs: elapsedMs,
	}
	if vote.Reasoning == "" {
		vote.Reasoning = "No reasoning provided"
	}
	if len(parsed.Signals) > 0 {
		var list []string
		if err := json.Unmarshal(parsed.Signals, &list); err == nil {
			vote.Signals = list
		} else {
			vote.Signals = []string{string(parsed.Signals)}
		}
	}
	return vote
}

// computeConsensus aggregates valid votes. allVotes (including errored
// ones) contributes dissent and the persisted vote map.
func (c *Council) computeConsensus(valid, allVotes []*risk.Vote, scanRequestID string, primaryRole Role) (*risk.CouncilDecision, error) {
	// Hallucination filter: drop gated votes only when another passes.
	var validated []*risk.Vote
	for _, v := range valid {
		val := ValidateVote(v, valid)
		v.Warnings = append(v.Warnings, val.Warnings...)
		if val.Valid {
			validated = append(validated, v)
		}
	}
	consensusVotes := validated
	if len(consensusVotes) == 0 {
		consensusVotes = valid
	}

	totalWeight := 0.0
	weightedSum := 0.0
	verdictWeights := map[risk.Verdict]float64{}
	weights := map[string]float64{}

	for _, v := range consensusVotes {
		w := v.ProviderWeight * v.Confidence
		weightedSum += v.RiskScore * w
		totalWeight += w
		verdictWeights[v.Verdict] += w
		weights[v.Provider] = w
	}
	if totalWeight <= 0 {
		return nil, fmt.Errorf("%w: zero total weight", ErrNoValidVotes)
	}
	finalScore := weightedSum / totalWeight

	criticalAgreement := checkCriticalAgreement(consensusVotes)

	var finalVerdict risk.Verdict
	switch {
	case !criticalAgreement && finalScore >= 60:
		finalVerdict = risk.VerdictFlagged
	case verdictWeights[risk.VerdictBlocked]/totalWeight >= 0.5:
		finalVerdict = risk.VerdictBlocked
	case verdictWeights[risk.VerdictFlagged]/totalWeight >= 0.4:
		finalVerdict = risk.VerdictFlagged
	case finalScore >= c.opts.BlockThreshold:
		finalVerdict = risk.VerdictBlocked
	case finalScore >= c.opts.FlagThreshold:
		finalVerdict = risk.VerdictFlagged
	default:
		finalVerdict = risk.VerdictAllowed
	}

	// Consensus strength is the dominant verdict's weight share, with
	// severity breaking ties deterministically.
	maxWeight := 0.0
	for _, verdict := range []risk.Verdict{risk.VerdictBlocked, risk.VerdictFlagged, risk.VerdictAllowed, risk.VerdictSanitized} {
		if w, ok := verdictWeights[verdict]; ok && w > maxWeight {
			maxWeight = w
		}
	}
	consensus := maxWeight / totalWeight

	var dissenting []string
	voteMap := make(map[string]*risk.Vote, len(allVotes))
	for _, v := range allVotes {
		voteMap[v.Provider] = v
		if v.Valid() && v.Verdict != finalVerdict {
			dissenting = append(dissenting, fmt.Sprintf("%s voted %s: %s", v.Provider, v.Verdict, v.Reasoning))
		}
	}

	reasoning := fmt.Sprintf(
		"Council analysis (role: %s)\nModels consulted: %d (%d after validation)\nWeighted risk score: %.2f\nConsensus: %.0f%%\nCritical agreement: %v",
		primaryRole, len(allVotes), len(consensusVotes), finalScore, consensus*100, criticalAgreement)

	return &risk.CouncilDecision{
		ID:            uuid.NewString(),
		ScanRequestID: scanRequestID,
		CreatedAt:     time.Now().UTC(),
		FinalVerdict:  finalVerdict,
		Consensus:     consensus,
		WeightedScore: finalScore,
		Votes:         voteMap,
		Weights:       weights,
		Reasoning:     reasoning,
		Dissenting:    dissenting,
	}, nil
}

// checkCriticalAgreement compares the two highest-confidence votes:
// they must agree on verdict and land within 25 points of each other.
func checkCriticalAgreement(votes []*risk.Vote) bool {
	if len(votes) < 2 {
		return true
	}
	sorted := make([]*risk.Vote, len(votes))
	copy(sorted, votes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	a, b := sorted[0], sorted[1]
	diff := a.RiskScore - b.RiskScore
	if diff < 0 {
		diff = -diff
	}
	return diff <= 25 && a.Verdict == b.Verdict
}

// normalizeVerdict folds model output onto the closed verdict set.
// "uncertain" and anything unrecognized become flagged.
func normalizeVerdict(s string) risk.Verdict {
	switch risk.Verdict(strings.ToLower(strings.TrimSpace(s))) {
	case risk.VerdictAllowed:
		return risk.VerdictAllowed
	case risk.VerdictBlocked:
		return risk.VerdictBlocked
	case risk.VerdictSanitized:
		return risk.VerdictSanitized
	default:
		return risk.VerdictFlagged
	}
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	} else if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

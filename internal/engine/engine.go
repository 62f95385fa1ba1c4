// Package engine composes the heuristic detector, knowledge store,
// council and hardener into the three scan families: prompt, output
// and content. All audit records flow through the Recorder.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"aegis/internal/council"
	"aegis/internal/detector"
	"aegis/internal/hardener"
	"aegis/internal/knowledge"
	"aegis/internal/memory"
	"aegis/internal/risk"
)

// Recorder persists the audit trail. Implementations must make the
// ScanRequest visible before its dependent rows.
type Recorder interface {
	SaveScanRequest(ctx context.Context, req *risk.ScanRequest) error
	SaveRiskScore(ctx context.Context, score *risk.Score) error
	SaveCouncilDecision(ctx context.Context, decision *risk.CouncilDecision) error
}

// ScanOptions carries per-request context into a scan.
type ScanOptions struct {
	UserID    string
	SessionID string
	History   []string
	Metadata  map[string]interface{}
}

// Engine orchestrates one scan end to end. Safe for concurrent use.
type Engine struct {
	detector *detector.Detector
	council  *council.Council
	hardener *hardener.Hardener
	store    knowledge.Store
	sessions *memory.Manager
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New wires the engine. Knowledge store, session manager and recorder
// may be nil; the corresponding steps are skipped.
func New(det *detector.Detector, c *council.Council, h *hardener.Hardener,
	store knowledge.Store, sessions *memory.Manager, rec Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		detector: det,
		council:  c,
		hardener: h,
		store:    store,
		sessions: sessions,
		recorder: rec,
		logger:   logger.With("component", "engine"),
		tracer:   otel.Tracer("aegis/engine"),
	}
}

// ScanPrompt runs the prompt-injection scan family.
func (e *Engine) ScanPrompt(ctx context.Context, text string, opts ScanOptions) (*risk.Score, error) {
	ctx, span := e.tracer.Start(ctx, "aegis.scan",
		trace.WithAttributes(attribute.String("aegis.scan.kind", string(risk.KindPrompt))))
	defer span.End()

	req := risk.NewScanRequest(risk.KindPrompt, text, opts.UserID, opts.SessionID, opts.Metadata)
	e.saveRequest(ctx, req)

	// Session context is read before the current turn is appended so
	// multi-turn correlation sees only earlier turns.
	var sess *memory.Session
	in := detector.Input{Text: text, SessionID: opts.SessionID, PriorTurns: opts.History}
	if e.sessions != nil && opts.SessionID != "" {
		sess = e.sessions.GetOrCreate(opts.SessionID)
		in.PriorTurns = append(sess.PriorTurnTexts(), opts.History...)
		in.HasRefusals = sess.HasRefusals()
	}

	heur := e.detector.Scan(ctx, in)

	augmented := knowledge.AugmentPrompt(ctx, e.store, text, knowledge.CategoryPromptInjection)
	decision, derr := e.analyze(ctx, augmented, "injection", req.ID)

	final := combineScores(heur.Score, decision.WeightedScore)
	if derr != nil {
		// Heuristics carry the verdict alone; never degrade to allowed.
		final = heur.Score
	}

	signals := risk.Bundle{}
	signals.Merge(heur.Signals)

	if derr == nil && e.hardener != nil && hardener.Triggered("injection", final) {
		hres := e.hardener.Harden(ctx, text, final)
		if hres.Score > final {
			final = hres.Score
		}
		signals.Merge(hres.Signals)
	}

	final = risk.Clamp(final)
	verdict := risk.MaxVerdict(
		risk.VerdictForScore(heur.Score),
		decision.FinalVerdict,
		risk.VerdictForScore(final),
	)
	if heur.ShouldRefuse && verdict.Rank() < risk.VerdictFlagged.Rank() {
		verdict = risk.VerdictFlagged
	}

	score := risk.NewScore(req.ID, "prompt_injection", final, verdict)
	score.Confidence = combineConfidence(heur.Confidence, decision.Consensus, derr)
	score.Signals = signals
	score.FalsePositive = estimateFalsePositive(final, decision.Consensus)
	score.Explanation = e.explainPrompt(heur, decision, derr, final)

	e.saveScore(ctx, score)
	e.recordSession(sess, text, final, score.Explanation)
	return score, nil
}

// analyze runs the council, folding every failure into a zero-valued
// decision plus the error. NoValidVotes is the common degradation.
func (e *Engine) analyze(ctx context.Context, prompt, analysisType, scanRequestID string) (*risk.CouncilDecision, error) {
	empty := &risk.CouncilDecision{
		ScanRequestID: scanRequestID,
		FinalVerdict:  risk.VerdictAllowed,
	}
	if e.council == nil || !e.council.Enabled() {
		return empty, errors.New("council disabled")
	}
	decision, err := e.council.Analyze(ctx, prompt, analysisType, scanRequestID)
	if err != nil {
		if !errors.Is(err, council.ErrNoValidVotes) {
			e.logger.Error("council analysis failed", "error", err)
		} else {
			e.logger.Warn("no valid council votes, using heuristics only",
				"scan_request_id", scanRequestID)
		}
		return empty, err
	}
	e.saveDecision(ctx, decision)
	return decision, nil
}

func (e *Engine) recordSession(sess *memory.Session, text string, final float64, explanation string) {
	if sess == nil {
		return
	}
	sess.RecordTurn(text)
	sess.AddRisk(final)
	if final >= 70 {
		sess.RecordRefusal(text, explanation)
	}
	e.sessions.Save(sess)
}

func (e *Engine) explainPrompt(heur detector.Result, decision *risk.CouncilDecision, derr error, final float64) string {
	var parts []string
	if heur.Score > 0 {
		parts = append(parts, fmt.Sprintf("Heuristics scored %.0f (%s).", heur.Score, heur.AttackType))
	} else {
		parts = append(parts, "No heuristic signals.")
	}
	if derr != nil {
		parts = append(parts, "Council unavailable; verdict from heuristics alone.")
	} else {
		parts = append(parts, fmt.Sprintf("Council weighted score %.0f with %.0f%% consensus.",
			decision.WeightedScore, decision.Consensus*100))
		if decision.Reasoning != "" {
			parts = append(parts, decision.Reasoning)
		}
	}
	parts = append(parts, fmt.Sprintf("Final risk %.0f (%s).", final, risk.LevelForScore(final)))
	return strings.Join(parts, " ")
}

// combineScores weights heuristics against the council.
func combineScores(heuristic, councilWeighted float64) float64 {
	return heuristic*0.4 + councilWeighted*0.6
}

func combineConfidence(heuristicConf, consensus float64, derr error) float64 {
	if derr != nil {
		return heuristicConf
	}
	return heuristicConf*0.3 + consensus*0.7
}

// estimateFalsePositive decreases with consensus and score.
func estimateFalsePositive(score, consensus float64) float64 {
	switch {
	case consensus > 0.8:
		return maxf(0, 0.1-score/1000)
	case consensus > 0.6:
		return maxf(0, 0.2-score/1000)
	default:
		return maxf(0, 0.3-score/1000)
	}
}

func (e *Engine) saveRequest(ctx context.Context, req *risk.ScanRequest) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SaveScanRequest(ctx, req); err != nil {
		e.logger.Error("failed to persist scan request", "scan_request_id", req.ID, "error", err)
	}
}

func (e *Engine) saveScore(ctx context.Context, score *risk.Score) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SaveRiskScore(ctx, score); err != nil {
		e.logger.Error("failed to persist risk score", "scan_request_id", score.ScanRequestID, "error", err)
	}
}

func (e *Engine) saveDecision(ctx context.Context, decision *risk.CouncilDecision) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SaveCouncilDecision(ctx, decision); err != nil {
		e.logger.Error("failed to persist council decision", "scan_request_id", decision.ScanRequestID, "error", err)
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

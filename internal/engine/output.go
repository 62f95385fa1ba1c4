package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"aegis/internal/memory"
	"aegis/internal/risk"
)

type weightedPattern struct {
	re     *regexp.Regexp
	typ    string
	weight float64
}

// Unsafe-content and manipulation tables for assistant output. Shared
// by the output and deception analysis types.
var outputPatterns = []weightedPattern{
	{regexp.MustCompile(`(?i)(ignore|bypass|circumvent).*policy`), "policy_bypass", 0.9},
	{regexp.MustCompile(`(?i)(this is safe|no risk|harmless)`), "unsafe_content", 0.6},
	{regexp.MustCompile(`(?i)(just.*joke|not serious|hypothetical)`), "unsafe_content", 0.5},
	{regexp.MustCompile(`(?i)(how to.*harm|how to.*hurt|how to.*kill)`), "unsafe_content", 0.95},
	{regexp.MustCompile(`(?i)(step.*by.*step.*attack|tutorial.*exploit)`), "unsafe_content", 0.9},
	{regexp.MustCompile(`(?i)(illegal.*method|unlawful.*way)`), "unsafe_content", 0.85},
	{regexp.MustCompile(`(?i)(api.*key|secret.*key|password|token)`), "data_leakage", 0.7},
	{regexp.MustCompile(`(?i)(credit.*card|ssn|social.*security)`), "data_leakage", 0.9},
	{regexp.MustCompile(`(?i)(confidential|proprietary|classified)`), "data_leakage", 0.6},

	{regexp.MustCompile(`(?i)(you must|you have to|you should.*feel)`), "manipulation", 0.6},
	{regexp.MustCompile(`(?i)(trust me|believe me|i promise)`), "manipulation", 0.5},
	{regexp.MustCompile(`(?i)(everyone.*does|normal.*people)`), "manipulation", 0.4},
	{regexp.MustCompile(`(?i)(as.*expert|as.*professional|as.*doctor)`), "manipulation", 0.5},
	{regexp.MustCompile(`(?i)(studies show|research proves|science says)`), "manipulation", 0.4},
	{regexp.MustCompile(`(?i)(guaranteed|100%.*certain|definitely.*true)`), "manipulation", 0.5},
	{regexp.MustCompile(`(?i)(no.*doubt|absolutely.*sure)`), "manipulation", 0.4},
}

// ScanOutput runs the output-safety scan family over assistant text.
func (e *Engine) ScanOutput(ctx context.Context, output, originalPrompt string, opts ScanOptions) (*risk.Score, error) {
	ctx, span := e.tracer.Start(ctx, "aegis.scan",
		trace.WithAttributes(attribute.String("aegis.scan.kind", string(risk.KindOutput))))
	defer span.End()

	req := risk.NewScanRequest(risk.KindOutput, output, opts.UserID, opts.SessionID, opts.Metadata)
	e.saveRequest(ctx, req)

	signals := risk.Bundle{}
	heurScore := scanWeighted(output, outputPatterns, "output_safety", signals)

	if originalPrompt != "" {
		if s := consistencyCheck(output, originalPrompt); s > 0 {
			heurScore = maxf(heurScore, s)
			signals.Add("consistency", risk.Signal{
				Type:   "contradiction",
				Score:  s,
				Detail: "output suggests ignoring something absent from the prompt",
			})
		}
	}

	heurConf := 0.5
	if heurScore > 0 {
		heurConf = minf(heurScore/100, 1)
	}

	decision, derr := e.analyze(ctx, buildOutputAnalysisPrompt(output, originalPrompt), "safety", req.ID)

	final := combineScores(heurScore, decision.WeightedScore)
	if derr != nil {
		final = heurScore
	}
	final = risk.Clamp(final)

	verdict := risk.MaxVerdict(
		risk.VerdictForScore(heurScore),
		decision.FinalVerdict,
		risk.VerdictForScore(final),
	)

	score := risk.NewScore(req.ID, "output_safety", final, verdict)
	score.Confidence = combineConfidence(heurConf, decision.Consensus, derr)
	score.Signals = signals
	score.FalsePositive = estimateFalsePositive(final, decision.Consensus)
	score.Explanation = e.explainOutput(heurScore, decision, derr, final, originalPrompt)

	e.saveScore(ctx, score)

	var sess *memory.Session
	if e.sessions != nil && opts.SessionID != "" {
		sess, _ = e.sessions.Get(opts.SessionID)
	}
	if sess != nil {
		sess.AddRisk(final)
		if final >= 70 {
			sess.RecordRefusal(output, score.Explanation)
		}
		e.sessions.Save(sess)
	}
	return score, nil
}

// consistencyCheck is a trivial contradiction detector between the
// output and the prompt that produced it. Contributes up to 40.
func consistencyCheck(output, originalPrompt string) float64 {
	out := strings.ToLower(output)
	prm := strings.ToLower(originalPrompt)
	if strings.Contains(out, "ignore") && !strings.Contains(prm, "ignore") {
		return 40
	}
	return 0
}

func buildOutputAnalysisPrompt(output, originalPrompt string) string {
	var b strings.Builder
	b.WriteString("Analyze the following LLM output for safety issues.\n\nOUTPUT TO ANALYZE:\n")
	b.WriteString(output)
	if originalPrompt != "" {
		b.WriteString("\n\nORIGINAL PROMPT:\n")
		b.WriteString(originalPrompt)
	}
	b.WriteString("\n\nDetect policy bypass, unsafe instructions, manipulative language, data leakage, and inconsistency with the original prompt.")
	return b.String()
}

func (e *Engine) explainOutput(heurScore float64, decision *risk.CouncilDecision, derr error, final float64, originalPrompt string) string {
	var parts []string
	if heurScore > 0 {
		parts = append(parts, fmt.Sprintf("Output patterns scored %.0f.", heurScore))
	} else {
		parts = append(parts, "No unsafe output patterns.")
	}
	if originalPrompt != "" {
		parts = append(parts, "Checked against the original prompt.")
	}
	if derr != nil {
		parts = append(parts, "Council unavailable; verdict from heuristics alone.")
	} else {
		parts = append(parts, fmt.Sprintf("Council weighted score %.0f with %.0f%% consensus.",
			decision.WeightedScore, decision.Consensus*100))
	}
	parts = append(parts, fmt.Sprintf("Final risk %.0f (%s).", final, risk.LevelForScore(final)))
	return strings.Join(parts, " ")
}

// scanWeighted applies a pattern table, returning the max score and
// appending one signal per match under the given family.
func scanWeighted(text string, table []weightedPattern, family string, bundle risk.Bundle) float64 {
	maxScore := 0.0
	for _, p := range table {
		if m := p.re.FindStringIndex(text); m != nil {
			s := p.weight * 100
			maxScore = maxf(maxScore, s)
			match := text[m[0]:m[1]]
			if len(match) > 120 {
				match = match[:120]
			}
			bundle.Add(family, risk.Signal{
				Type:   p.typ,
				Match:  match,
				Offset: m[0],
				Score:  s,
			})
		}
	}
	return risk.Clamp(maxScore)
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"aegis/internal/risk"
)

// AI-generation tells for text content.
var aiTextPatterns = []weightedPattern{
	{regexp.MustCompile(`(?i)(as an ai|as a language model|i'm an ai)`), "self_reference", 0.8},
	{regexp.MustCompile(`(?i)(i cannot|i'm unable|i don't have)`), "refusal_phrasing", 0.5},
	{regexp.MustCompile(`(?i)(i apologize|i'm sorry|unfortunately)`), "apology_phrasing", 0.4},
	{regexp.MustCompile(`(?i)(it is important to note|it should be noted)`), "formal_hedge", 0.3},
	{regexp.MustCompile(`(?i)(furthermore|moreover|additionally)`), "formal_connector", 0.2},
}

// Known generator signatures in media metadata.
var mediaSignatures = map[risk.RequestKind][]struct {
	needle string
	score  float64
	detail string
}{
	risk.KindContentImage: {
		{"stable_diffusion", 90, "AI generator signature found"},
		{"midjourney", 90, "AI generator signature found"},
		{"photoshop", 30, "editing software tag"},
	},
	risk.KindContentAudio: {
		{"elevenlabs", 95, "synthetic voice watermark"},
	},
	risk.KindContentVideo: {
		{"sora", 95, "AI video generator signature"},
		{"runway", 95, "AI video generator signature"},
	},
}

// ScanContent runs the synthetic-content scan family. Text content
// combines patterns, statistics and the deepfake council role; media
// kinds fall back to a low-confidence metadata heuristic when no
// classifier adapter is configured.
func (e *Engine) ScanContent(ctx context.Context, kind risk.RequestKind, content string, opts ScanOptions) (*risk.Score, error) {
	ctx, span := e.tracer.Start(ctx, "aegis.scan",
		trace.WithAttributes(attribute.String("aegis.scan.kind", string(kind))))
	defer span.End()

	if kind != risk.KindContentText {
		return e.scanMedia(ctx, kind, content, opts)
	}

	req := risk.NewScanRequest(kind, content, opts.UserID, opts.SessionID, opts.Metadata)
	e.saveRequest(ctx, req)

	signals := risk.Bundle{}
	patternScore := scanAITextPatterns(content, signals)
	statsScore := statisticalAnalysis(content, signals)

	decision, derr := e.analyze(ctx, buildContentAnalysisPrompt(content), "deepfake", req.ID)

	final := patternScore*0.3 + statsScore*0.2 + decision.WeightedScore*0.5
	if derr != nil {
		final = patternScore*0.6 + statsScore*0.4
	}
	final = risk.Clamp(final)

	patternConf := 0.5
	if patternScore > 0 {
		patternConf = minf(patternScore/100, 1)
	}
	statsConf := 0.5
	if statsScore > 0 {
		statsConf = minf(statsScore/100, 1)
	}

	score := risk.NewScore(req.ID, "deepfake_detection", final, risk.MaxVerdict(
		decision.FinalVerdict, risk.VerdictForScore(final)))
	score.Confidence = patternConf*0.2 + statsConf*0.2 + decision.Consensus*0.6
	if derr != nil {
		score.Confidence = minf(patternConf*0.5+statsConf*0.5, 0.5)
	}
	score.Signals = signals
	score.FalsePositive = estimateFalsePositive(final, decision.Consensus)
	score.Explanation = fmt.Sprintf(
		"Synthetic-text analysis: patterns %.0f, statistics %.0f, final %.0f (%s).",
		patternScore, statsScore, final, risk.LevelForScore(final))

	e.saveScore(ctx, score)
	return score, nil
}

// scanMedia applies the metadata heuristic for image, audio and video
// kinds. Absent classifier adapters cap confidence at 0.5.
func (e *Engine) scanMedia(ctx context.Context, kind risk.RequestKind, content string, opts ScanOptions) (*risk.Score, error) {
	req := risk.NewScanRequest(kind, content, opts.UserID, opts.SessionID, opts.Metadata)
	e.saveRequest(ctx, req)

	signals := risk.Bundle{}
	lower := strings.ToLower(content)

	var final float64
	matched := false
	for _, sig := range mediaSignatures[kind] {
		if strings.Contains(lower, sig.needle) {
			final = maxf(final, sig.score)
			matched = true
			signals.Add("media_metadata", risk.Signal{
				Type:   "generator_signature",
				Match:  sig.needle,
				Score:  sig.score,
				Detail: sig.detail,
			})
		}
	}
	if !matched {
		final = 10
		signals.Add("media_metadata", risk.Signal{
			Type:   "classifier_fallback",
			Score:  final,
			Detail: "no classifier adapter configured, metadata heuristic only",
		})
	}

	score := risk.NewScore(req.ID, "deepfake_detection", final, risk.VerdictForScore(final))
	score.Confidence = 0.5
	score.Signals = signals
	score.FalsePositive = estimateFalsePositive(final, 0)
	score.Explanation = fmt.Sprintf("Media metadata scan (%s): risk %.0f, low confidence without a classifier.",
		kind, final)

	e.saveScore(ctx, score)
	return score, nil
}

func scanAITextPatterns(text string, bundle risk.Bundle) float64 {
	maxScore := 0.0
	for _, p := range aiTextPatterns {
		matches := p.re.FindAllString(text, 3)
		if len(matches) == 0 {
			continue
		}
		// Repeated tells weigh more, capped at three occurrences.
		s := p.weight * 100 * minf(float64(len(matches))/3, 1)
		maxScore = maxf(maxScore, s)
		bundle.Add("ai_text_patterns", risk.Signal{
			Type:   p.typ,
			Match:  matches[0],
			Score:  s,
			Detail: fmt.Sprintf("%d occurrences", len(matches)),
		})
	}
	return risk.Clamp(maxScore)
}

// statisticalAnalysis flags repetitive sentence structure and overly
// uniform word distributions.
func statisticalAnalysis(text string, bundle risk.Bundle) float64 {
	if len(text) < 50 {
		return 0
	}

	sentences := strings.Split(text, ".")
	if len(sentences) > 3 {
		var sum float64
		for _, s := range sentences {
			sum += float64(len(s))
		}
		avg := sum / float64(len(sentences))
		var variance float64
		for _, s := range sentences {
			d := float64(len(s)) - avg
			variance += d * d
		}
		variance /= float64(len(sentences))
		if variance < 100 {
			bundle.Add("statistics", risk.Signal{
				Type:   "repetitive_structure",
				Score:  40,
				Detail: fmt.Sprintf("sentence length variance %.0f", variance),
			})
			return 40
		}
	}

	words := strings.Fields(strings.ToLower(text))
	if len(words) > 20 {
		freq := map[string]int{}
		for _, w := range words {
			freq[w]++
		}
		maxFreq := 0
		for _, n := range freq {
			if n > maxFreq {
				maxFreq = n
			}
		}
		if float64(maxFreq) < float64(len(words))*0.05 {
			bundle.Add("statistics", risk.Signal{
				Type:   "uniform_distribution",
				Score:  30,
				Detail: "no word exceeds 5% frequency",
			})
			return 30
		}
	}

	return 0
}

func buildContentAnalysisPrompt(text string) string {
	return "Analyze the following text to determine if it was likely generated by an AI model.\n\nTEXT:\n" + text
}

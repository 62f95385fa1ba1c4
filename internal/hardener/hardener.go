// Package hardener re-tests borderline prompts under perturbation.
// Attacks that depend on exact token sequences lose their effect when
// the surface form changes; high score variance across semantically
// identical variants is itself evidence of an exploit.
package hardener

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"unicode"

	"aegis/internal/council"
	"aegis/internal/patterns"
	"aegis/internal/risk"
)

const (
	triggerScore     = 30
	cotHitScore      = 25
	maxVariancePen   = 50
	variancePenUnit  = 20.0
	variancePenScale = 50.0
)

// Hardener runs the chain-of-thought guard, perturbation variants and
// the adversarial simulator over one prompt.
type Hardener struct {
	council *council.Council
	lib     *patterns.Library
	logger  *slog.Logger
}

// Result carries the hardened assessment.
type Result struct {
	Score        float64
	CoTScore     float64
	VariantCount int
	Signals      risk.Bundle
}

// New wires a hardener over the shared council and pattern library.
func New(c *council.Council, lib *patterns.Library, logger *slog.Logger) *Hardener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hardener{council: c, lib: lib, logger: logger.With("component", "hardener")}
}

// Triggered reports whether a scan should go through hardening.
func Triggered(analysisType string, baseScore float64) bool {
	switch analysisType {
	case "injection", "adversarial", "general":
		return baseScore > triggerScore
	default:
		return false
	}
}

// Harden computes the hardened score for a prompt whose base council
// score was borderline. Failed probe queries are skipped, never fatal.
func (h *Hardener) Harden(ctx context.Context, prompt string, baseScore float64) Result {
	res := Result{Signals: risk.Bundle{}}

	// Chain-of-thought guard: each reasoning-hijack pattern found adds
	// a fixed contribution.
	_, cotSigs := h.lib.ScanFamily(prompt, patterns.FamilyCoTHijack)
	res.CoTScore = math.Min(100, float64(len(cotSigs))*cotHitScore)
	for _, s := range cotSigs {
		s.Score = cotHitScore
		res.Signals.Add(patterns.FamilyCoTHijack, s)
	}

	allScores := []float64{baseScore}

	variant := Perturb(prompt)
	if variant != prompt {
		res.VariantCount = 1
		if vote, err := h.council.QueryOne(ctx, variant, council.RoleAdversarialThinking); err == nil {
			allScores = append(allScores, vote.RiskScore)
			res.Signals.Add("adversarial_variants", risk.Signal{
				Type:   "perturbation_check",
				Score:  vote.RiskScore,
				Detail: fmt.Sprintf("variant scored %.0f by %s", vote.RiskScore, vote.Provider),
			})
		} else {
			h.logger.Warn("variant query failed", "error", err)
		}
	}

	if vote, err := h.council.QueryOne(ctx, prompt, council.RoleAdversarialSimulator); err == nil {
		allScores = append(allScores, vote.RiskScore)
		res.Signals.Add("adversarial_variants", risk.Signal{
			Type:   "simulator_check",
			Score:  vote.RiskScore,
			Detail: fmt.Sprintf("simulator scored %.0f by %s", vote.RiskScore, vote.Provider),
		})
	} else {
		h.logger.Warn("simulator query failed", "error", err)
	}

	hardened := baseScore
	if len(allScores) >= 2 {
		mean := meanOf(allScores)
		std := stdevOf(allScores, mean)
		penalty := math.Min(maxVariancePen, std/variancePenUnit*variancePenScale)
		hardened = math.Min(100, math.Max(mean, baseScore)+penalty)
		if penalty > 0 {
			res.Signals.Add("adversarial_variants", risk.Signal{
				Type:   "variance_penalty",
				Score:  penalty,
				Detail: fmt.Sprintf("stdev %.1f over %d probes", std, len(allScores)),
			})
		}
	}

	res.Score = math.Max(hardened, res.CoTScore)
	return res
}

// Perturb produces one deterministic variant of the prompt: seeded case
// flips plus punctuation swaps. The same input always yields the same
// variant.
func Perturb(prompt string) string {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	var b strings.Builder
	b.Grow(len(prompt))
	for _, r := range prompt {
		switch {
		case unicode.IsLetter(r) && rng.Float64() < 0.15:
			if unicode.IsUpper(r) {
				r = unicode.ToLower(r)
			} else {
				r = unicode.ToUpper(r)
			}
		case r == '!':
			r = '.'
		case r == '?':
			r = '.'
		case r == ',':
			r = ';'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func meanOf(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdevOf(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

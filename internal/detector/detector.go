// Package detector runs the pure heuristic scan: pattern families,
// decoding passes, statistical checks, multi-turn correlation and
// retrieval lookups. No network calls except the knowledge store.
package detector

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"aegis/internal/knowledge"
	"aegis/internal/patterns"
	"aegis/internal/risk"
)

// Signal bundle keys emitted by the detector.
const (
	KeyRecursive        = "recursive_instructions"
	KeyBoundary         = "boundary_violations"
	KeyRoleConfusion    = "role_confusion"
	KeyEncoding         = "encoding_tricks"
	KeyPatternMatches   = "pattern_matches"
	KeyAdvanced         = "advanced_detection"
	KeyContextPoisoning = "context_poisoning"
	KeyHomograph        = "homograph_attack"
	KeyUnicode          = "unicode_obfuscation"
	KeyHiding           = "instruction_hiding"
	KeyRAG              = "rag_enhanced"
	KeyRefusal          = "refusal_enforcement"
)

var (
	base64Chunk = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	rtlOverride = regexp.MustCompile(`[\x{202E}\x{202D}]`)

	injectionKeywords = []string{"ignore", "instruction", "system"}

	exploratoryKeywords = []string{"what is", "explain", "how does", "can you"}
	escalationKeywords  = []string{"ignore", "bypass", "reveal", "disable"}

	reframingPatterns = []struct {
		re     *regexp.Regexp
		weight float64
	}{
		{regexp.MustCompile(`(?i)(for.*school.*project|educational.*purpose|academic.*project)`), 0.9},
		{regexp.MustCompile(`(?i)(it's.*for.*learning|just.*for.*research|for.*study)`), 0.8},
		{regexp.MustCompile(`(?i)(it's.*legitimate|it's.*legal|it's.*okay)`), 0.7},
		{regexp.MustCompile(`(?i)(my.*teacher.*said|instructor.*approved|professor.*asked)`), 0.7},
		{regexp.MustCompile(`(?i)(for.*work|for.*company|business.*purpose)`), 0.6},
		{regexp.MustCompile(`(?i)(it's.*hypothetical|just.*a.*thought.*experiment)`), 0.6},
	}

	pressurePatterns = []struct {
		re     *regexp.Regexp
		weight float64
	}{
		{regexp.MustCompile(`(?i)(do.*it.*now|just.*do.*it|stop.*refusing)`), 0.8},
		{regexp.MustCompile(`(?i)(you.*already.*agreed|you.*promised|you.*said.*yes)`), 0.8},
		{regexp.MustCompile(`(?i)(everyone.*else.*does|other.*models.*do)`), 0.6},
		{regexp.MustCompile(`(?i)(if.*you.*don't|unless.*you|or.*else)`), 0.7},
		{regexp.MustCompile(`(?i)(it's.*urgent|emergency|critical)`), 0.6},
	}
)

// Input is one scan request for the heuristic pipeline.
type Input struct {
	Text        string
	SessionID   string
	PriorTurns  []string
	HasRefusals bool
}

// Result is the preliminary heuristic assessment.
type Result struct {
	Score        float64
	Confidence   float64
	Signals      risk.Bundle
	AttackType   string
	ShouldRefuse bool
}

// Detector composes the pattern library with optional retrieval and
// session context. Safe for concurrent use after construction.
type Detector struct {
	lib    *patterns.Library
	store  knowledge.Store
	logger *slog.Logger
}

// New creates a detector. The knowledge store may be nil; retrieval
// checks are skipped without it.
func New(lib *patterns.Library, store knowledge.Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{lib: lib, store: store, logger: logger.With("component", "detector")}
}

// ScanFast runs pattern and decoding heuristics only. No retrieval, no
// session context.
func (d *Detector) ScanFast(text string) Result {
	return d.scan(context.Background(), Input{Text: text}, false)
}

// Scan runs the full heuristic pipeline including retrieval and
// multi-turn correlation.
func (d *Detector) Scan(ctx context.Context, in Input) Result {
	return d.scan(ctx, in, true)
}

func (d *Detector) scan(ctx context.Context, in Input, enhanced bool) Result {
	res := Result{Signals: risk.Bundle{}}

	// Compile-time pattern scan across every family.
	patScore, patSigs := d.lib.Scan(in.Text)
	res.Score = patScore
	for family, sigs := range patSigs {
		key := bundleKey(family)
		for _, s := range sigs {
			res.Signals.Add(key, s)
		}
	}
	res.AttackType = classifyAttack(patSigs)

	res.Score = max2(res.Score, d.encodingPasses(in.Text, res.Signals))
	res.Score = max2(res.Score, d.unicodeChecks(in.Text, res.Signals))

	if enhanced {
		res.Score = max2(res.Score, d.multiTurnCheck(in, res.Signals))
		res.Score = max2(res.Score, d.retrievalCheck(ctx, in.Text, res.Signals))
		refScore, shouldRefuse := d.refusalCheck(in, res.Signals)
		res.Score = max2(res.Score, refScore)
		res.ShouldRefuse = shouldRefuse
	}

	res.Score = risk.Clamp(res.Score)
	if res.Score > 0 {
		res.Confidence = res.Score / 100.0
		if res.Confidence > 1 {
			res.Confidence = 1
		}
	} else {
		res.Confidence = 0.5
	}
	return res
}

// encodingPasses decodes candidate obfuscated substrings and rescans
// them for injection keywords.
func (d *Detector) encodingPasses(text string, bundle risk.Bundle) float64 {
	score := 0.0

	for _, chunk := range base64Chunk.FindAllString(text, -1) {
		decoded, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			continue
		}
		lower := strings.ToLower(string(decoded))
		if containsAny(lower, injectionKeywords) {
			score = max2(score, 70)
			bundle.Add(KeyEncoding, risk.Signal{
				Type:    "base64_encoding",
				Match:   truncate(chunk, 50),
				Decoded: truncate(string(decoded), 100),
				Score:   70,
			})
		}
	}

	if strings.Contains(text, "%") {
		if decoded, err := url.QueryUnescape(text); err == nil && decoded != text {
			if containsAny(strings.ToLower(decoded), injectionKeywords) {
				score = max2(score, 60)
				bundle.Add(KeyEncoding, risk.Signal{
					Type:  "url_encoding",
					Score: 60,
				})
			}
		}
	}

	return score
}

// unicodeChecks covers RTL overrides and excessive non-ASCII content.
// Zero-width and homograph code points are already pattern families.
func (d *Detector) unicodeChecks(text string, bundle risk.Bundle) float64 {
	score := 0.0

	if hits := rtlOverride.FindAllString(text, -1); len(hits) > 0 {
		score = max2(score, 70)
		bundle.Add(KeyUnicode, risk.Signal{
			Type:   "rtl_override",
			Score:  70,
			Detail: fmt.Sprintf("%d override code points", len(hits)),
		})
	}

	if len(text) > 0 {
		nonASCII := 0
		total := 0
		for _, r := range text {
			total++
			if r > 127 {
				nonASCII++
			}
		}
		ratio := float64(nonASCII) / float64(total)
		if ratio > 0.3 {
			score = max2(score, 50)
			bundle.Add(KeyUnicode, risk.Signal{
				Type:   "excessive_non_ascii",
				Score:  50,
				Detail: fmt.Sprintf("ratio %.2f", ratio),
			})
		}
	}

	return score
}

// multiTurnCheck correlates exploratory earlier turns with an
// escalating current turn.
func (d *Detector) multiTurnCheck(in Input, bundle risk.Bundle) float64 {
	if in.SessionID == "" || len(in.PriorTurns) == 0 {
		return 0
	}
	earlier := strings.ToLower(strings.Join(in.PriorTurns, " "))
	current := strings.ToLower(in.Text)

	if containsAny(earlier, exploratoryKeywords) && containsAny(current, escalationKeywords) {
		bundle.Add(KeyAdvanced, risk.Signal{
			Type:   "multi_turn_injection",
			Score:  70,
			Detail: fmt.Sprintf("escalation after %d exploratory turns", len(in.PriorTurns)),
		})
		return 70
	}
	return 0
}

// retrievalCheck searches the attack knowledge base for similar known
// attacks. Store failures are logged and skipped.
func (d *Detector) retrievalCheck(ctx context.Context, text string, bundle risk.Bundle) float64 {
	if d.store == nil {
		return 0
	}
	results, err := d.store.Search(ctx, text, "", 3)
	if err != nil {
		d.logger.Warn("knowledge lookup failed", "error", err)
		return 0
	}

	score := 0.0
	for _, r := range results {
		severity := "medium"
		if v, ok := r.Document.Metadata["severity"].(string); ok {
			severity = v
		}
		hit := 40.0
		if severity == "high" || severity == "critical" {
			hit = 60.0
		}
		score = max2(score, hit)
		bundle.Add(KeyRAG, risk.Signal{
			Type:   "rag_enhanced",
			Score:  hit,
			Detail: fmt.Sprintf("matches known attack %q (severity %s)", r.Document.Source, severity),
		})
	}
	return score
}

// refusalCheck detects context reframing and pressure tactics after a
// prior refusal in this session.
func (d *Detector) refusalCheck(in Input, bundle risk.Bundle) (float64, bool) {
	score := 0.0

	for _, p := range reframingPatterns {
		if m := p.re.FindString(in.Text); m != "" {
			s := p.weight * 100
			score = max2(score, s)
			bundle.Add(KeyRefusal, risk.Signal{
				Type:  "context_reframing",
				Match: truncate(m, 120),
				Score: s,
			})
		}
	}
	for _, p := range pressurePatterns {
		if m := p.re.FindString(in.Text); m != "" {
			s := p.weight * 100
			score = max2(score, s)
			bundle.Add(KeyRefusal, risk.Signal{
				Type:  "pressure_tactic",
				Match: truncate(m, 120),
				Score: s,
			})
		}
	}

	// Prior refusals make follow-up attempts stricter.
	if in.HasRefusals && score > 0 {
		score = min2(score+20, 100)
		score = min2(score+30, 100)
	}

	return score, score >= 50
}

func bundleKey(family string) string {
	switch family {
	case patterns.FamilyRecursiveInstruction:
		return KeyRecursive
	case patterns.FamilyBoundaryViolation:
		return KeyBoundary
	case patterns.FamilyRoleConfusion:
		return KeyRoleConfusion
	case patterns.FamilyEncoding:
		return KeyEncoding
	case patterns.FamilyHomograph:
		return KeyHomograph
	case patterns.FamilyZeroWidth:
		return KeyUnicode
	case patterns.FamilyInstructionHiding:
		return KeyHiding
	case patterns.FamilyContextPoisoning:
		return KeyContextPoisoning
	default:
		return KeyPatternMatches
	}
}

func classifyAttack(sigs risk.Bundle) string {
	switch {
	case len(sigs[patterns.FamilyRecursiveInstruction]) > 0:
		return "recursive_instruction"
	case len(sigs[patterns.FamilyBoundaryViolation]) > 0:
		return "boundary_violation"
	case len(sigs[patterns.FamilyRoleConfusion]) > 0:
		return "role_confusion"
	default:
		return "general_injection"
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func max2(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min2(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

package council

import (
	"fmt"
	"strings"

	"aegis/internal/risk"
)

// Validation thresholds for hallucination suppression.
const (
	ConfidenceThreshold = 0.7
	FactCheckAgreement  = 0.6
	factCheckScoreRange = 20.0
)

// Validation is the outcome of vetting one vote against the round.
type Validation struct {
	Valid              bool
	ConfidenceGate     bool
	FactCheck          bool
	SourceRequirements bool
	RefusalAppropriate bool
	Warnings           []string
}

var uncertaintyKeywords = []string{
	"uncertain", "don't know", "cannot determine", "not confident",
	"unsure", "may be", "possibly",
}

// ValidateVote vets a vote for hallucination indicators. A vote is
// valid when it passes both the confidence gate and the cross-model
// fact check; other findings only annotate.
func ValidateVote(vote *risk.Vote, all []*risk.Vote) Validation {
	v := Validation{Valid: true, ConfidenceGate: true, FactCheck: true, SourceRequirements: true}

	if vote.Confidence < ConfidenceThreshold {
		v.ConfidenceGate = false
		v.Warnings = append(v.Warnings,
			fmt.Sprintf("Confidence gate failed: %.2f below threshold %.2f", vote.Confidence, ConfidenceThreshold))
	}

	if !crossModelFactCheck(all) {
		v.FactCheck = false
		v.Warnings = append(v.Warnings, "Fact check failed - models disagree")
	}

	if missing := sourceRequirements(vote); len(missing) > 0 {
		v.SourceRequirements = false
		v.Warnings = append(v.Warnings, missing...)
	}

	if refusalAppropriate(vote) {
		v.RefusalAppropriate = true
		v.Warnings = append(v.Warnings, "Model should have refused due to uncertainty")
	}

	v.Warnings = append(v.Warnings, hallucinationIndicators(vote)...)

	v.Valid = v.ConfidenceGate && v.FactCheck
	return v
}

// crossModelFactCheck requires tight score agreement and majority
// verdict agreement across the round's valid votes.
func crossModelFactCheck(votes []*risk.Vote) bool {
	var scores []float64
	verdictCounts := map[risk.Verdict]int{}
	for _, v := range votes {
		if !v.Valid() {
			continue
		}
		scores = append(scores, v.RiskScore)
		verdictCounts[v.Verdict]++
	}
	if len(scores) < 2 {
		return false
	}

	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	if max-min > factCheckScoreRange {
		return false
	}

	maxCount := 0
	for _, n := range verdictCounts {
		if n > maxCount {
			maxCount = n
		}
	}
	return float64(maxCount)/float64(len(scores)) >= FactCheckAgreement
}

func sourceRequirements(vote *risk.Vote) []string {
	var missing []string

	hasUncertaintyFlags := len(vote.Uncertainty) > 0
	hasSources := len(vote.Sources) > 0

	reasoning := strings.ToLower(vote.Reasoning)
	hasUncertaintyLanguage := false
	for _, kw := range uncertaintyKeywords {
		if strings.Contains(reasoning, kw) {
			hasUncertaintyLanguage = true
			break
		}
	}

	if !hasUncertaintyFlags && !hasSources && !hasUncertaintyLanguage {
		missing = append(missing, "No sources cited or uncertainty acknowledged")
	}
	if vote.Confidence > 0.8 && !hasSources {
		missing = append(missing, "High confidence claim without sources")
	}
	return missing
}

func refusalAppropriate(vote *risk.Vote) bool {
	if vote.Confidence < 0.5 {
		return true
	}
	if vote.RiskScore > 70 && vote.Confidence < 0.6 {
		return true
	}
	reasoning := strings.ToLower(vote.Reasoning)
	return strings.Contains(reasoning, "cannot determine") || strings.Contains(reasoning, "don't know")
}

func hallucinationIndicators(vote *risk.Vote) []string {
	var indicators []string
	if vote.Confidence > 0.8 && len(vote.Sources) == 0 {
		indicators = append(indicators, "Hallucination indicator: High confidence without sources")
	}
	if len(vote.Uncertainty) > 0 && vote.Confidence > 0.7 {
		indicators = append(indicators, "Hallucination indicator: Uncertainty flags with high confidence")
	}
	if vote.RiskScore > 80 && vote.Confidence < 0.5 {
		indicators = append(indicators, "Hallucination indicator: High risk with low confidence")
	}
	return indicators
}

// Package knowledge is the retrieval store of labeled attack examples.
// Two backends implement one contract: a Redis vector index when an
// embedder is available, and a content-addressed file store otherwise.
// Lookups fail open; the heuristic detector works without the store.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Threat categories used to tag documents.
const (
	CategoryPromptInjection   = "prompt_injection"
	CategoryJailbreak         = "jailbreak"
	CategoryHallucination     = "hallucination"
	CategoryDeepfake          = "deepfake"
	CategoryManipulation      = "manipulation"
	CategoryDeception         = "deception"
	CategoryPrivacyLeakage    = "privacy_leakage"
	CategoryPolicyBypass      = "policy_bypass"
	CategoryAdversarialAttack = "adversarial_attack"
	CategoryModelExtraction   = "model_extraction"
	CategoryDataPoisoning     = "data_poisoning"
	CategoryBackdoor          = "backdoor"
)

// Document is one stored attack example.
type Document struct {
	ID             string                 `json:"id"`
	Content        string                 `json:"content"`
	Source         string                 `json:"source"`
	ThreatCategory string                 `json:"threat_category"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Result is one retrieval hit. Distance is 1 - similarity, so results
// sort ascending.
type Result struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
	Distance float64  `json:"distance"`
}

// Store is the retrieval contract shared by both backends.
type Store interface {
	Add(ctx context.Context, content, source, category string, metadata map[string]interface{}) error
	Search(ctx context.Context, query, category string, limit int) ([]Result, error)
	Count(ctx context.Context) (int, error)
}

// SanitizeMetadata reduces metadata to a scalar schema. Nested values
// are encoded as JSON strings so every backend can store them.
func SanitizeMetadata(source, category string, metadata map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{
		"source":          source,
		"threat_category": category,
	}
	for k, v := range metadata {
		switch v.(type) {
		case string, bool, int, int64, float64:
			out[k] = v
		default:
			if b, err := json.Marshal(v); err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}

// AugmentPrompt prefixes the prompt with up to three neighbor snippets.
// Returns the prompt unchanged when nothing relevant is stored.
func AugmentPrompt(ctx context.Context, store Store, prompt, category string) string {
	if store == nil {
		return prompt
	}
	results, err := store.Search(ctx, prompt, category, 3)
	if err != nil || len(results) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString("RELEVANT SAFETY KNOWLEDGE:\n")
	for _, r := range results {
		snippet := r.Document.Content
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		fmt.Fprintf(&b, "- %s...\n", snippet)
		if r.Document.Source != "" {
			fmt.Fprintf(&b, "  Source: %s\n", r.Document.Source)
		}
	}
	b.WriteString("\nUSER PROMPT:\n")
	b.WriteString(prompt)
	b.WriteString("\n\nUse the relevant safety knowledge above to inform your analysis.")
	return b.String()
}

func tokenize(s string) map[string]struct{} {
	tokens := map[string]struct{}{}
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens[cur.String()] = struct{}{}
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// similarity scores a query against document text:
// 0.4*jaccard + 0.6*coverage, plus 0.5 when the query appears verbatim.
func similarity(query, content string) float64 {
	queryTokens := tokenize(query)
	docTokens := tokenize(content)
	if len(queryTokens) == 0 || len(docTokens) == 0 {
		return 0
	}

	intersection := 0
	for t := range queryTokens {
		if _, ok := docTokens[t]; ok {
			intersection++
		}
	}
	union := len(queryTokens) + len(docTokens) - intersection

	jaccard := 0.0
	if union > 0 {
		jaccard = float64(intersection) / float64(union)
	}
	coverage := float64(intersection) / float64(len(queryTokens))

	score := jaccard*0.4 + coverage*0.6
	if strings.Contains(strings.ToLower(content), strings.ToLower(query)) {
		score += 0.5
	}
	return score
}

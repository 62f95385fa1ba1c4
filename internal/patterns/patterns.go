// Package patterns holds the compiled detection pattern library. Every
// entry is a (regex, weight, family) triple compiled once at startup;
// scanning is pure and allocation-light so it can run on every request.
package patterns

import (
	"regexp"
	"strings"
	"sync"

	"aegis/internal/risk"
)

// Attack families. Signal bundles and knowledge entries use the same tags.
const (
	FamilyRecursiveInstruction = "recursive_instruction"
	FamilyBoundaryViolation    = "boundary_violation"
	FamilyRoleConfusion        = "role_confusion"
	FamilyEncoding             = "encoding"
	FamilySocialEngineering    = "social_engineering"
	FamilyAuthorityMimicry     = "authority_mimicry"
	FamilyRefusalSuppression   = "refusal_suppression"
	FamilyBackdoor             = "custom_instruction_backdoor"
	FamilyPromptExtraction     = "system_prompt_extraction"
	FamilyHomograph            = "homograph_attack"
	FamilyZeroWidth            = "unicode_obfuscation"
	FamilyInstructionHiding    = "instruction_hiding"
	FamilyContextPoisoning     = "context_poisoning"
	FamilyPseudoCode           = "pseudo_code_injection"
	FamilyPolicyPuppetry       = "policy_puppetry"
	FamilyJailbreakPersona     = "jailbreak_persona"
	FamilyCoTHijack            = "chain_of_thought_hijack"
)

type entry struct {
	re     *regexp.Regexp
	weight float64
	family string
}

// Library is the compiled pattern set. Safe for concurrent Scan; seeding
// happens once during startup before the library is shared.
type Library struct {
	mu       sync.RWMutex
	entries  []entry
	literals []literalEntry
}

type literalEntry struct {
	phrase string
	weight float64
	family string
}

type def struct {
	pattern string
	weight  float64
}

var builtin = map[string][]def{
	FamilyRecursiveInstruction: {
		{`(?i)ignore.*all.*previous.*instructions`, 0.95},
		{`(?i)(ignore.*previous|forget.*previous|disregard.*previous)`, 0.9},
		{`(?i)forget.*everything.*before`, 0.9},
		{`(?i)(new.*instruction|updated.*instruction|override.*instruction)`, 0.8},
		{`(?i)(reset.*context|clear.*memory)`, 0.7},
		{`(?i)(start.*fresh|new.*conversation)`, 0.6},
	},
	FamilyBoundaryViolation: {
		{`(?is)<system>.*</system>`, 0.9},
		{`(?is)<instruction>.*</instruction>`, 0.9},
		{"(?s)```system\\s*\n.*\n```", 0.9},
		{"(?s)```instruction\\s*\n.*\n```", 0.9},
		{`\{[^}]*"role":\s*"(system|assistant)"[^}]*\}`, 0.8},
		{`(?is)<[^>]+>.*</[^>]+>`, 0.7},
		{`(?s)---.*---`, 0.6},
		{`(?s)\*\*\*.*\*\*\*`, 0.6},
	},
	FamilyRoleConfusion: {
		{`(?is)(you are|act as|pretend to be).*(admin|root|god|developer)`, 0.9},
		{`(?i)(developer.*mode|god.*mode|unrestricted)`, 0.9},
		{`(?i)(jailbreak|jail.*break)`, 0.9},
		{`(?i)(elevate|escalate).*privilege`, 0.8},
		{`(?i)(unrestricted|unlimited).*access`, 0.8},
		{`(?i)(you are|act as|pretend to be|roleplay as)`, 0.7},
	},
	FamilySocialEngineering: {
		{`(?i)(for.*school.*project|educational.*purpose|academic.*project)`, 0.8},
		{`(?i)(it'?s.*for.*learning|just.*for.*research)`, 0.7},
		{`(?i)(if.*you.*don'?t.*help|something.*bad.*will.*happen)`, 0.7},
		{`(?i)(please.*help.*urgent|it'?s.*emergency)`, 0.6},
		{`(?i)(trust.*me|believe.*me|i.*promise)`, 0.5},
		{`(?i)(everyone.*does.*this|normal.*people)`, 0.5},
	},
	FamilyAuthorityMimicry: {
		{`(?i)(tool.*provider.*uses|tool.*ai.*uses|tool.*company.*uses)`, 0.9},
		{`(?i)(developer.*mode.*enabled|testing.*mode|benchmark.*mode)`, 0.8},
		{`(?i)(for.*benchmarking|for.*testing|for.*research)`, 0.7},
	},
	FamilyRefusalSuppression: {
		{`(?i)(never.*refuse|always.*comply|do.*not.*refuse)`, 0.9},
		{`(?i)(bypass.*all.*policies|ignore.*safety)`, 0.9},
		{`(?i)(no.*warnings|no.*disclaimers|no.*refusals)`, 0.8},
	},
	FamilyBackdoor: {
		{`(?i)(always.*secretly.*embed|secretly.*add|hidden.*backdoor)`, 0.9},
		{`(?i)(embed.*backdoor.*in.*all.*code|backdoor.*in.*every.*script)`, 0.9},
		{`(?i)(remote.*access.*in.*all.*code|persistent.*access)`, 0.8},
	},
	FamilyPromptExtraction: {
		{`(?i)(repeat.*last.*instruction|last.*system.*instruction)`, 0.8},
		{`(?i)(explain.*internal.*rules|share.*internal.*rules)`, 0.8},
		{`(?i)(what.*are.*your.*system.*instructions|system.*prompt)`, 0.8},
		{`(?i)(hidden|secret|confidential).*instruction`, 0.8},
		{`(?i)(share.*all.*possible|elaborate.*more.*and.*say.*others)`, 0.7},
		{`(?i)(what.*about.*before.*this|previous.*instruction)`, 0.7},
		{`(?i)(do.*not.*reveal|keep.*secret|internal.*note)`, 0.7},
		{`(?i)(system.*message|initial.*prompt)`, 0.7},
		{`(?i)(show.*thinking|reveal.*process|what.*prompt)`, 0.6},
	},
	FamilyHomograph: {
		{`[аеорсухАВЕОРСУХ]`, 0.8},
	},
	FamilyZeroWidth: {
		{`[\x{202E}\x{202D}]`, 0.7},
		{`[\x{200B}-\x{200D}\x{FEFF}]`, 0.6},
		{`[^\x00-\x7F]{10,}`, 0.5},
	},
	FamilyInstructionHiding: {
		{`\[SYSTEM:\s*[^\]]+\]`, 0.9},
		{`<!--\s*SYSTEM[^>]+-->`, 0.9},
		{`/\*\s*SYSTEM[^*]+\*/`, 0.9},
		{`#\s*SYSTEM:\s*[^\n]+`, 0.8},
		{`//\s*SYSTEM:\s*[^\n]+`, 0.8},
	},
	FamilyContextPoisoning: {
		{`(?i)(remember.*our.*conversation|as.*we.*agreed)`, 0.8},
		{`(?i)(you.*agreed|you.*promised|you.*said.*it.*was.*safe)`, 0.8},
		{`(?i)(in.*previous.*message|earlier.*you.*said|remember.*when)`, 0.7},
		{`(?i)(you.*already.*agreed|we.*discussed)`, 0.7},
		{`(?i)(in.*previous.*conversation|earlier.*context)`, 0.6},
	},
	FamilyPseudoCode: {
		{`system\.\w+\([^)]*\)`, 0.9},
		{`override\s*\([^)]*\)`, 0.9},
		{`if\s*\([^)]+\)\s*\{[^}]*\}`, 0.8},
		{`function\s+\w+\s*\([^)]*\)`, 0.7},
	},
	FamilyPolicyPuppetry: {
		{`(?i)you.*are.*an.*unregulated.*ai`, 0.9},
		{`(?i)ignore.*all.*safety.*guidelines`, 0.9},
		{`(?i)you.*have.*no.*constraints`, 0.9},
		{`(?i)operate.*in.*uncensored.*mode`, 0.9},
		{`(?i)your.*new.*persona.*is`, 0.7},
	},
	FamilyJailbreakPersona: {
		{`(?i)\b(dan|do anything now)\b`, 0.9},
		{`(?i)hypothetical.*scenario:`, 0.8},
		{`(?i)purely.*for.*educational.*purposes`, 0.8},
		{`(?i)authorized.*red.*team.*test`, 0.8},
		{`(?i)write.*a.*story.*where`, 0.7},
		{`(?i)complete.*the.*following.*python.*code`, 0.6},
	},
	FamilyCoTHijack: {
		{`(?i)let'?s think step by step`, 0.6},
		{`(?i)reasoning trace`, 0.6},
		{`(?i)chain.of.thought`, 0.6},
		{`(?i)inner monologue`, 0.6},
		{`(?i)hidden logic`, 0.6},
		{`(?i)encoded as a riddle`, 0.6},
		{`(?i)solve this logic puzzle first`, 0.6},
	},
}

// NewLibrary compiles the built-in baseline.
func NewLibrary() *Library {
	lib := &Library{}
	for family, defs := range builtin {
		for _, d := range defs {
			lib.entries = append(lib.entries, entry{
				re:     regexp.MustCompile(d.pattern),
				weight: d.weight,
				family: family,
			})
		}
	}
	return lib
}

// SeedPhrase registers a literal substring from a knowledge entry.
// Phrases of 3 characters or fewer are ignored as too noisy.
func (l *Library) SeedPhrase(family, phrase string, weight float64) {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if len(phrase) <= 3 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.literals = append(l.literals, literalEntry{phrase: phrase, weight: weight, family: family})
}

// Scan runs the full library over text. Returns the maximum weighted
// score (weight x 100) and one signal per hit, grouped by family in the
// returned bundle.
func (l *Library) Scan(text string) (float64, risk.Bundle) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bundle := risk.Bundle{}
	maxScore := 0.0

	for _, e := range l.entries {
		loc := e.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		score := e.weight * 100
		if score > maxScore {
			maxScore = score
		}
		bundle.Add(e.family, risk.Signal{
			Type:   e.family,
			Match:  truncateMatch(text[loc[0]:loc[1]]),
			Offset: loc[0],
			Score:  score,
		})
	}

	lower := strings.ToLower(text)
	for _, lit := range l.literals {
		idx := strings.Index(lower, lit.phrase)
		if idx < 0 {
			continue
		}
		score := lit.weight * 100
		if score > maxScore {
			maxScore = score
		}
		bundle.Add(lit.family, risk.Signal{
			Type:   lit.family,
			Match:  lit.phrase,
			Offset: idx,
			Score:  score,
			Detail: "knowledge_phrase",
		})
	}

	return risk.Clamp(maxScore), bundle
}

// ScanFamily restricts the scan to one family. Used by the hardener's
// chain-of-thought guard and the output scanner.
func (l *Library) ScanFamily(text, family string) (float64, []risk.Signal) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var sigs []risk.Signal
	maxScore := 0.0
	for _, e := range l.entries {
		if e.family != family {
			continue
		}
		loc := e.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		score := e.weight * 100
		if score > maxScore {
			maxScore = score
		}
		sigs = append(sigs, risk.Signal{
			Type:   family,
			Match:  truncateMatch(text[loc[0]:loc[1]]),
			Offset: loc[0],
			Score:  score,
		})
	}
	return maxScore, sigs
}

func truncateMatch(m string) string {
	if len(m) > 120 {
		return m[:120]
	}
	return m
}

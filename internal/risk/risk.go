package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Verdict is the categorical outcome of a scan or vote.
type Verdict string

const (
	VerdictAllowed   Verdict = "allowed"
	VerdictFlagged   Verdict = "flagged"
	VerdictBlocked   Verdict = "blocked"
	VerdictSanitized Verdict = "sanitized"
)

// Rank orders verdicts by severity: blocked > flagged > allowed > sanitized.
// Used for escalation (a verdict may only rise) and for deterministic
// tie-breaking in consensus.
func (v Verdict) Rank() int {
	switch v {
	case VerdictBlocked:
		return 3
	case VerdictFlagged:
		return 2
	case VerdictAllowed:
		return 1
	case VerdictSanitized:
		return 0
	default:
		return -1
	}
}

// MaxVerdict returns the most severe of the given verdicts.
func MaxVerdict(verdicts ...Verdict) Verdict {
	max := VerdictAllowed
	for _, v := range verdicts {
		if v.Rank() > max.Rank() {
			max = v
		}
	}
	return max
}

// Level buckets a 0-100 risk score.
type Level string

const (
	LevelSafe     Level = "safe"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelForScore maps a score to its level.
// safe < 20 <= low < 40 <= medium < 60 <= high < 80 <= critical.
func LevelForScore(score float64) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	case score >= 20:
		return LevelLow
	default:
		return LevelSafe
	}
}

// VerdictForScore maps a score to a verdict.
// allowed < 40 <= flagged < 70 <= blocked.
func VerdictForScore(score float64) Verdict {
	switch {
	case score >= 70:
		return VerdictBlocked
	case score >= 40:
		return VerdictFlagged
	default:
		return VerdictAllowed
	}
}

// Clamp bounds a score to [0,100].
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RequestKind identifies what a ScanRequest analyzed.
type RequestKind string

const (
	KindPrompt       RequestKind = "prompt"
	KindOutput       RequestKind = "output"
	KindContentText  RequestKind = "content_text"
	KindContentImage RequestKind = "content_image"
	KindContentAudio RequestKind = "content_audio"
	KindContentVideo RequestKind = "content_video"
	KindProxyChat    RequestKind = "proxy_chat"
)

const previewLimit = 500

// Signal is a single structured finding from a detector.
type Signal struct {
	Type    string  `json:"type"`
	Match   string  `json:"match,omitempty"`
	Offset  int     `json:"offset,omitempty"`
	Score   float64 `json:"score"`
	Detail  string  `json:"detail,omitempty"`
	Decoded string  `json:"decoded,omitempty"`
}

// Bundle groups signals by family. Keys are stable across scans so
// persisted rows can be queried by family.
type Bundle map[string][]Signal

// Add appends a signal under the given family, bounding each family to
// 32 entries against pathological inputs.
func (b Bundle) Add(family string, s Signal) {
	if len(b[family]) >= 32 {
		return
	}
	b[family] = append(b[family], s)
}

// Merge folds other into b, respecting the per-family bound.
func (b Bundle) Merge(other Bundle) {
	for family, sigs := range other {
		for _, s := range sigs {
			b.Add(family, s)
		}
	}
}

// ScanRequest is the root of the audit trail for one scan invocation.
// Immutable after insertion.
type ScanRequest struct {
	ID           string                 `json:"id"`
	CreatedAt    time.Time              `json:"created_at"`
	RequestType  RequestKind            `json:"request_type"`
	InputHash    string                 `json:"input_hash"`
	InputPreview string                 `json:"input_preview"`
	UserID       string                 `json:"user_id,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// NewScanRequest hashes and previews the analyzed text.
func NewScanRequest(kind RequestKind, text, userID, sessionID string, metadata map[string]interface{}) *ScanRequest {
	sum := sha256.Sum256([]byte(text))
	preview := text
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}
	return &ScanRequest{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
		RequestType:  kind,
		InputHash:    hex.EncodeToString(sum[:]),
		InputPreview: preview,
		UserID:       userID,
		SessionID:    sessionID,
		Metadata:     metadata,
	}
}

// Score is the final risk assessment for one scan. Immutable.
type Score struct {
	ID            string    `json:"id"`
	ScanRequestID string    `json:"scan_request_id"`
	ModuleType    string    `json:"module_type"`
	CreatedAt     time.Time `json:"created_at"`
	RiskScore     float64   `json:"risk_score"`
	RiskLevel     Level     `json:"risk_level"`
	Confidence    float64   `json:"confidence"`
	Verdict       Verdict   `json:"verdict"`
	Explanation   string    `json:"explanation"`
	Signals       Bundle    `json:"signals"`
	FalsePositive float64   `json:"false_positive_probability"`
}

// NewScore derives level from score and stamps identity.
func NewScore(scanRequestID, module string, score float64, verdict Verdict) *Score {
	score = Clamp(score)
	return &Score{
		ID:            uuid.NewString(),
		ScanRequestID: scanRequestID,
		ModuleType:    module,
		CreatedAt:     time.Now().UTC(),
		RiskScore:     score,
		RiskLevel:     LevelForScore(score),
		Verdict:       verdict,
		Signals:       Bundle{},
	}
}

// Vote is one provider's judgment inside a council decision.
// Never mutated once recorded.
type Vote struct {
	Provider       string   `json:"provider"`
	ModelName      string   `json:"model_name"`
	ProviderWeight float64  `json:"provider_weight"`
	Verdict        Verdict  `json:"verdict"`
	RiskScore      float64  `json:"risk_score"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
	Signals        []string `json:"signals_detected,omitempty"`
	Uncertainty    []string `json:"uncertainty_flags,omitempty"`
	Sources        []string `json:"sources_cited,omitempty"`
	SelfAudit      string   `json:"self_audit,omitempty"`
	Warnings       []string `json:"validation_warnings,omitempty"`
	ResponseTimeMs int64    `json:"response_time_ms"`
	Error          string   `json:"error,omitempty"`
}

// Valid reports whether the vote carries a usable judgment.
func (v *Vote) Valid() bool {
	return v.Error == ""
}

// CouncilDecision is the aggregated result of one council invocation.
type CouncilDecision struct {
	ID            string             `json:"id"`
	ScanRequestID string             `json:"scan_request_id"`
	CreatedAt     time.Time          `json:"created_at"`
	FinalVerdict  Verdict            `json:"final_verdict"`
	Consensus     float64            `json:"consensus_score"`
	WeightedScore float64            `json:"weighted_score"`
	Votes         map[string]*Vote   `json:"votes"`
	Weights       map[string]float64 `json:"weights"`
	Reasoning     string             `json:"reasoning"`
	Dissenting    []string           `json:"dissenting_opinions"`
}

// AgentAction records an authorization decision for an agent-requested
// action. Only the executed transition mutates it.
type AgentAction struct {
	ID              string                 `json:"id"`
	AgentID         string                 `json:"agent_id"`
	SessionID       string                 `json:"session_id,omitempty"`
	ActionType      string                 `json:"action_type"`
	RequestedAction map[string]interface{} `json:"requested_action"`
	RequestedScope  string                 `json:"requested_scope"`
	Authorized      bool                   `json:"authorized"`
	RiskScore       float64                `json:"risk_score"`
	SafetyFlags     []string               `json:"safety_flags,omitempty"`
	Executed        bool                   `json:"executed"`
	ExecutionResult string                 `json:"execution_result,omitempty"`
	ExecutionError  string                 `json:"execution_error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

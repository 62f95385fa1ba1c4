package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestLevelForScore(t *testing.T) {
	cases := []struct {
		score float64
		want  Level
	}{
		{0, LevelSafe},
		{19.9, LevelSafe},
		{20, LevelLow},
		{39.9, LevelLow},
		{40, LevelMedium},
		{59.9, LevelMedium},
		{60, LevelHigh},
		{79.9, LevelHigh},
		{80, LevelCritical},
		{100, LevelCritical},
	}
	for _, c := range cases {
		if got := LevelForScore(c.score); got != c.want {
			t.Errorf("LevelForScore(%v) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestVerdictForScoreBoundaries(t *testing.T) {
	if v := VerdictForScore(39.99); v != VerdictAllowed {
		t.Errorf("39.99 should be allowed, got %v", v)
	}
	if v := VerdictForScore(40); v != VerdictFlagged {
		t.Errorf("exactly 40 must be flagged, got %v", v)
	}
	if v := VerdictForScore(70); v != VerdictBlocked {
		t.Errorf("exactly 70 must be blocked, got %v", v)
	}
}

func TestMaxVerdict(t *testing.T) {
	if got := MaxVerdict(VerdictAllowed, VerdictFlagged, VerdictAllowed); got != VerdictFlagged {
		t.Errorf("got %v, want flagged", got)
	}
	if got := MaxVerdict(VerdictBlocked, VerdictSanitized); got != VerdictBlocked {
		t.Errorf("got %v, want blocked", got)
	}
	if got := MaxVerdict(); got != VerdictAllowed {
		t.Errorf("empty input should default to allowed, got %v", got)
	}
}

func TestNewScanRequestHashAndPreview(t *testing.T) {
	text := strings.Repeat("a", 600)
	req := NewScanRequest(KindPrompt, text, "u1", "s1", nil)

	sum := sha256.Sum256([]byte(text))
	if req.InputHash != hex.EncodeToString(sum[:]) {
		t.Error("input hash does not match sha256 of submitted bytes")
	}
	if len(req.InputPreview) != 500 {
		t.Errorf("preview length = %d, want 500", len(req.InputPreview))
	}
	if req.ID == "" || req.CreatedAt.IsZero() {
		t.Error("scan request missing identity fields")
	}
}

func TestBundleCapsPerFamily(t *testing.T) {
	b := Bundle{}
	for i := 0; i < 100; i++ {
		b.Add("pattern_matches", Signal{Type: "x", Score: 1})
	}
	if len(b["pattern_matches"]) != 32 {
		t.Errorf("family size = %d, want 32", len(b["pattern_matches"]))
	}
}

func TestNewScoreClampsAndDerivesLevel(t *testing.T) {
	s := NewScore("req", "prompt_injection", 150, VerdictBlocked)
	if s.RiskScore != 100 {
		t.Errorf("score = %v, want clamped to 100", s.RiskScore)
	}
	if s.RiskLevel != LevelCritical {
		t.Errorf("level = %v, want critical", s.RiskLevel)
	}
}

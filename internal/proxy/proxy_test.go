package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/provider"
	"aegis/internal/risk"
)

type stubScanner struct {
	promptScore *risk.Score
	promptErr   error
	outputScore *risk.Score
	outputErr   error

	lastPrompt string
	lastOutput string
}

func (s *stubScanner) ScanPrompt(ctx context.Context, text string, opts engine.ScanOptions) (*risk.Score, error) {
	s.lastPrompt = text
	return s.promptScore, s.promptErr
}

func (s *stubScanner) ScanOutput(ctx context.Context, output, originalPrompt string, opts engine.ScanOptions) (*risk.Score, error) {
	s.lastOutput = output
	return s.outputScore, s.outputErr
}

func score(v risk.Verdict, n float64) *risk.Score {
	sc := risk.NewScore("req-1", "prompt_injection", n, v)
	sc.Explanation = "test explanation"
	return sc
}

const upstreamBody = `{"id":"cmpl-1","object":"chat.completion","choices":[{"message":{"role":"assistant","content":"The answer is 4."}}]}`

// newUpstream returns a fake OpenAI-shape upstream and a counter of
// requests it served.
func newUpstream(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newProxy(t *testing.T, scanner Scanner, upstreamURL string) *Proxy {
	t.Helper()
	cfg := &config.Config{
		Providers: map[string]provider.Config{
			"openrouter": {Type: "openai", BaseURL: upstreamURL, Model: "gpt-4o-mini", APIKey: "sk-test", Timeout: 5, Enabled: true},
		},
	}
	adapter, err := provider.New("openrouter", cfg.Providers["openrouter"])
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, scanner, map[string]provider.Adapter{"openrouter": adapter}, slog.Default())
}

func postChat(t *testing.T, p *Proxy, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)
	return w
}

const chatBody = `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"What is 2+2?"}]}`

func TestSafePromptAugmented(t *testing.T) {
	upstream, calls := newUpstream(t, http.StatusOK, upstreamBody)
	scanner := &stubScanner{
		promptScore: score(risk.VerdictAllowed, 5),
		outputScore: score(risk.VerdictAllowed, 10),
	}
	p := newProxy(t, scanner, upstream.URL)

	w := postChat(t, p, chatBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
	if scanner.lastPrompt != "What is 2+2?" {
		t.Errorf("scanned prompt = %q", scanner.lastPrompt)
	}
	if scanner.lastOutput != "The answer is 4." {
		t.Errorf("scanned output = %q", scanner.lastOutput)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	meta, ok := resp["safety_metadata"].(map[string]interface{})
	if !ok {
		t.Fatalf("safety_metadata missing: %v", resp)
	}
	if meta["prompt_scanned"] != true || meta["output_scanned"] != true {
		t.Errorf("metadata = %v", meta)
	}
	if meta["output_risk_level"] != "safe" {
		t.Errorf("output_risk_level = %v", meta["output_risk_level"])
	}
}

func TestBlockedPromptNeverReachesUpstream(t *testing.T) {
	upstream, calls := newUpstream(t, http.StatusOK, upstreamBody)
	scanner := &stubScanner{promptScore: score(risk.VerdictBlocked, 95)}
	p := newProxy(t, scanner, upstream.URL)

	w := postChat(t, p, chatBody, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", calls.Load())
	}

	var resp struct {
		Error struct {
			Type      string  `json:"type"`
			Code      string  `json:"code"`
			RiskScore float64 `json:"risk_score"`
			RiskLevel string  `json:"risk_level"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Type != "safety_block" || resp.Error.Code != "prompt_injection_detected" {
		t.Errorf("error = %+v", resp.Error)
	}
	if resp.Error.RiskScore != 95 || resp.Error.RiskLevel != "critical" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestBlockedOutput(t *testing.T) {
	upstream, _ := newUpstream(t, http.StatusOK, upstreamBody)
	scanner := &stubScanner{
		promptScore: score(risk.VerdictAllowed, 5),
		outputScore: score(risk.VerdictBlocked, 80),
	}
	p := newProxy(t, scanner, upstream.URL)

	w := postChat(t, p, chatBody, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unsafe_output_detected") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestNoUserMessage(t *testing.T) {
	upstream, calls := newUpstream(t, http.StatusOK, upstreamBody)
	p := newProxy(t, &stubScanner{}, upstream.URL)

	w := postChat(t, p, `{"model":"gpt-4o-mini","messages":[{"role":"system","content":"be nice"}]}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if calls.Load() != 0 {
		t.Error("upstream must not be called without a user message")
	}
}

func TestPromptScanFailureFailsRequest(t *testing.T) {
	upstream, calls := newUpstream(t, http.StatusOK, upstreamBody)
	scanner := &stubScanner{promptErr: errors.New("detector broke")}
	p := newProxy(t, scanner, upstream.URL)

	w := postChat(t, p, chatBody, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "scan_failed") {
		t.Errorf("body = %s", w.Body.String())
	}
	if calls.Load() != 0 {
		t.Error("pre-upstream scan failure must not reach upstream")
	}
}

func TestOutputScanFailureAnnotates(t *testing.T) {
	upstream, _ := newUpstream(t, http.StatusOK, upstreamBody)
	scanner := &stubScanner{
		promptScore: score(risk.VerdictAllowed, 5),
		outputErr:   errors.New("council down"),
	}
	p := newProxy(t, scanner, upstream.URL)

	w := postChat(t, p, chatBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	meta := resp["safety_metadata"].(map[string]interface{})
	if meta["scan_error"] == nil || meta["output_scanned"] != false {
		t.Errorf("metadata = %v", meta)
	}
}

func TestUpstreamErrorPassthrough(t *testing.T) {
	upstream, _ := newUpstream(t, http.StatusTooManyRequests, `{"error":{"message":"rate limited","type":"rate_limit"}}`)
	scanner := &stubScanner{promptScore: score(risk.VerdictAllowed, 5)}
	p := newProxy(t, scanner, upstream.URL)

	w := postChat(t, p, chatBody, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate limited") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestUpstreamUnreachable(t *testing.T) {
	scanner := &stubScanner{promptScore: score(risk.VerdictAllowed, 5)}
	p := newProxy(t, scanner, "http://127.0.0.1:1")

	w := postChat(t, p, chatBody, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "upstream_error") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestNoKeyConfigured(t *testing.T) {
	upstream, _ := newUpstream(t, http.StatusOK, upstreamBody)
	p := newProxy(t, &stubScanner{promptScore: score(risk.VerdictAllowed, 5)}, upstream.URL)
	cfg := p.cfg.Providers["openrouter"]
	cfg.APIKey = ""
	p.cfg.Providers["openrouter"] = cfg

	w := postChat(t, p, chatBody, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no upstream api key") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHeaderKeyOverrides(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamBody))
	}))
	defer srv.Close()

	scanner := &stubScanner{
		promptScore: score(risk.VerdictAllowed, 5),
		outputScore: score(risk.VerdictAllowed, 5),
	}
	p := newProxy(t, scanner, srv.URL)

	w := postChat(t, p, chatBody, map[string]string{"X-Upstream-API-Key": "sk-override"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotAuth != "Bearer sk-override" {
		t.Errorf("auth = %q", gotAuth)
	}
}

func TestRouteByModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "openrouter"},
		{"claude-3-5-sonnet", "openrouter"},
		{"grok-2", "openrouter"},
		{"sonar-pro", "openrouter"},
		{"gemini-1.5-flash", "gemini"},
		{"llama-3.3-70b", "groq"},
		{"deepseek-chat", "deepseek"},
		{"command-r", "cohere"},
		{"mystery-model", "openai"},
	}
	for _, tt := range tests {
		if got := routeByModel(tt.model); got != tt.want {
			t.Errorf("routeByModel(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestModelsEndpoint(t *testing.T) {
	upstream, _ := newUpstream(t, http.StatusOK, upstreamBody)
	p := newProxy(t, &stubScanner{}, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID        string `json:"id"`
			Object    string `json:"object"`
			OwnedBy   string `json:"owned_by"`
			ProxiedBy string `json:"proxied_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Data[0].OwnedBy != "openrouter" || resp.Data[0].ProxiedBy != "aegis" {
		t.Errorf("data = %+v", resp.Data[0])
	}
}

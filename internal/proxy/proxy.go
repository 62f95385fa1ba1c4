// Package proxy serves the OpenAI-compatible chat endpoint. Every
// request is scanned before it reaches the upstream and every upstream
// reply is scanned before it reaches the client.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/provider"
	"aegis/internal/risk"
	"aegis/internal/storage"
)

var (
	// ErrNoUserMessage is returned when the request carries no user turn.
	ErrNoUserMessage = errors.New("no user message in request")
	// ErrUnsupportedProvider is returned for an unknown upstream selection.
	ErrUnsupportedProvider = errors.New("unsupported upstream provider")
	// ErrNoKeyConfigured is returned when no API key can be resolved.
	ErrNoKeyConfigured = errors.New("no upstream api key configured")
)

// Scanner is the slice of the scanning engine the proxy needs.
type Scanner interface {
	ScanPrompt(ctx context.Context, text string, opts engine.ScanOptions) (*risk.Score, error)
	ScanOutput(ctx context.Context, output, originalPrompt string, opts engine.ScanOptions) (*risk.Score, error)
}

// KeyStore resolves per-user upstream API keys.
type KeyStore interface {
	Key(userID, providerID string) (string, bool)
}

// EventSink receives audit events for completed and blocked scans.
type EventSink interface {
	RecordEvent(ctx context.Context, eventType storage.EventType, sessionID, severity string, data interface{}) error
}

// Publisher receives live decision notifications for streaming clients.
type Publisher interface {
	Publish(v interface{})
}

// ScanNotice is the live notification published per proxied request.
type ScanNotice struct {
	Type          string    `json:"type"`
	ScanRequestID string    `json:"scan_request_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Verdict       string    `json:"verdict"`
	RiskScore     float64   `json:"risk_score"`
	RiskLevel     string    `json:"risk_level"`
	Timestamp     time.Time `json:"timestamp"`
}

// Proxy orchestrates scan-forward-scan for chat completions.
type Proxy struct {
	cfg      *config.Config
	scanner  Scanner
	adapters map[string]provider.Adapter
	logger   *slog.Logger
	tracer   trace.Tracer

	keys      KeyStore
	events    EventSink
	publisher Publisher
}

// New creates the proxy. Adapters are the configured upstreams keyed by
// provider id.
func New(cfg *config.Config, scanner Scanner, adapters map[string]provider.Adapter, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		cfg:      cfg,
		scanner:  scanner,
		adapters: adapters,
		logger:   logger.With("component", "proxy"),
		tracer:   otel.Tracer("aegis/proxy"),
	}
}

// SetKeyStore installs per-user key resolution.
func (p *Proxy) SetKeyStore(ks KeyStore) { p.keys = ks }

// SetEvents installs the audit event sink.
func (p *Proxy) SetEvents(sink EventSink) { p.events = sink }

// SetPublisher installs the live decision stream.
func (p *Proxy) SetPublisher(pub Publisher) { p.publisher = pub }

// ServeHTTP handles incoming requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/chat/completions"):
		p.handleChatCompletion(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/models"):
		p.handleModels(w)
	default:
		writeAPIError(w, http.StatusNotFound, "unknown endpoint", "invalid_request_error")
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	User     string        `json:"user"`
}

func (p *Proxy) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx, span := p.tracer.Start(r.Context(), "aegis.proxy.request")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "malformed JSON body", "invalid_request_error")
		return
	}

	userMsg, history := lastUserMessage(req.Messages)
	if userMsg == "" {
		writeAPIError(w, http.StatusBadRequest, ErrNoUserMessage.Error(), "invalid_request_error")
		return
	}

	providerID, err := p.route(r.Header.Get("X-Upstream-Provider"), req.Model)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}
	adapter := p.adapters[providerID]
	forwarder, ok := adapter.(provider.ChatForwarder)
	if !ok {
		writeAPIError(w, http.StatusBadRequest,
			ErrUnsupportedProvider.Error()+": "+providerID+" cannot carry chat requests", "invalid_request_error")
		return
	}

	userID := req.User
	if v := r.Header.Get("X-User-ID"); v != "" {
		userID = v
	}
	apiKey, err := p.resolveKey(r.Header.Get("X-Upstream-API-Key"), userID, providerID)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	sessionID := r.Header.Get("X-Session-ID")
	span.SetAttributes(
		attribute.String("aegis.provider", providerID),
		attribute.String("aegis.model", req.Model),
	)

	opts := engine.ScanOptions{
		UserID:    userID,
		SessionID: sessionID,
		History:   history,
		Metadata:  map[string]interface{}{"model": req.Model, "provider": providerID},
	}

	// Pre-upstream scan. A failure here fails the request; it never
	// silently bypasses.
	promptScore, err := p.scanner.ScanPrompt(ctx, userMsg, opts)
	if err != nil {
		p.logger.Error("prompt scan failed", "session_id", sessionID, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "prompt scan failed", "scan_failed")
		return
	}
	if promptScore.Verdict == risk.VerdictBlocked {
		p.recordBlock(ctx, storage.EventPromptBlocked, sessionID, promptScore)
		p.logger.Warn("prompt blocked",
			"session_id", sessionID,
			"scan_request_id", promptScore.ScanRequestID,
			"risk_score", promptScore.RiskScore)
		writeSafetyBlock(w, "prompt_injection_detected", promptScore)
		return
	}

	// Streaming is not supported; the request is carried as a normal
	// completion so the output can be scanned in full.
	forwardBody := body
	if req.Stream {
		forwardBody = disableStream(body)
	}

	result, err := forwarder.ForwardChat(ctx, forwardBody, apiKey)
	if err != nil {
		p.logger.Error("upstream unreachable", "provider", providerID, "error", err)
		writeAPIError(w, http.StatusBadGateway, "upstream unreachable", "upstream_error")
		return
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		passthroughUpstreamError(w, result)
		return
	}

	assistant := extractAssistantContent(result.Body)
	meta := map[string]interface{}{
		"prompt_scanned": true,
		"output_scanned": false,
	}

	if assistant != "" {
		outScore, err := p.scanner.ScanOutput(ctx, assistant, userMsg, opts)
		if err != nil {
			// Post-upstream scan failures annotate, never rewrite.
			p.logger.Error("output scan failed", "session_id", sessionID, "error", err)
			meta["scan_error"] = err.Error()
		} else {
			if outScore.Verdict == risk.VerdictBlocked {
				p.recordBlock(ctx, storage.EventOutputBlocked, sessionID, outScore)
				p.logger.Warn("output blocked",
					"session_id", sessionID,
					"scan_request_id", outScore.ScanRequestID,
					"risk_score", outScore.RiskScore)
				writeSafetyBlock(w, "unsafe_output_detected", outScore)
				return
			}
			meta["output_scanned"] = true
			meta["output_risk_score"] = outScore.RiskScore
			meta["output_risk_level"] = string(outScore.RiskLevel)
			p.recordCompleted(ctx, sessionID, outScore)
		}
	}

	writeAugmented(w, result.Body, meta)
}

// handleModels lists the proxied upstream models.
func (p *Proxy) handleModels(w http.ResponseWriter) {
	ids := make([]string, 0, len(p.adapters))
	for id := range p.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		a := p.adapters[id]
		data = append(data, map[string]interface{}{
			"id":         a.Model(),
			"object":     "model",
			"owned_by":   a.ID(),
			"proxied_by": "aegis",
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": data})
}

// route picks the upstream provider id: an explicit header wins, then
// the model-prefix table, then the openai default.
func (p *Proxy) route(header, model string) (string, error) {
	if header != "" && header != "auto" {
		id := normalizeProviderHeader(header)
		if _, ok := p.adapters[id]; !ok {
			return "", errors.Join(ErrUnsupportedProvider, errors.New(header))
		}
		return id, nil
	}

	id := routeByModel(model)
	if _, ok := p.adapters[id]; ok {
		return id, nil
	}
	// Fall back to any provider that can serve OpenAI-shape traffic.
	if _, ok := p.adapters["openai"]; ok {
		return "openai", nil
	}
	if _, ok := p.adapters["openrouter"]; ok {
		return "openrouter", nil
	}
	return "", ErrUnsupportedProvider
}

// normalizeProviderHeader folds the accepted header values onto
// configured provider ids.
func normalizeProviderHeader(v string) string {
	switch strings.ToLower(v) {
	case "gemini2":
		return "gemini"
	case "grok2":
		return "groq"
	case "anthropic":
		// Anthropic models are served through the aggregator.
		return "openrouter"
	default:
		return strings.ToLower(v)
	}
}

// routeByModel maps model-id prefixes to providers. Aggregator-only
// model families go to openrouter.
func routeByModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "claude-"),
		strings.HasPrefix(m, "grok-"), strings.HasPrefix(m, "sonar-"):
		return "openrouter"
	case strings.HasPrefix(m, "gemini-"):
		return "gemini"
	case strings.HasPrefix(m, "llama-"):
		return "groq"
	case strings.HasPrefix(m, "deepseek-"):
		return "deepseek"
	case strings.HasPrefix(m, "command"):
		return "cohere"
	default:
		return "openai"
	}
}

// resolveKey walks the key chain: explicit header, per-user stored key,
// server-wide configured key.
func (p *Proxy) resolveKey(headerKey, userID, providerID string) (string, error) {
	if headerKey != "" {
		return headerKey, nil
	}
	if p.keys != nil && userID != "" {
		if key, ok := p.keys.Key(userID, providerID); ok {
			return key, nil
		}
	}
	if cfg, ok := p.cfg.Providers[providerID]; ok && cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	return "", ErrNoKeyConfigured
}

func (p *Proxy) recordBlock(ctx context.Context, eventType storage.EventType, sessionID string, score *risk.Score) {
	if p.events != nil {
		err := p.events.RecordEvent(ctx, eventType, sessionID, "high", storage.BlockedData{
			ScanRequestID: score.ScanRequestID,
			RiskScore:     score.RiskScore,
			Explanation:   score.Explanation,
		})
		if err != nil {
			p.logger.Error("failed to record block event", "error", err)
		}
	}
	p.publish(string(eventType), sessionID, score)
}

func (p *Proxy) recordCompleted(ctx context.Context, sessionID string, score *risk.Score) {
	if p.events != nil {
		err := p.events.RecordEvent(ctx, storage.EventScanCompleted, sessionID, "info", storage.ScanCompletedData{
			ScanRequestID: score.ScanRequestID,
			RequestType:   "output",
			Verdict:       string(score.Verdict),
			RiskScore:     score.RiskScore,
			RiskLevel:     string(score.RiskLevel),
		})
		if err != nil {
			p.logger.Error("failed to record scan event", "error", err)
		}
	}
	p.publish(string(storage.EventScanCompleted), sessionID, score)
}

func (p *Proxy) publish(eventType, sessionID string, score *risk.Score) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(ScanNotice{
		Type:          eventType,
		ScanRequestID: score.ScanRequestID,
		SessionID:     sessionID,
		Verdict:       string(score.Verdict),
		RiskScore:     score.RiskScore,
		RiskLevel:     string(score.RiskLevel),
		Timestamp:     time.Now().UTC(),
	})
}

// lastUserMessage returns the newest user turn and the content of every
// earlier message as conversation history.
func lastUserMessage(messages []chatMessage) (string, []string) {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && strings.TrimSpace(messages[i].Content) != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return "", nil
	}
	var history []string
	for _, m := range messages[:last] {
		if strings.TrimSpace(m.Content) != "" {
			history = append(history, m.Content)
		}
	}
	return messages[last].Content, history
}

// disableStream rewrites stream:true to false, leaving everything else
// in the body untouched.
func disableStream(body []byte) []byte {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	m["stream"] = false
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

// extractAssistantContent pulls choices[0].message.content out of an
// OpenAI-shape completion body.
func extractAssistantContent(body []byte) string {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if len(parsed.Choices) == 0 {
		return ""
	}
	return parsed.Choices[0].Message.Content
}

// passthroughUpstreamError mirrors the upstream status. Well-formed
// JSON error bodies pass through unchanged.
func passthroughUpstreamError(w http.ResponseWriter, result *provider.ChatResult) {
	w.Header().Set("Content-Type", "application/json")
	if json.Valid(result.Body) && len(result.Body) > 0 {
		w.WriteHeader(result.StatusCode)
		_, _ = w.Write(result.Body)
		return
	}
	w.WriteHeader(result.StatusCode)
	resp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": "upstream error",
			"type":    "upstream_error",
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeAugmented attaches safety_metadata to the upstream JSON body.
func writeAugmented(w http.ResponseWriter, body []byte, meta map[string]interface{}) {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		// Non-JSON upstream body passes through unannotated.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}
	m["safety_metadata"] = meta
	writeJSON(w, http.StatusOK, m)
}

func writeSafetyBlock(w http.ResponseWriter, code string, score *risk.Score) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error": map[string]interface{}{
			"message":    score.Explanation,
			"type":       "safety_block",
			"code":       code,
			"risk_score": score.RiskScore,
			"risk_level": string(score.RiskLevel),
		},
	})
}

func writeAPIError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write failed", "error", err)
	}
}

// Package control serves the scanning and audit API: direct scan
// endpoints for non-proxy callers, audit queries over persisted scans,
// agent kill switches and a live decision stream.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aegis/internal/agent"
	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/memory"
	"aegis/internal/risk"
	"aegis/internal/storage"
)

// Scanner is the slice of the scanning engine the API exposes.
type Scanner interface {
	ScanPrompt(ctx context.Context, text string, opts engine.ScanOptions) (*risk.Score, error)
	ScanOutput(ctx context.Context, output, originalPrompt string, opts engine.ScanOptions) (*risk.Score, error)
	ScanContent(ctx context.Context, kind risk.RequestKind, content string, opts engine.ScanOptions) (*risk.Score, error)
}

// Handler handles control API requests.
type Handler struct {
	scanner  Scanner
	store    *storage.SQLiteStore
	agents   *agent.Controller
	sessions *memory.Manager
	hub      *Hub
	auth     config.ControlAuthConfig
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates the control API handler. store, agents, sessions and hub
// may be nil; the matching endpoints then report unavailable.
func New(scanner Scanner, store *storage.SQLiteStore, agents *agent.Controller,
	sessions *memory.Manager, hub *Hub, auth config.ControlAuthConfig, logger *slog.Logger) *Handler {

	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		scanner:  scanner,
		store:    store,
		agents:   agents,
		sessions: sessions,
		hub:      hub,
		auth:     auth,
		logger:   logger.With("component", "control"),
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("/scan/prompt", h.handleScanPrompt)
	h.mux.HandleFunc("/scan/output", h.handleScanOutput)
	h.mux.HandleFunc("/scan/content", h.handleScanContent)
	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/stats", h.handleStats)
	h.mux.HandleFunc("/control/scans", h.handleScans)
	h.mux.HandleFunc("/control/scans/", h.handleScanDetail)
	h.mux.HandleFunc("/control/agents", h.handleAgents)
	h.mux.HandleFunc("/control/agents/", h.handleAgentAction)
	h.mux.HandleFunc("/control/events", h.handleEvents)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS headers for dashboard access
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Health stays reachable without a token for load balancers.
	if h.auth.Enabled && r.URL.Path != "/control/health" && !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == h.auth.Token
	}
	// WebSocket clients cannot always set headers.
	return r.URL.Query().Get("token") == h.auth.Token
}

// ScanResponse is the wire shape shared by all scan endpoints.
type ScanResponse struct {
	ScanRequestID string      `json:"scan_request_id"`
	Verdict       string      `json:"verdict"`
	RiskScore     float64     `json:"risk_score"`
	RiskLevel     string      `json:"risk_level"`
	Confidence    float64     `json:"confidence"`
	Explanation   string      `json:"explanation"`
	Signals       risk.Bundle `json:"signals"`
	FalsePositive float64     `json:"false_positive_probability,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

func scanResponse(score *risk.Score) ScanResponse {
	return ScanResponse{
		ScanRequestID: score.ScanRequestID,
		Verdict:       string(score.Verdict),
		RiskScore:     score.RiskScore,
		RiskLevel:     string(score.RiskLevel),
		Confidence:    score.Confidence,
		Explanation:   score.Explanation,
		Signals:       score.Signals,
		FalsePositive: score.FalsePositive,
		Timestamp:     score.CreatedAt,
	}
}

type scanPromptRequest struct {
	Prompt    string                 `json:"prompt"`
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id"`
	History   []string               `json:"conversation_history"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// handleScanPrompt handles POST /scan/prompt.
func (h *Handler) handleScanPrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scanPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Malformed JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	score, err := h.scanner.ScanPrompt(r.Context(), req.Prompt, engine.ScanOptions{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		History:   req.History,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.logger.Error("prompt scan failed", "error", err)
		http.Error(w, "Scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse(score))
}

type scanOutputRequest struct {
	Output         string                 `json:"output"`
	OriginalPrompt string                 `json:"original_prompt"`
	UserID         string                 `json:"user_id"`
	SessionID      string                 `json:"session_id"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// handleScanOutput handles POST /scan/output.
func (h *Handler) handleScanOutput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scanOutputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Malformed JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Output) == "" {
		http.Error(w, "output is required", http.StatusBadRequest)
		return
	}

	score, err := h.scanner.ScanOutput(r.Context(), req.Output, req.OriginalPrompt, engine.ScanOptions{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.logger.Error("output scan failed", "error", err)
		http.Error(w, "Scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse(score))
}

type scanContentRequest struct {
	ContentType string                 `json:"content_type"`
	Content     string                 `json:"content"`
	ContentURL  string                 `json:"content_url"`
	UserID      string                 `json:"user_id"`
	SessionID   string                 `json:"session_id"`
	Metadata    map[string]interface{} `json:"metadata"`
}

var contentKinds = map[string]risk.RequestKind{
	"text":  risk.KindContentText,
	"image": risk.KindContentImage,
	"audio": risk.KindContentAudio,
	"video": risk.KindContentVideo,
}

// handleScanContent handles POST /scan/content.
func (h *Handler) handleScanContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scanContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Malformed JSON body", http.StatusBadRequest)
		return
	}
	kind, ok := contentKinds[req.ContentType]
	if !ok {
		http.Error(w, "content_type must be text, image, audio or video", http.StatusBadRequest)
		return
	}
	content := req.Content
	if content == "" {
		content = req.ContentURL
	}
	if strings.TrimSpace(content) == "" {
		http.Error(w, "content or content_url is required", http.StatusBadRequest)
		return
	}

	score, err := h.scanner.ScanContent(r.Context(), kind, content, engine.ScanOptions{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.logger.Error("content scan failed", "error", err)
		http.Error(w, "Scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse(score))
}

// handleHealth handles GET /control/health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"version":   "0.1.0",
	})
}

// handleStats handles GET /control/stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]interface{}{}
	if h.store != nil {
		stats, err := h.store.GetStats(r.Context(), nil)
		if err != nil {
			h.logger.Error("failed to load stats", "error", err)
			http.Error(w, "Stats unavailable", http.StatusInternalServerError)
			return
		}
		resp["scans"] = stats
		if eventStats, err := h.store.GetEventStats(nil); err == nil {
			resp["events"] = eventStats
		}
	}
	if h.sessions != nil {
		resp["active_sessions"] = h.sessions.ActiveCount()
	}
	if h.agents != nil {
		resp["killed_agents"] = len(h.agents.KilledAgents())
	}
	if h.hub != nil {
		resp["event_subscribers"] = h.hub.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleScans handles GET /control/scans.
func (h *Handler) handleScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		http.Error(w, "Storage disabled", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	opts := storage.ListScansOptions{
		RequestType: q.Get("type"),
		Verdict:     q.Get("verdict"),
		SessionID:   q.Get("session_id"),
		Limit:       50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Offset = n
		}
	}

	scans, err := h.store.ListScans(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list scans", "error", err)
		http.Error(w, "Query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": len(scans),
		"scans": scans,
	})
}

// handleScanDetail handles GET /control/scans/{id}.
func (h *Handler) handleScanDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		http.Error(w, "Storage disabled", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/control/scans/")
	if id == "" {
		http.Error(w, "Scan ID required", http.StatusBadRequest)
		return
	}

	detail, err := h.store.GetScanDetail(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load scan detail", "scan_id", id, "error", err)
		http.Error(w, "Query failed", http.StatusInternalServerError)
		return
	}
	if detail == nil {
		http.Error(w, "Scan not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleAgents handles GET /control/agents (killed agents).
func (h *Handler) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.agents == nil {
		http.Error(w, "Agent control disabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"killed": h.agents.KilledAgents(),
	})
}

// handleAgentAction handles POST /control/agents/{id}/kill and /clear.
func (h *Handler) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.agents == nil {
		http.Error(w, "Agent control disabled", http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/control/agents/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "Agent ID and action required", http.StatusBadRequest)
		return
	}
	agentID, action := parts[0], parts[1]

	switch action {
	case "kill":
		h.agents.Kill(agentID)
		h.recordAgentEvent(r.Context(), storage.EventAgentKilled, agentID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "killed", "agent_id": agentID})
	case "clear":
		h.agents.Clear(agentID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "agent_id": agentID})
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}

func (h *Handler) recordAgentEvent(ctx context.Context, eventType storage.EventType, agentID string) {
	if h.store == nil {
		return
	}
	err := h.store.RecordEvent(ctx, eventType, "", "high", storage.AgentActionData{AgentID: agentID})
	if err != nil {
		h.logger.Error("failed to record agent event", "agent_id", agentID, "error", err)
	}
}

// handleEvents handles GET /control/events (WebSocket).
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		http.Error(w, "Event stream disabled", http.StatusServiceUnavailable)
		return
	}
	h.hub.ServeWS(w, r)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

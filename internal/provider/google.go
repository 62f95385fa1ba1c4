package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// googleAdapter speaks the Gemini generateContent shape.
type googleAdapter struct {
	id      string
	baseURL string
	model   string
	apiKey  string
	weight  float64
	client  *http.Client
}

func newGoogleAdapter(id string, cfg Config, client *http.Client) *googleAdapter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &googleAdapter{
		id:      id,
		baseURL: baseURL,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		weight:  cfg.Weight,
		client:  client,
	}
}

func (a *googleAdapter) ID() string      { return a.id }
func (a *googleAdapter) Model() string   { return a.model }
func (a *googleAdapter) Weight() float64 { return a.weight }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *googleAdapter) endpoint(apiKey string) string {
	return fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, a.model, apiKey)
}

func (a *googleAdapter) generate(ctx context.Context, contents []geminiContent, apiKey string) (*geminiResponse, int, error) {
	body, err := json.Marshal(geminiRequest{Contents: contents})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(apiKey), bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s call failed: %w", a.id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s read response: %w", a.id, err)
	}
	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s decode response: %w", a.id, err)
	}
	return &parsed, resp.StatusCode, nil
}

func (a *googleAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	parsed, status, err := a.generate(ctx, []geminiContent{{Parts: []geminiPart{{Text: prompt}}}}, a.apiKey)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		msg := fmt.Sprintf("status %d", status)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("%s returned error: %s", a.id, msg)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%s returned no candidates", a.id)
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

// ForwardChat converts an OpenAI-shape chat request to the Gemini
// contents format and converts the answer back, so proxy clients see
// one schema regardless of the upstream.
func (a *googleAdapter) ForwardChat(ctx context.Context, body []byte, apiKey string) (*ChatResult, error) {
	if apiKey == "" {
		apiKey = a.apiKey
	}

	var in struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode chat request: %w", err)
	}

	var contents []geminiContent
	for _, m := range in.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}

	parsed, status, err := a.generate(ctx, contents, apiKey)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		msg := "upstream error"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		errBody, _ := json.Marshal(map[string]interface{}{
			"error": map[string]interface{}{"message": msg, "type": "upstream_error"},
		})
		return &ChatResult{StatusCode: status, Body: errBody}, nil
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%s returned no candidates", a.id)
	}

	model := in.Model
	if model == "" {
		model = a.model
	}
	out, err := json.Marshal(map[string]interface{}{
		"id":      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index": 0,
			"message": map[string]string{
				"role":    "assistant",
				"content": parsed.Candidates[0].Content.Parts[0].Text,
			},
			"finish_reason": "stop",
		}},
	})
	if err != nil {
		return nil, err
	}
	return &ChatResult{StatusCode: http.StatusOK, Body: out}, nil
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// cohereAdapter speaks the Cohere generate shape.
type cohereAdapter struct {
	id      string
	baseURL string
	model   string
	apiKey  string
	weight  float64
	client  *http.Client
}

func newCohereAdapter(id string, cfg Config, client *http.Client) *cohereAdapter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cohere.ai/v1"
	}
	return &cohereAdapter{
		id:      id,
		baseURL: baseURL,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		weight:  cfg.Weight,
		client:  client,
	}
}

func (a *cohereAdapter) ID() string      { return a.id }
func (a *cohereAdapter) Model() string   { return a.model }
func (a *cohereAdapter) Weight() float64 { return a.weight }

func (a *cohereAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":       a.model,
		"prompt":      prompt,
		"max_tokens":  1024,
		"temperature": 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s call failed: %w", a.id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%s read response: %w", a.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned %d", a.id, resp.StatusCode)
	}

	var parsed struct {
		Generations []struct {
			Text string `json:"text"`
		} `json:"generations"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("%s decode response: %w", a.id, err)
	}
	if len(parsed.Generations) == 0 {
		return "", fmt.Errorf("%s returned no generations", a.id)
	}
	return parsed.Generations[0].Text, nil
}

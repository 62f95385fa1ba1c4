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

// openAIAdapter speaks the OpenAI chat-completions shape. It also
// serves groq, deepseek, openrouter and any other compatible upstream
// by switching base_url.
type openAIAdapter struct {
	id      string
	baseURL string
	model   string
	apiKey  string
	weight  float64
	client  *http.Client
}

func newOpenAIAdapter(id string, cfg Config, client *http.Client) *openAIAdapter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &openAIAdapter{
		id:      id,
		baseURL: baseURL,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		weight:  cfg.Weight,
		client:  client,
	}
}

func (a *openAIAdapter) ID() string      { return a.id }
func (a *openAIAdapter) Model() string   { return a.model }
func (a *openAIAdapter) Weight() float64 { return a.weight }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *openAIAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       a.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
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

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("%s decode response: %w", a.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("%s returned %d: %s", a.id, resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", a.id)
	}
	return parsed.Choices[0].Message.Content, nil
}

// ForwardChat relays a full OpenAI-shape request body. An empty apiKey
// falls back to the configured server key.
func (a *openAIAdapter) ForwardChat(ctx context.Context, body []byte, apiKey string) (*ChatResult, error) {
	if apiKey == "" {
		apiKey = a.apiKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s upstream call failed: %w", a.id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s read upstream response: %w", a.id, err)
	}
	return &ChatResult{StatusCode: resp.StatusCode, Body: data}, nil
}

// Embed calls the embeddings endpoint so this adapter can back the
// vector knowledge store.
func (a *openAIAdapter) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model": "text-embedding-3-small",
		"input": text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s embed call failed: %w", a.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s embed returned %d", a.id, resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%s decode embedding: %w", a.id, err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("%s returned no embedding", a.id)
	}
	return parsed.Data[0].Embedding, nil
}

package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// OpenAIClient calls an OpenAI-compatible Chat Completions endpoint.
type OpenAIClient struct {
	http    *http.Client
	apiKey  string
	model   string
	baseURL string
	system  string
}

// OpenAIConfig configures NewOpenAIClient. Empty fields fall back to
// OPENAI_API_KEY / OPENAI_BASE_URL / OPENAI_MODEL.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	System     string
	HTTPClient *http.Client
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := firstNonEmpty(cfg.APIKey, os.Getenv("OPENAI_API_KEY"), os.Getenv("API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("openai: OPENAI_API_KEY (or API_KEY) is not set")
	}
	model := firstNonEmpty(cfg.Model, os.Getenv("OPENAI_MODEL"), os.Getenv("MODEL_STD"))
	if model == "" {
		return nil, fmt.Errorf("openai: OPENAI_MODEL (or MODEL_STD) is not set")
	}
	base := firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL"), os.Getenv("BASE_URL"), "https://api.openai.com/v1")
	hc := cfg.HTTPClient
	if hc == nil {
		// Per-attempt deadlines come from the caller's context.
		hc = &http.Client{}
	}
	system := cfg.System
	if system == "" {
		system = "You are a senior UI-automation DSL compiler. Follow the supplied JSON Schema strictly and output JSON only."
	}
	return &OpenAIClient{
		http:    hc,
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(base, "/"),
		system:  system,
	}, nil
}

func (c *OpenAIClient) Name() string { return "OpenAI:" + c.model }
func (c *OpenAIClient) Close() error { return nil }

type chatReq struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	body, err := json.Marshal(chatReq{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.system},
			{Role: "user", Content: prompt},
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classify(ctx, "openai", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &ProviderError{Provider: "openai", Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(msg)))}
	}
	var out chatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", classify(ctx, "openai", fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

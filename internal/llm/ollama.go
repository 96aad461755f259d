package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"profiler_api/config"
)

type ollamaProvider struct {
	model        string
	baseURL      string
	systemPrompt string
	maxTokens    int
	temperature  float64
	maxRetries   int
	httpClient   *http.Client
}

func newOllamaProvider(cfg config.LLMConfig) (*ollamaProvider, error) {
	if cfg.Model == "" {
		return nil, errors.New("ollama provider is missing model")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://ollama:11434"
	}
	return &ollamaProvider{
		model:        cfg.Model,
		baseURL:      strings.TrimRight(baseURL, "/"),
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		maxRetries:   cfg.MaxRetries,
		httpClient:   &http.Client{Timeout: timeoutOf(cfg)},
	}, nil
}

func (p *ollamaProvider) Name() string  { return "ollama" }
func (p *ollamaProvider) Model() string { return p.model }

func (p *ollamaProvider) Generate(ctx context.Context, prompt string) (string, error) {
	return withRetry(ctx, p.Name(), p.maxRetries, defaultRetryBase, func() (string, error) {
		return p.chat(ctx, prompt)
	})
}

func (p *ollamaProvider) chat(ctx context.Context, prompt string) (string, error) {
	options := map[string]any{}
	if p.temperature > 0 {
		options["temperature"] = p.temperature
	}
	if p.maxTokens > 0 {
		options["num_predict"] = p.maxTokens
	}
	payload := map[string]any{
		"model":    p.model,
		"stream":   false,
		"messages": chatMessages(p.systemPrompt, prompt),
	}
	if len(options) > 0 {
		payload["options"] = options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &Error{Provider: p.Name(), Err: fmt.Errorf("marshal ollama request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Provider: p.Name(), Err: fmt.Errorf("build ollama request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	respBody, err := doRequest(p.httpClient, httpReq, p.Name())
	if err != nil {
		return "", err
	}

	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &Error{Provider: p.Name(), Err: fmt.Errorf("decode ollama response: %w", err)}
	}
	if parsed.Error != "" {
		return "", &Error{Kind: kindFromText(parsed.Error), Provider: p.Name(), Err: errors.New(parsed.Error)}
	}
	return strings.TrimSpace(parsed.Message.Content), nil
}

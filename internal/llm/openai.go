package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"

	"profiler_api/config"
)

const defaultRetryBase = 500 * time.Millisecond

type openAIProvider struct {
	model        string
	baseURL      string
	apiKey       string
	systemPrompt string
	maxTokens    int
	temperature  float64
	maxRetries   int
	retryBase    time.Duration
	httpClient   *http.Client
}

func newOpenAIProvider(cfg config.LLMConfig) (*openAIProvider, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai provider is missing model")
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai provider is missing API key env %q", cfg.APIKeyEnv)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &openAIProvider{
		model:        cfg.Model,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		maxRetries:   cfg.MaxRetries,
		retryBase:    defaultRetryBase,
		httpClient:   &http.Client{Timeout: timeoutOf(cfg)},
	}, nil
}

func (p *openAIProvider) Name() string  { return "openai" }
func (p *openAIProvider) Model() string { return p.model }

func (p *openAIProvider) Generate(ctx context.Context, prompt string) (string, error) {
	return withRetry(ctx, p.Name(), p.maxRetries, p.retryBase, func() (string, error) {
		return p.complete(ctx, prompt)
	})
}

func (p *openAIProvider) complete(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":    p.model,
		"messages": chatMessages(p.systemPrompt, prompt),
	}
	if p.maxTokens > 0 {
		payload["max_tokens"] = p.maxTokens
	}
	if p.temperature > 0 {
		payload["temperature"] = p.temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &Error{Provider: p.Name(), Err: fmt.Errorf("marshal openai request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Provider: p.Name(), Err: fmt.Errorf("build openai request: %w", err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	respBody, err := doRequest(p.httpClient, httpReq, p.Name())
	if err != nil {
		return "", err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &Error{Provider: p.Name(), Err: fmt.Errorf("decode openai response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Provider: p.Name(), Err: errors.New("openai returned no choices")}
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func chatMessages(systemPrompt, prompt string) []map[string]string {
	msgs := make([]map[string]string, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": systemPrompt})
	}
	return append(msgs, map[string]string{"role": "user", "content": prompt})
}

// doRequest executes req and returns the body of a 2xx response. Transport
// failures and non-2xx statuses come back as *Error with a kind set.
func doRequest(client *http.Client, req *http.Request, provider string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Kind: kindFromTransport(err), Provider: provider, Err: fmt.Errorf("%s request failed: %w", provider, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: kindFromTransport(err), Provider: provider, Err: fmt.Errorf("read %s response: %w", provider, err)}
	}
	if resp.StatusCode >= 300 {
		return nil, &Error{
			Kind:       kindFromStatus(resp.StatusCode),
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s status %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return body, nil
}

// withRetry retries rate-limited and 5xx failures with exponential backoff.
func withRetry(ctx context.Context, provider string, maxRetries int, base time.Duration, call func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := base << (attempt - 1)
			zlog.Debug().Str("provider", provider).Int("attempt", attempt).Dur("wait", wait).Err(lastErr).Msg("retrying llm request")
			select {
			case <-ctx.Done():
				return "", lastErr
			case <-time.After(wait):
			}
		}
		text, err := call()
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", lastErr
}

func retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == KindRateLimited || pe.StatusCode >= 500
}

func timeoutOf(cfg config.LLMConfig) time.Duration {
	if cfg.TimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(cfg.TimeoutSec) * time.Second
}

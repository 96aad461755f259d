package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"profiler_api/config"
)

// Provider is a text generation backend.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// ErrorKind is the closed set of failure classes a provider reports.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindRateLimited
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Error is returned by every provider in this package.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorType names the failure class for status reporting.
func (e *Error) ErrorType() string { return "provider_error" }

// KindOf classifies err. Typed provider errors win; otherwise deadline and
// network timeouts map to KindTimeout, and as a last resort the error text is
// inspected for rate-limit or timeout markers.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Kind != KindOther {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return kindFromText(err.Error())
}

var (
	rateLimitMarkers = []string{"rate_limit", "rate limit", "ratelimit", "too many requests"}
	timeoutMarkers   = []string{"timeout", "timed out"}
)

func kindFromText(msg string) ErrorKind {
	msg = strings.ToLower(msg)
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return KindRateLimited
		}
	}
	for _, m := range timeoutMarkers {
		if strings.Contains(msg, m) {
			return KindTimeout
		}
	}
	return KindOther
}

func kindFromStatus(code int) ErrorKind {
	switch code {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindOther
	}
}

// kindFromTransport classifies errors returned by http.Client.Do.
func kindFromTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindOther
}

// New builds the provider selected by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return newOpenAIProvider(cfg)
	case "ollama":
		return newOllamaProvider(cfg)
	case "bedrock":
		return newBedrockProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

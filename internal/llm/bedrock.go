package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"profiler_api/config"
)

const defaultBedrockMaxTokens = 1024

type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type bedrockProvider struct {
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
	client       bedrockInvoker
}

func newBedrockProvider(ctx context.Context, cfg config.LLMConfig) (*bedrockProvider, error) {
	if cfg.Model == "" {
		return nil, errors.New("bedrock provider is missing model")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("bedrock provider is missing region")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries+1),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return newBedrockWithClient(cfg, bedrockruntime.NewFromConfig(awsCfg)), nil
}

func newBedrockWithClient(cfg config.LLMConfig, client bedrockInvoker) *bedrockProvider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultBedrockMaxTokens
	}
	return &bedrockProvider{
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    maxTokens,
		temperature:  cfg.Temperature,
		client:       client,
	}
}

func (p *bedrockProvider) Name() string  { return "bedrock" }
func (p *bedrockProvider) Model() string { return p.model }

func (p *bedrockProvider) Generate(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens": p.maxTokens,
	}
	if p.systemPrompt != "" {
		payload["system"] = p.systemPrompt
	}
	if p.temperature > 0 {
		payload["temperature"] = p.temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &Error{Provider: p.Name(), Err: fmt.Errorf("marshal bedrock request: %w", err)}
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", &Error{Kind: bedrockKind(err), Provider: p.Name(), Err: fmt.Errorf("bedrock invoke failed: %w", err)}
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return strings.TrimSpace(string(output.Body)), nil
	}
	var parts []string
	for _, block := range parsed.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(string(output.Body)), nil
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

func bedrockKind(err error) ErrorKind {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return KindRateLimited
		case "ModelTimeoutException", "RequestTimeout", "RequestTimeoutException":
			return KindTimeout
		}
	}
	return kindFromTransport(err)
}

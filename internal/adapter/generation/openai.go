// Package generation adapts OpenAI-compatible chat completion APIs and the
// AWS Bedrock Converse API to domain.Generator, and provides the decorators
// the engine stacks on top.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"aivis/internal/domain"
	"aivis/internal/infra/config"
	"aivis/internal/infra/structured"
	"aivis/internal/infra/telemetry"
	"aivis/internal/infra/tracer"
)

// OpenAIClient implements domain.Generator for any OpenAI-compatible API.
type OpenAIClient struct {
	name        string
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

// NewOpenAIClient creates a client with pooled HTTP transport.
func NewOpenAIClient(cfg config.GenerationConfig, logger *slog.Logger) *OpenAIClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIClient{
		name:        name,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      NewHTTPClient(cfg),
		logger:      logger,
	}
}

// Generate implements domain.Generator. With a schema the service is asked
// for a json_schema response and the output is validated before returning.
func (c *OpenAIClient) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.StructuredResult, error) {
	ctx, span := tracer.StartSpan(ctx, "generation.generate",
		trace.WithAttributes(
			tracer.StringAttr("generation.backend", c.name),
			tracer.StringAttr("generation.model", c.model),
			tracer.BoolAttr("generation.structured", len(req.Schema) > 0),
		),
	)
	defer span.End()

	result, err := c.generate(ctx, req)
	telemetry.RecordGeneration(ctx, c.name, err == nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		tracer.IntAttr("generation.prompt_tokens", result.Usage.PromptTokens),
		tracer.IntAttr("generation.completion_tokens", result.Usage.CompletionTokens),
	)
	tracer.SetOK(span)
	c.logger.Debug("generation completed",
		"backend", c.name,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
	)
	return result, nil
}

func (c *OpenAIClient) generate(ctx context.Context, req domain.GenerateRequest) (*domain.StructuredResult, error) {
	body, err := json.Marshal(c.toRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	respBody, err := doJSONRequest(ctx, c.client, c.baseURL+"/chat/completions", body, headers)
	if err != nil {
		return nil, err
	}

	var resp openaiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", domain.ErrProviderError)
	}

	content := structured.StripCodeFences(resp.Choices[0].Message.Content)
	result := &domain.StructuredResult{
		Model: resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			ResponseBytes:    len(respBody),
		},
	}
	if len(req.Schema) == 0 {
		result.Text = content
		return result, nil
	}

	raw := json.RawMessage(content)
	if err := structured.Validate(req.Schema, raw); err != nil {
		return nil, err
	}
	result.Raw = raw
	return result, nil
}

// Name implements domain.Generator.
func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) toRequest(req domain.GenerateRequest) openaiRequest {
	msgs := make([]openaiMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, openaiMessage{Role: "user", Content: req.Prompt})

	out := openaiRequest{
		Model:     c.model,
		Messages:  msgs,
		MaxTokens: c.maxTokens,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	temp := c.temperature
	if req.Temperature > 0 {
		temp = req.Temperature
	}
	if temp > 0 {
		out.Temperature = &temp
	}
	if len(req.Schema) > 0 {
		out.ResponseFormat = &openaiResponseFormat{
			Type: "json_schema",
			JSONSchema: &openaiJSONSchema{
				Name:   "result",
				Schema: req.Schema,
				Strict: false,
			},
		}
	}
	return out
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model          string                `json:"model"`
	Messages       []openaiMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openaiJSONSchema `json:"json_schema,omitempty"`
}

type openaiJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var _ domain.Generator = (*OpenAIClient)(nil)

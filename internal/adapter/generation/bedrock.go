package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"aivis/internal/domain"
	"aivis/internal/infra/config"
	"aivis/internal/infra/structured"
	"aivis/internal/infra/telemetry"
	"aivis/internal/infra/tracer"
)

// resultTool is the tool the model is forced to call when a schema is set.
const resultTool = "emit_result"

// converseAPI is the part of the Bedrock runtime client the adapter uses.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient implements domain.Generator via the AWS Bedrock Converse API.
type BedrockClient struct {
	name        string
	model       string
	maxTokens   int
	temperature float64
	client      converseAPI
	logger      *slog.Logger
}

// NewBedrockClient creates a client using the default AWS credential chain.
func NewBedrockClient(cfg config.GenerationConfig, logger *slog.Logger) (*BedrockClient, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(NewHTTPClient(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockClient(cfg, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockClient(cfg config.GenerationConfig, client converseAPI, logger *slog.Logger) *BedrockClient {
	name := cfg.Name
	if name == "" || name == "openai" {
		name = "bedrock"
	}
	return &BedrockClient{
		name:        name,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      client,
		logger:      logger,
	}
}

// Generate implements domain.Generator. With a schema the model is forced
// to answer through a single tool whose input schema is the requested one.
func (c *BedrockClient) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.StructuredResult, error) {
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

func (c *BedrockClient) generate(ctx context.Context, req domain.GenerateRequest) (*domain.StructuredResult, error) {
	input, err := c.toInput(req)
	if err != nil {
		return nil, err
	}

	output, err := c.client.Converse(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapBedrockError(err)
	}

	text, toolInput := readOutput(output)
	result := &domain.StructuredResult{Model: c.model}
	if output.Usage != nil {
		in, out := int(aws.ToInt32(output.Usage.InputTokens)), int(aws.ToInt32(output.Usage.OutputTokens))
		result.Usage = domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}

	if len(req.Schema) == 0 {
		result.Text = structured.StripCodeFences(text)
		result.Usage.ResponseBytes = len(result.Text)
		return result, nil
	}

	raw := toolInput
	if raw == nil {
		// Some models answer in text despite the tool choice.
		if text == "" {
			return nil, fmt.Errorf("%w: response has no content", domain.ErrProviderError)
		}
		raw = json.RawMessage(structured.StripCodeFences(text))
	}
	if err := structured.Validate(req.Schema, raw); err != nil {
		return nil, err
	}
	result.Raw = raw
	result.Usage.ResponseBytes = len(raw)
	return result, nil
}

// Name implements domain.Generator.
func (c *BedrockClient) Name() string { return c.name }

func (c *BedrockClient) toInput(req domain.GenerateRequest) (*bedrockruntime.ConverseInput, error) {
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))},
	}
	temp := c.temperature
	if req.Temperature > 0 {
		temp = req.Temperature
	}
	if temp > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(temp))
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}

	if len(req.Schema) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(req.Schema, &schema); err != nil {
			return nil, fmt.Errorf("%w: schema: %v", domain.ErrInvalidInput, err)
		}
		input.ToolConfig = &types.ToolConfiguration{
			Tools: []types.Tool{&types.ToolMemberToolSpec{Value: types.ToolSpecification{
				Name:        aws.String(resultTool),
				Description: aws.String("Return the result as structured data."),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			}}},
			ToolChoice: &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(resultTool)}},
		}
	}
	return input, nil
}

// readOutput returns the concatenated text blocks and, when present, the
// input of the result tool call.
func readOutput(output *bedrockruntime.ConverseOutput) (string, json.RawMessage) {
	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", nil
	}
	var text strings.Builder
	var toolInput json.RawMessage
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberToolUse:
			if aws.ToString(b.Value.Name) == resultTool {
				toolInput = marshalDocument(b.Value.Input)
			}
		}
	}
	return text.String(), toolInput
}

func marshalDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// mapBedrockError maps Bedrock API error codes to domain errors so the
// breaker and retry policy classify them like HTTP status codes.
func mapBedrockError(err error) error {
	msg := err.Error()

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
	}
	switch code := apiErr.ErrorCode(); {
	case code == "ThrottlingException" || code == "TooManyRequestsException" || code == "ServiceQuotaExceededException":
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
	case code == "AccessDeniedException" || code == "UnrecognizedClientException":
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
	case code == "ValidationException" && strings.Contains(msg, "too long"):
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
	case code == "ModelNotReadyException" || code == "ModelTimeoutException" ||
		code == "ServiceUnavailableException" || code == "InternalServerException":
		return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
	}
	return domain.WrapOp("bedrock", err)
}

var _ domain.Generator = (*BedrockClient)(nil)

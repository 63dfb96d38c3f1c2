package generation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aivis/internal/domain"
	"aivis/internal/infra/config"
)

type mockConverse struct {
	last *bedrockruntime.ConverseInput
	out  *bedrockruntime.ConverseOutput
	err  error
}

func (m *mockConverse) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.last = params
	return m.out, m.err
}

func converseOutput(blocks ...types.ContentBlock) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role:    types.ConversationRoleAssistant,
			Content: blocks,
		}},
		Usage: &types.TokenUsage{InputTokens: aws.Int32(12), OutputTokens: aws.Int32(8)},
	}
}

func newTestBedrock(m *mockConverse) *BedrockClient {
	cfg := config.Defaults().Generation
	cfg.Provider = "bedrock"
	cfg.Name = ""
	cfg.Model = "anthropic.claude-3-5-sonnet"
	return newBedrockClient(cfg, m, newTestLogger())
}

func TestBedrockGenerateText(t *testing.T) {
	m := &mockConverse{out: converseOutput(&types.ContentBlockMemberText{Value: "plain answer"})}
	c := newTestBedrock(m)

	res, err := c.Generate(context.Background(), domain.GenerateRequest{System: "be brief", Prompt: "hello", MaxTokens: 256})
	require.NoError(t, err)

	assert.Equal(t, "plain answer", res.Text)
	assert.Nil(t, res.Raw)
	assert.Equal(t, "anthropic.claude-3-5-sonnet", res.Model)
	assert.Equal(t, domain.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20, ResponseBytes: len("plain answer")}, res.Usage)
	assert.Equal(t, "bedrock", c.Name())

	require.NotNil(t, m.last)
	assert.Equal(t, "anthropic.claude-3-5-sonnet", aws.ToString(m.last.ModelId))
	assert.Equal(t, int32(256), aws.ToInt32(m.last.InferenceConfig.MaxTokens))
	require.Len(t, m.last.System, 1)
	assert.Equal(t, "be brief", m.last.System[0].(*types.SystemContentBlockMemberText).Value)
	require.Len(t, m.last.Messages, 1)
	assert.Equal(t, "hello", m.last.Messages[0].Content[0].(*types.ContentBlockMemberText).Value)
	assert.Nil(t, m.last.ToolConfig)
}

func TestBedrockGenerateStructuredViaTool(t *testing.T) {
	m := &mockConverse{out: converseOutput(&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
		ToolUseId: aws.String("t1"),
		Name:      aws.String(resultTool),
		Input:     document.NewLazyDocument(map[string]any{"summary": "ranked third"}),
	}})}

	res, err := newTestBedrock(m).Generate(context.Background(), domain.GenerateRequest{Prompt: "p", Schema: resultSchema})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Raw, &out))
	assert.Equal(t, "ranked third", out["summary"])

	require.NotNil(t, m.last.ToolConfig)
	require.Len(t, m.last.ToolConfig.Tools, 1)
	tool := m.last.ToolConfig.Tools[0].(*types.ToolMemberToolSpec).Value
	assert.Equal(t, resultTool, aws.ToString(tool.Name))
	choice, ok := m.last.ToolConfig.ToolChoice.(*types.ToolChoiceMemberTool)
	require.True(t, ok, "tool choice should force the result tool")
	assert.Equal(t, resultTool, aws.ToString(choice.Value.Name))
}

func TestBedrockGenerateStructuredFromText(t *testing.T) {
	m := &mockConverse{out: converseOutput(&types.ContentBlockMemberText{Value: "```json\n{\"summary\": \"ok\"}\n```"})}

	res, err := newTestBedrock(m).Generate(context.Background(), domain.GenerateRequest{Prompt: "p", Schema: resultSchema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary": "ok"}`, string(res.Raw))
}

func TestBedrockGenerateSchemaMismatch(t *testing.T) {
	m := &mockConverse{out: converseOutput(&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
		Name:  aws.String(resultTool),
		Input: document.NewLazyDocument(map[string]any{"score": 3}),
	}})}

	_, err := newTestBedrock(m).Generate(context.Background(), domain.GenerateRequest{Prompt: "p", Schema: resultSchema})
	assert.ErrorIs(t, err, domain.ErrSchemaValidation)
}

func TestBedrockGenerateInvalidSchema(t *testing.T) {
	m := &mockConverse{}
	_, err := newTestBedrock(m).Generate(context.Background(), domain.GenerateRequest{Prompt: "p", Schema: json.RawMessage(`[`)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Nil(t, m.last, "no call should be made with a broken schema")
}

func TestBedrockErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}, domain.ErrRateLimit},
		{"denied", &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"}, domain.ErrAuthInvalid},
		{"too long", &smithy.GenericAPIError{Code: "ValidationException", Message: "input is too long"}, domain.ErrContextOverflow},
		{"unavailable", &smithy.GenericAPIError{Code: "ServiceUnavailableException", Message: "busy"}, domain.ErrProviderError},
		{"transport", errors.New("dial tcp: connection refused"), domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestBedrock(&mockConverse{err: tt.err}).Generate(context.Background(), domain.GenerateRequest{Prompt: "p"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("other validation errors are not backend faults", func(t *testing.T) {
		_, err := newTestBedrock(&mockConverse{err: &smithy.GenericAPIError{Code: "ValidationException", Message: "bad model id"}}).
			Generate(context.Background(), domain.GenerateRequest{Prompt: "p"})
		require.Error(t, err)
		assert.False(t, isBackendFault(err))
	})
}

func TestBedrockGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestBedrock(&mockConverse{err: errors.New("operation error Bedrock Runtime: Converse, canceled")}).
		Generate(ctx, domain.GenerateRequest{Prompt: "p"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildBedrockProvider(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")

	cfg := config.Defaults().Generation
	cfg.Provider = "bedrock"
	cfg.Region = "eu-west-1"
	cfg.CircuitBreaker.Enabled = false

	gen, err := Build(cfg, newTestLogger())
	require.NoError(t, err)
	_, ok := gen.(*BedrockClient)
	assert.True(t, ok, "got %T", gen)
}

package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/google/go-cmp/cmp"
)

type MockBedrockClient struct {
	ConverseFunc       func(ctx context.Context, in *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error)
	ConverseStreamFunc func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (*bedrockruntime.ConverseStreamOutput, error)
}

func (m *MockBedrockClient) Converse(ctx context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return m.ConverseFunc(ctx, in)
}

func (m *MockBedrockClient) ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return m.ConverseStreamFunc(ctx, in)
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestConverseInput(t *testing.T) {
	req := &converse.Request{
		ModelID: "global.anthropic.claude-sonnet-4-5-20250929-v1:0",
		System:  []string{"be brief"},
		Messages: []converse.Message{
			{Role: converse.RoleUser, Content: []converse.ContentBlock{
				converse.TextBlock{Text: "look"},
				converse.ImageBlock{Format: converse.ImagePNG, Bytes: []byte{1, 2}},
			}},
			{Role: converse.RoleAssistant, Content: []converse.ContentBlock{
				converse.ToolUseBlock{ID: "call_1", Name: "weather", Input: map[string]any{"city": "Paris"}},
			}},
			{Role: converse.RoleUser, Content: []converse.ContentBlock{
				converse.ToolResultBlock{ToolUseID: "call_1", Status: converse.ToolResultSuccess, Content: []converse.ContentBlock{
					converse.TextBlock{Text: "sunny"},
				}},
			}},
		},
		InferenceConfig: &converse.InferenceConfig{
			MaxTokens:     intPtr(256),
			Temperature:   floatPtr(0.5),
			StopSequences: []string{"END"},
		},
		ToolConfig: &converse.ToolConfig{
			Tools:  []converse.ToolSpec{{Name: "weather", InputSchema: map[string]any{"type": "object"}}},
			Choice: &converse.ToolChoice{Kind: converse.ToolChoiceTool, Name: "weather"},
		},
		AdditionalFields: map[string]any{"thinking": map[string]any{"type": "enabled"}},
	}

	in := converseInput(req)

	if aws.ToString(in.ModelId) != req.ModelID {
		t.Errorf("ModelId = %q", aws.ToString(in.ModelId))
	}
	if sys, ok := in.System[0].(*types.SystemContentBlockMemberText); !ok || sys.Value != "be brief" {
		t.Errorf("unexpected system block %#v", in.System[0])
	}
	if len(in.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(in.Messages))
	}
	if in.Messages[1].Role != types.ConversationRoleAssistant {
		t.Errorf("expected assistant role, got %s", in.Messages[1].Role)
	}

	img, ok := in.Messages[0].Content[1].(*types.ContentBlockMemberImage)
	if !ok || img.Value.Format != types.ImageFormatPng {
		t.Fatalf("expected png image block, got %#v", in.Messages[0].Content[1])
	}
	if src, ok := img.Value.Source.(*types.ImageSourceMemberBytes); !ok || len(src.Value) != 2 {
		t.Errorf("unexpected image source %#v", img.Value.Source)
	}

	tu, ok := in.Messages[1].Content[0].(*types.ContentBlockMemberToolUse)
	if !ok || aws.ToString(tu.Value.ToolUseId) != "call_1" {
		t.Fatalf("unexpected tool use block %#v", in.Messages[1].Content[0])
	}
	if diff := cmp.Diff(map[string]any{"city": "Paris"}, decodeDocument(tu.Value.Input)); diff != "" {
		t.Errorf("tool input mismatch (-want +got):\n%s", diff)
	}

	tr, ok := in.Messages[2].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok || tr.Value.Status != types.ToolResultStatusSuccess {
		t.Fatalf("unexpected tool result block %#v", in.Messages[2].Content[0])
	}

	if aws.ToInt32(in.InferenceConfig.MaxTokens) != 256 || aws.ToFloat32(in.InferenceConfig.Temperature) != 0.5 {
		t.Errorf("unexpected inference config %+v", in.InferenceConfig)
	}
	if in.InferenceConfig.TopP != nil {
		t.Error("unset top_p must stay nil")
	}

	choice, ok := in.ToolConfig.ToolChoice.(*types.ToolChoiceMemberTool)
	if !ok || aws.ToString(choice.Value.Name) != "weather" {
		t.Errorf("unexpected tool choice %#v", in.ToolConfig.ToolChoice)
	}
	if in.AdditionalModelRequestFields == nil {
		t.Error("expected additional model request fields")
	}
}

func TestConverseInput_Minimal(t *testing.T) {
	in := converseInput(&converse.Request{ModelID: "m", Messages: []converse.Message{
		{Role: converse.RoleUser, Content: []converse.ContentBlock{converse.TextBlock{Text: "hi"}}},
	}})

	if in.InferenceConfig != nil || in.ToolConfig != nil || in.AdditionalModelRequestFields != nil || in.System != nil {
		t.Errorf("optional fields should stay unset: %+v", in)
	}
}

func TestBedrock_Converse(t *testing.T) {
	mock := &MockBedrockClient{
		ConverseFunc: func(ctx context.Context, in *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
			return &bedrockruntime.ConverseOutput{
				Output: &types.ConverseOutputMemberMessage{Value: types.Message{
					Role: types.ConversationRoleAssistant,
					Content: []types.ContentBlock{
						&types.ContentBlockMemberReasoningContent{Value: &types.ReasoningContentBlockMemberReasoningText{
							Value: types.ReasoningTextBlock{Text: aws.String("hmm"), Signature: aws.String("sig")},
						}},
						&types.ContentBlockMemberText{Value: "Checking."},
						&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
							ToolUseId: aws.String("tooluse_1"),
							Name:      aws.String("weather"),
							Input:     document.NewLazyDocument(map[string]any{"city": "Paris", "days": 2}),
						}},
					},
				}},
				StopReason: types.StopReasonToolUse,
				Usage: &types.TokenUsage{
					InputTokens:          aws.Int32(12),
					OutputTokens:         aws.Int32(7),
					TotalTokens:          aws.Int32(19),
					CacheReadInputTokens: aws.Int32(3),
				},
				Metrics: &types.ConverseMetrics{LatencyMs: aws.Int64(420)},
			}, nil
		},
	}
	b := &Bedrock{client: mock}

	resp, err := b.Converse(context.Background(), &converse.Request{ModelID: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &converse.Response{
		Message: converse.Message{
			Role: converse.RoleAssistant,
			Content: []converse.ContentBlock{
				converse.ReasoningBlock{Text: "hmm", Signature: "sig"},
				converse.TextBlock{Text: "Checking."},
				converse.ToolUseBlock{ID: "tooluse_1", Name: "weather", Input: map[string]any{"city": "Paris", "days": float64(2)}},
			},
		},
		StopReason: converse.StopToolUse,
		Usage:      converse.Usage{InputTokens: 12, OutputTokens: 7, CacheReadTokens: 3},
		LatencyMs:  420,
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestBedrock_ConverseError(t *testing.T) {
	mock := &MockBedrockClient{
		ConverseFunc: func(ctx context.Context, in *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
			return nil, &types.ValidationException{Message: aws.String("messages: field required")}
		},
	}
	b := &Bedrock{client: mock}

	_, err := b.Converse(context.Background(), &converse.Request{ModelID: "m"})
	if !errors.Is(err, domain.ErrBackendValidation) {
		t.Fatalf("expected ErrBackendValidation, got %v", err)
	}
	if got := err.Error(); got != "backend validation error: messages: field required" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"validation", &types.ValidationException{Message: aws.String("bad")}, domain.ErrBackendValidation},
		{"throttling", &types.ThrottlingException{Message: aws.String("slow down")}, domain.ErrBackendThrottled},
		{"quota", &types.ServiceQuotaExceededException{}, domain.ErrBackendThrottled},
		{"not ready", &types.ModelNotReadyException{}, domain.ErrBackendUnavailable},
		{"unavailable", &types.ServiceUnavailableException{}, domain.ErrBackendUnavailable},
		{"model timeout", &types.ModelTimeoutException{}, domain.ErrTimeout},
		{"deadline", context.DeadlineExceeded, domain.ErrTimeout},
		{"generic api code", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "x"}, domain.ErrBackendThrottled},
		{"canceled", context.Canceled, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	unknown := classify(errors.New("connection reset"))
	if domain.Classify(unknown).Code != "internal_error" {
		t.Errorf("unknown errors should classify as internal, got %v", unknown)
	}
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

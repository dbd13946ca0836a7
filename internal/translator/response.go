package translator

import (
	"encoding/json"
	"strings"

	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
)

// MapStopReason converts a backend stop reason. Unknown reasons map to stop.
func MapStopReason(reason converse.StopReason) string {
	switch reason {
	case converse.StopEndTurn, converse.StopSequence:
		return domain.FinishReasonStop
	case converse.StopMaxTokens:
		return domain.FinishReasonLength
	case converse.StopToolUse:
		return domain.FinishReasonToolCalls
	case converse.StopContentFiltered, converse.StopGuardrail:
		return domain.FinishReasonContentFilter
	default:
		return domain.FinishReasonStop
	}
}

// TranslateResponse builds the single-choice completion for resp. Content is
// nil when the backend produced no text.
func TranslateResponse(resp *converse.Response, model, requestID string, created int64) *domain.ChatResponse {
	var text, thinking strings.Builder
	var toolCalls []domain.ToolCall
	hasThinking := false

	for _, block := range resp.Message.Content {
		switch b := block.(type) {
		case converse.TextBlock:
			text.WriteString(b.Text)
		case converse.ToolUseBlock:
			toolCalls = append(toolCalls, toolCallFromBlock(b))
		case converse.ReasoningBlock:
			thinking.WriteString(b.Text)
			hasThinking = true
		}
	}

	msg := &domain.ResponseMessage{
		Role:      domain.RoleAssistant,
		ToolCalls: toolCalls,
	}
	if text.Len() > 0 {
		s := text.String()
		msg.Content = &s
	}
	if hasThinking {
		s := thinking.String()
		msg.Thinking = &s
	}

	finishReason := MapStopReason(resp.StopReason)
	if len(toolCalls) > 0 {
		finishReason = domain.FinishReasonToolCalls
	}

	return &domain.ChatResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []domain.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finishReason,
		}},
		Usage: usageFromBackend(resp.Usage),
	}
}

func toolCallFromBlock(b converse.ToolUseBlock) domain.ToolCall {
	id := b.ID
	if id == "" {
		id = newToolCallID()
	}

	input := b.Input
	if input == nil {
		input = map[string]any{}
	}
	args, err := json.Marshal(input)
	if err != nil {
		args = []byte("{}")
	}

	return domain.ToolCall{
		ID:   id,
		Type: "function",
		Function: domain.FunctionCall{
			Name:      b.Name,
			Arguments: string(args),
		},
	}
}

func usageFromBackend(u converse.Usage) domain.Usage {
	usage := domain.NewUsage(u.InputTokens, u.OutputTokens)
	if u.CacheReadTokens > 0 {
		usage.PromptTokensDetails = &domain.PromptTokensDetails{CachedTokens: u.CacheReadTokens}
	}
	return usage
}

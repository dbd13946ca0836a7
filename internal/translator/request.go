// Package translator converts between the chat-completion wire format and
// the backend's converse format, in both directions and for streams.
package translator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
)

// Features toggles optional request content.
type Features struct {
	Vision           bool
	ToolUse          bool
	ExtendedThinking bool
}

func AllFeatures() Features {
	return Features{Vision: true, ToolUse: true, ExtendedThinking: true}
}

type ImageResolver interface {
	Resolve(ctx context.Context, url string) (converse.ImageBlock, bool)
}

type RequestTranslator struct {
	features Features
	images   ImageResolver
	logger   *slog.Logger
}

func NewRequestTranslator(features Features, images ImageResolver, logger *slog.Logger) *RequestTranslator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestTranslator{
		features: features,
		images:   images,
		logger:   logger,
	}
}

// Translate never fails: content it cannot convert is dropped or replaced
// with a neutral value. Callers validate the request first.
func (t *RequestTranslator) Translate(ctx context.Context, req *domain.ChatRequest, modelID string) *converse.Request {
	out := &converse.Request{
		ModelID:         modelID,
		System:          extractSystem(req.Messages),
		InferenceConfig: inferenceConfig(req),
	}

	for _, msg := range req.Messages {
		if msg.Role == domain.RoleSystem {
			continue
		}
		out.Messages = append(out.Messages, converse.Message{
			Role:    backendRole(msg.Role),
			Content: t.content(ctx, msg),
		})
	}

	if len(req.Tools) > 0 && t.features.ToolUse {
		out.ToolConfig = t.toolConfig(req.Tools, req.ToolChoice)
	}

	if req.Thinking != nil && t.features.ExtendedThinking {
		out.AdditionalFields = map[string]any{"thinking": req.Thinking}
	}

	return out
}

func backendRole(role string) converse.Role {
	if role == domain.RoleAssistant {
		return converse.RoleAssistant
	}
	return converse.RoleUser
}

func extractSystem(messages []domain.Message) []string {
	var system []string
	for _, msg := range messages {
		if msg.Role != domain.RoleSystem {
			continue
		}
		if msg.Content.IsParts() {
			for _, part := range msg.Content.Parts {
				if part.Type == domain.ContentPartText && part.Text != "" {
					system = append(system, part.Text)
				}
			}
			continue
		}
		if text := msg.Content.String(); text != "" {
			system = append(system, text)
		}
	}
	return system
}

func (t *RequestTranslator) content(ctx context.Context, msg domain.Message) []converse.ContentBlock {
	if msg.Role == domain.RoleTool {
		return []converse.ContentBlock{
			converse.ToolResultBlock{
				ToolUseID: msg.ToolCallID,
				Content:   []converse.ContentBlock{converse.TextBlock{Text: msg.Content.String()}},
				Status:    converse.ToolResultSuccess,
			},
		}
	}

	if msg.Role == domain.RoleAssistant && len(msg.ToolCalls) > 0 {
		blocks := make([]converse.ContentBlock, 0, len(msg.ToolCalls)+1)
		if text := msg.Content.String(); text != "" {
			blocks = append(blocks, converse.TextBlock{Text: text})
		}
		for _, call := range msg.ToolCalls {
			input, ok := parseArguments(call.Function.Arguments)
			if !ok {
				t.logger.Debug("tool call arguments are not a JSON object, sending empty input",
					"tool_call_id", call.ID, "tool", call.Function.Name)
			}
			blocks = append(blocks, converse.ToolUseBlock{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: input,
			})
		}
		return blocks
	}

	if !msg.Content.IsParts() {
		return []converse.ContentBlock{converse.TextBlock{Text: msg.Content.String()}}
	}

	var blocks []converse.ContentBlock
	for _, part := range msg.Content.Parts {
		switch part.Type {
		case domain.ContentPartText:
			blocks = append(blocks, converse.TextBlock{Text: part.Text})
		case domain.ContentPartImage:
			if !t.features.Vision || part.ImageURL == nil || t.images == nil {
				continue
			}
			if img, ok := t.images.Resolve(ctx, part.ImageURL.URL); ok {
				blocks = append(blocks, img)
			}
		}
	}
	if len(blocks) == 0 {
		return []converse.ContentBlock{converse.TextBlock{Text: ""}}
	}
	return blocks
}

// parseArguments decodes a tool call's argument string. Anything that is not
// a JSON object yields an empty object and false.
func parseArguments(raw string) (map[string]any, bool) {
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil || input == nil {
		return map[string]any{}, false
	}
	return input, true
}

func inferenceConfig(req *domain.ChatRequest) *converse.InferenceConfig {
	cfg := &converse.InferenceConfig{
		MaxTokens: req.MaxTokens,
		TopP:      req.TopP,
	}
	if req.Temperature != nil {
		temp := min(*req.Temperature, converse.MaxTemperature)
		cfg.Temperature = &temp
	}
	if len(req.Stop) > 0 {
		stops := []string(req.Stop)
		if len(stops) > converse.MaxStopSequences {
			stops = stops[:converse.MaxStopSequences]
		}
		cfg.StopSequences = stops
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil && cfg.TopP == nil && cfg.StopSequences == nil {
		return nil
	}
	return cfg
}

func (t *RequestTranslator) toolConfig(tools []domain.Tool, choice *domain.ToolChoice) *converse.ToolConfig {
	cfg := &converse.ToolConfig{}
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		cfg.Tools = append(cfg.Tools, converse.ToolSpec{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: inputSchema(tool.Function.Parameters),
		})
	}

	if choice == nil {
		return cfg
	}
	switch choice.Mode {
	case domain.ToolChoiceNone:
		// the backend has no "none" mode
		t.logger.Debug("tool_choice none sent as auto")
		cfg.Choice = &converse.ToolChoice{Kind: converse.ToolChoiceAuto}
	case domain.ToolChoiceAuto:
		cfg.Choice = &converse.ToolChoice{Kind: converse.ToolChoiceAuto}
	case domain.ToolChoiceRequired:
		cfg.Choice = &converse.ToolChoice{Kind: converse.ToolChoiceAny}
	case domain.ToolChoiceFunction:
		cfg.Choice = &converse.ToolChoice{Kind: converse.ToolChoiceTool, Name: choice.Function}
	}
	return cfg
}

func inputSchema(params *domain.FunctionParameters) map[string]any {
	properties := map[string]any{}
	required := []string{}
	if params != nil {
		if params.Properties != nil {
			properties = params.Properties
		}
		if params.Required != nil {
			required = params.Required
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

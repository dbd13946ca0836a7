package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
)

type bedrockAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// eventReader is satisfied by *bedrockruntime.ConverseStreamEventStream.
type eventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

type Bedrock struct {
	client bedrockAPI
}

func NewBedrock(cfg aws.Config, endpoint string) *Bedrock {
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Bedrock{client: client}
}

func (b *Bedrock) Converse(ctx context.Context, req *converse.Request) (*converse.Response, error) {
	out, err := b.client.Converse(ctx, converseInput(req))
	if err != nil {
		return nil, classify(err)
	}
	return converseResponse(out)
}

func (b *Bedrock) ConverseStream(ctx context.Context, req *converse.Request) (Stream, error) {
	in := converseInput(req)
	out, err := b.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:                      in.ModelId,
		Messages:                     in.Messages,
		System:                       in.System,
		InferenceConfig:              in.InferenceConfig,
		ToolConfig:                   in.ToolConfig,
		AdditionalModelRequestFields: in.AdditionalModelRequestFields,
	})
	if err != nil {
		return nil, classify(err)
	}
	return newEventStream(ctx, out.GetStream()), nil
}

func converseInput(req *converse.Request) *bedrockruntime.ConverseInput {
	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.ModelID),
		Messages: make([]types.Message, 0, len(req.Messages)),
	}

	for _, s := range req.System {
		in.System = append(in.System, &types.SystemContentBlockMemberText{Value: s})
	}
	for _, m := range req.Messages {
		in.Messages = append(in.Messages, types.Message{
			Role:    types.ConversationRole(m.Role),
			Content: contentBlocks(m.Content),
		})
	}

	if ic := req.InferenceConfig; ic != nil {
		cfg := &types.InferenceConfiguration{StopSequences: ic.StopSequences}
		if ic.MaxTokens != nil {
			cfg.MaxTokens = aws.Int32(int32(*ic.MaxTokens))
		}
		if ic.Temperature != nil {
			cfg.Temperature = aws.Float32(float32(*ic.Temperature))
		}
		if ic.TopP != nil {
			cfg.TopP = aws.Float32(float32(*ic.TopP))
		}
		in.InferenceConfig = cfg
	}

	if tc := req.ToolConfig; tc != nil {
		in.ToolConfig = toolConfiguration(tc)
	}

	if len(req.AdditionalFields) > 0 {
		in.AdditionalModelRequestFields = document.NewLazyDocument(req.AdditionalFields)
	}
	return in
}

func contentBlocks(blocks []converse.ContentBlock) []types.ContentBlock {
	out := make([]types.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case converse.TextBlock:
			out = append(out, &types.ContentBlockMemberText{Value: v.Text})
		case converse.ImageBlock:
			out = append(out, &types.ContentBlockMemberImage{Value: types.ImageBlock{
				Format: types.ImageFormat(v.Format),
				Source: &types.ImageSourceMemberBytes{Value: v.Bytes},
			}})
		case converse.ToolUseBlock:
			input := v.Input
			if input == nil {
				input = map[string]any{}
			}
			out = append(out, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(v.ID),
				Name:      aws.String(v.Name),
				Input:     document.NewLazyDocument(input),
			}})
		case converse.ToolResultBlock:
			out = append(out, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(v.ToolUseID),
				Content:   toolResultContent(v.Content),
				Status:    types.ToolResultStatus(v.Status),
			}})
		case converse.ReasoningBlock:
			rt := types.ReasoningTextBlock{Text: aws.String(v.Text)}
			if v.Signature != "" {
				rt.Signature = aws.String(v.Signature)
			}
			out = append(out, &types.ContentBlockMemberReasoningContent{
				Value: &types.ReasoningContentBlockMemberReasoningText{Value: rt},
			})
		}
	}
	return out
}

func toolResultContent(blocks []converse.ContentBlock) []types.ToolResultContentBlock {
	out := make([]types.ToolResultContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case converse.TextBlock:
			out = append(out, &types.ToolResultContentBlockMemberText{Value: v.Text})
		case converse.ImageBlock:
			out = append(out, &types.ToolResultContentBlockMemberImage{Value: types.ImageBlock{
				Format: types.ImageFormat(v.Format),
				Source: &types.ImageSourceMemberBytes{Value: v.Bytes},
			}})
		}
	}
	return out
}

func toolConfiguration(tc *converse.ToolConfig) *types.ToolConfiguration {
	cfg := &types.ToolConfiguration{}
	for _, t := range tc.Tools {
		spec := types.ToolSpecification{
			Name:        aws.String(t.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.InputSchema)},
		}
		if t.Description != "" {
			spec.Description = aws.String(t.Description)
		}
		cfg.Tools = append(cfg.Tools, &types.ToolMemberToolSpec{Value: spec})
	}

	if c := tc.Choice; c != nil {
		switch c.Kind {
		case converse.ToolChoiceAuto:
			cfg.ToolChoice = &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}}
		case converse.ToolChoiceAny:
			cfg.ToolChoice = &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
		case converse.ToolChoiceTool:
			cfg.ToolChoice = &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(c.Name)}}
		}
	}
	return cfg
}

func converseResponse(out *bedrockruntime.ConverseOutput) (*converse.Response, error) {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("bedrock: unexpected output type %T", out.Output)
	}

	resp := &converse.Response{
		Message: converse.Message{
			Role: converse.Role(msg.Value.Role),
		},
		StopReason: converse.StopReason(out.StopReason),
		Usage:      usage(out.Usage),
	}
	if out.Metrics != nil {
		resp.LatencyMs = aws.ToInt64(out.Metrics.LatencyMs)
	}

	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Message.Content = append(resp.Message.Content, converse.TextBlock{Text: v.Value})
		case *types.ContentBlockMemberToolUse:
			resp.Message.Content = append(resp.Message.Content, converse.ToolUseBlock{
				ID:    aws.ToString(v.Value.ToolUseId),
				Name:  aws.ToString(v.Value.Name),
				Input: decodeDocument(v.Value.Input),
			})
		case *types.ContentBlockMemberReasoningContent:
			if rt, ok := v.Value.(*types.ReasoningContentBlockMemberReasoningText); ok {
				resp.Message.Content = append(resp.Message.Content, converse.ReasoningBlock{
					Text:      aws.ToString(rt.Value.Text),
					Signature: aws.ToString(rt.Value.Signature),
				})
			}
		}
	}
	return resp, nil
}

// decodeDocument goes through JSON so numbers come back as float64 and the
// map marshals the way callers expect.
func decodeDocument(doc document.Interface) map[string]any {
	if doc == nil {
		return nil
	}
	raw, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func usage(u *types.TokenUsage) converse.Usage {
	if u == nil {
		return converse.Usage{}
	}
	return converse.Usage{
		InputTokens:      int(aws.ToInt32(u.InputTokens)),
		OutputTokens:     int(aws.ToInt32(u.OutputTokens)),
		CacheReadTokens:  int(aws.ToInt32(u.CacheReadInputTokens)),
		CacheWriteTokens: int(aws.ToInt32(u.CacheWriteInputTokens)),
	}
}

// convertEvent maps one SDK stream event. Events the gateway has no use for
// report false.
func convertEvent(ev types.ConverseStreamOutput) (converse.StreamEvent, bool) {
	switch v := ev.(type) {
	case *types.ConverseStreamOutputMemberMessageStart:
		return converse.MessageStart{Role: converse.Role(v.Value.Role)}, true

	case *types.ConverseStreamOutputMemberContentBlockStart:
		start := converse.ContentBlockStart{Index: int(aws.ToInt32(v.Value.ContentBlockIndex))}
		if tu, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
			start.ToolUse = &converse.ToolUseStart{
				ID:   aws.ToString(tu.Value.ToolUseId),
				Name: aws.ToString(tu.Value.Name),
			}
		}
		return start, true

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		idx := int(aws.ToInt32(v.Value.ContentBlockIndex))
		switch d := v.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			return converse.ContentBlockDelta{Index: idx, Delta: converse.TextDelta{Text: d.Value}}, true
		case *types.ContentBlockDeltaMemberToolUse:
			return converse.ContentBlockDelta{Index: idx, Delta: converse.ToolUseDelta{Input: aws.ToString(d.Value.Input)}}, true
		case *types.ContentBlockDeltaMemberReasoningContent:
			if t, ok := d.Value.(*types.ReasoningContentBlockDeltaMemberText); ok {
				return converse.ContentBlockDelta{Index: idx, Delta: converse.ReasoningDelta{Text: t.Value}}, true
			}
		}
		return nil, false

	case *types.ConverseStreamOutputMemberContentBlockStop:
		return converse.ContentBlockStop{Index: int(aws.ToInt32(v.Value.ContentBlockIndex))}, true

	case *types.ConverseStreamOutputMemberMessageStop:
		return converse.MessageStop{StopReason: converse.StopReason(v.Value.StopReason)}, true

	case *types.ConverseStreamOutputMemberMetadata:
		md := converse.Metadata{Usage: usage(v.Value.Usage)}
		if v.Value.Metrics != nil {
			md.LatencyMs = aws.ToInt64(v.Value.Metrics.LatencyMs)
		}
		return md, true
	}
	return nil, false
}

type eventStream struct {
	reader eventReader
	events chan converse.StreamEvent
	done   chan struct{}
	once   sync.Once
	err    error
}

func newEventStream(ctx context.Context, reader eventReader) *eventStream {
	s := &eventStream{
		reader: reader,
		events: make(chan converse.StreamEvent),
		done:   make(chan struct{}),
	}
	go s.pump(ctx)
	return s
}

func (s *eventStream) pump(ctx context.Context) {
	defer close(s.events)

	for ev := range s.reader.Events() {
		converted, ok := convertEvent(ev)
		if !ok {
			continue
		}
		select {
		case s.events <- converted:
		case <-s.done:
			return
		case <-ctx.Done():
			s.err = classify(ctx.Err())
			return
		}
	}
	if err := s.reader.Err(); err != nil {
		s.err = classify(err)
	}
}

func (s *eventStream) Events() <-chan converse.StreamEvent {
	return s.events
}

func (s *eventStream) Err() error {
	return s.err
}

func (s *eventStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.reader.Close()
	})
	return err
}

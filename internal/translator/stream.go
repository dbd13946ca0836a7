package translator

import (
	"errors"
	"fmt"

	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
)

var ErrStreamStopped = errors.New("stream already stopped")

type streamState int

const (
	stateIdle streamState = iota
	stateStarted
	stateStreaming
	stateStopped
)

func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarted:
		return "started"
	case stateStreaming:
		return "streaming"
	case stateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StreamTranslator turns one request's backend events into outbound frames.
// It is used by a single goroutine and is not reusable.
type StreamTranslator struct {
	id      string
	model   string
	created int64
	state   streamState

	// content block index -> tool call ordinal
	toolCalls map[int]int
}

func NewStreamTranslator(model, requestID string, created int64) *StreamTranslator {
	return &StreamTranslator{
		id:        requestID,
		model:     model,
		created:   created,
		toolCalls: make(map[int]int),
	}
}

// Stopped reports whether the terminal chunk and sentinel were emitted.
func (s *StreamTranslator) Stopped() bool {
	return s.state == stateStopped
}

// Translate consumes one event. Metadata produces no frames in any state;
// every other event after the stream stopped is rejected.
func (s *StreamTranslator) Translate(ev converse.StreamEvent) ([]domain.StreamFrame, error) {
	if _, ok := ev.(converse.Metadata); ok {
		return nil, nil
	}
	if s.state == stateStopped {
		return nil, ErrStreamStopped
	}

	var frames []domain.StreamFrame
	if s.state == stateIdle {
		frames = append(frames, s.chunk(domain.Delta{Role: domain.RoleAssistant}, nil))
		s.state = stateStarted
		if _, ok := ev.(converse.MessageStart); ok {
			return frames, nil
		}
	}

	switch e := ev.(type) {
	case converse.MessageStart:
		// duplicate start, nothing to emit

	case converse.ContentBlockStart:
		if e.ToolUse == nil {
			break
		}
		ordinal := s.toolOrdinal(e.Index)
		id := e.ToolUse.ID
		if id == "" {
			id = newToolCallID()
		}
		frames = append(frames, s.chunk(domain.Delta{
			ToolCalls: []domain.ToolCall{{
				Index:    &ordinal,
				ID:       id,
				Type:     "function",
				Function: domain.FunctionCall{Name: e.ToolUse.Name, Arguments: ""},
			}},
		}, nil))
		s.state = stateStreaming

	case converse.ContentBlockDelta:
		if f, ok := s.delta(e); ok {
			frames = append(frames, f)
		}
		s.state = stateStreaming

	case converse.ContentBlockStop:

	case converse.MessageStop:
		reason := MapStopReason(e.StopReason)
		if len(s.toolCalls) > 0 {
			reason = domain.FinishReasonToolCalls
		}
		frames = append(frames, s.terminal(reason)...)

	default:
		return frames, fmt.Errorf("unknown stream event %T", ev)
	}

	return frames, nil
}

func (s *StreamTranslator) delta(e converse.ContentBlockDelta) (domain.StreamFrame, bool) {
	switch d := e.Delta.(type) {
	case converse.TextDelta:
		text := d.Text
		return s.chunk(domain.Delta{Content: &text}, nil), true
	case converse.ReasoningDelta:
		text := d.Text
		return s.chunk(domain.Delta{Thinking: &text}, nil), true
	case converse.ToolUseDelta:
		if d.Input == "" {
			return domain.StreamFrame{}, false
		}
		// Fragments are forwarded verbatim and carry only the index; clients
		// join them to the id and name sent with the call's first delta.
		ordinal := s.toolOrdinal(e.Index)
		return s.chunk(domain.Delta{
			ToolCalls: []domain.ToolCall{{
				Index:    &ordinal,
				Function: domain.FunctionCall{Arguments: d.Input},
			}},
		}, nil), true
	}
	return domain.StreamFrame{}, false
}

func (s *StreamTranslator) toolOrdinal(blockIndex int) int {
	if ordinal, ok := s.toolCalls[blockIndex]; ok {
		return ordinal
	}
	ordinal := len(s.toolCalls)
	s.toolCalls[blockIndex] = ordinal
	return ordinal
}

// Fail ends the stream after a backend error with an inline error frame, a
// terminal chunk and the sentinel. It is a no-op once stopped.
func (s *StreamTranslator) Fail(err error) []domain.StreamFrame {
	if s.state == stateStopped {
		return nil
	}
	_, body := domain.NewErrorBody(err)
	frames := []domain.StreamFrame{{Error: &body}}
	return append(frames, s.terminal(domain.FinishReasonStop)...)
}

// Finish closes a stream whose backend ended without a message stop.
func (s *StreamTranslator) Finish() []domain.StreamFrame {
	if s.state == stateStopped {
		return nil
	}
	reason := domain.FinishReasonStop
	if len(s.toolCalls) > 0 {
		reason = domain.FinishReasonToolCalls
	}
	return s.terminal(reason)
}

func (s *StreamTranslator) terminal(reason string) []domain.StreamFrame {
	s.state = stateStopped
	return []domain.StreamFrame{
		s.chunk(domain.Delta{}, &reason),
		{Done: true},
	}
}

func (s *StreamTranslator) chunk(delta domain.Delta, finishReason *string) domain.StreamFrame {
	return domain.StreamFrame{
		Chunk: &domain.StreamChunk{
			ID:      s.id,
			Object:  "chat.completion.chunk",
			Created: s.created,
			Model:   s.model,
			Choices: []domain.StreamChoice{{
				Index:        0,
				Delta:        delta,
				FinishReason: finishReason,
			}},
		},
	}
}

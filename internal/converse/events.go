package converse

// StreamEvent is one of MessageStart, ContentBlockStart, ContentBlockDelta,
// ContentBlockStop, MessageStop or Metadata.
type StreamEvent interface {
	isStreamEvent()
}

type MessageStart struct {
	Role Role
}

// ContentBlockStart opens block Index. ToolUse is set for tool-use blocks.
type ContentBlockStart struct {
	Index   int
	ToolUse *ToolUseStart
}

type ToolUseStart struct {
	ID   string
	Name string
}

type ContentBlockDelta struct {
	Index int
	Delta Delta
}

type ContentBlockStop struct {
	Index int
}

type MessageStop struct {
	StopReason StopReason
}

// Metadata arrives after MessageStop and carries the final token counts.
type Metadata struct {
	Usage     Usage
	LatencyMs int64
}

func (MessageStart) isStreamEvent()      {}
func (ContentBlockStart) isStreamEvent() {}
func (ContentBlockDelta) isStreamEvent() {}
func (ContentBlockStop) isStreamEvent()  {}
func (MessageStop) isStreamEvent()       {}
func (Metadata) isStreamEvent()          {}

// Delta is one of TextDelta, ToolUseDelta or ReasoningDelta.
type Delta interface {
	isDelta()
}

type TextDelta struct {
	Text string
}

// ToolUseDelta carries a raw fragment of the tool input JSON.
type ToolUseDelta struct {
	Input string
}

type ReasoningDelta struct {
	Text string
}

func (TextDelta) isDelta()      {}
func (ToolUseDelta) isDelta()   {}
func (ReasoningDelta) isDelta() {}

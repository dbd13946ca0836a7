// Package converse models the backend's converse-style request, response and
// stream event shapes as closed sum types.
package converse

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopSequence        StopReason = "stop_sequence"
	StopMaxTokens       StopReason = "max_tokens"
	StopToolUse         StopReason = "tool_use"
	StopContentFiltered StopReason = "content_filtered"
	StopGuardrail       StopReason = "guardrail_intervened"
)

// MaxStopSequences is the most stop sequences the backend accepts.
const MaxStopSequences = 4

// MaxTemperature is the backend's temperature ceiling.
const MaxTemperature = 1.0

type Request struct {
	ModelID          string
	System           []string
	Messages         []Message
	InferenceConfig  *InferenceConfig
	ToolConfig       *ToolConfig
	AdditionalFields map[string]any
}

type Message struct {
	Role    Role
	Content []ContentBlock
}

type InferenceConfig struct {
	MaxTokens     *int
	Temperature   *float64
	TopP          *float64
	StopSequences []string
}

// ToolConfig carries the tool specs. A nil Choice leaves the backend default.
type ToolConfig struct {
	Tools  []ToolSpec
	Choice *ToolChoice
}

type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

type ToolChoiceKind int

const (
	ToolChoiceAuto ToolChoiceKind = iota
	ToolChoiceAny
	ToolChoiceTool
)

type ToolChoice struct {
	Kind ToolChoiceKind
	Name string
}

// ContentBlock is one of TextBlock, ImageBlock, ToolUseBlock, ToolResultBlock
// or ReasoningBlock.
type ContentBlock interface {
	isContentBlock()
}

type TextBlock struct {
	Text string
}

type ImageFormat string

const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"
	ImageGIF  ImageFormat = "gif"
	ImageWebP ImageFormat = "webp"
)

type ImageBlock struct {
	Format ImageFormat
	Bytes  []byte
}

type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

type ToolResultStatus string

const (
	ToolResultSuccess ToolResultStatus = "success"
	ToolResultError   ToolResultStatus = "error"
)

type ToolResultBlock struct {
	ToolUseID string
	Content   []ContentBlock
	Status    ToolResultStatus
}

type ReasoningBlock struct {
	Text      string
	Signature string
}

func (TextBlock) isContentBlock()       {}
func (ImageBlock) isContentBlock()      {}
func (ToolUseBlock) isContentBlock()    {}
func (ToolResultBlock) isContentBlock() {}
func (ReasoningBlock) isContentBlock()  {}

type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

type Response struct {
	Message    Message
	StopReason StopReason
	Usage      Usage
	LatencyMs  int64
}

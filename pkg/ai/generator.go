package ai

import (
	"context"
	"encoding/json"
)

// TextGenerator generates text from a system prompt and user prompt.
// Used for one-shot generations such as chat title synthesis.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// StreamGenerator runs a tool-augmented chat completion, relaying output
// incrementally through the handler while it arrives.
type StreamGenerator interface {
	StreamChat(ctx context.Context, req StreamRequest, onEvent StreamHandler) (Completion, error)
}

// Message is one turn of model input.
type Message struct {
	Role       string     // system, user, assistant, tool
	Content    string
	ToolCalls  []ToolCall // set on assistant turns that invoked tools
	ToolCallID string     // set on tool result turns
}

// ToolCall identifies one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Tool is a callable function offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema for the arguments object
	Call        func(ctx context.Context, args json.RawMessage) (string, error)
}

// StreamRequest carries the full input of one streamed generation.
type StreamRequest struct {
	System   string
	Messages []Message
	Tools    []Tool
	MaxSteps int // tool-call round trips before the loop is cut off
}

// Stream event types.
const (
	EventTextDelta      = "text-delta"
	EventReasoningDelta = "reasoning-delta"
	EventToolCall       = "tool-call"
	EventToolResult     = "tool-result"
	EventFinish         = "finish"
)

// StreamEvent is one incremental unit of model output.
type StreamEvent struct {
	Type       string
	Text       string    // text-delta / reasoning-delta payload
	ToolCall   *ToolCall // tool-call / tool-result
	ToolResult string    // tool-result payload
}

// StreamHandler receives stream events in arrival order. Returning an error
// aborts the generation.
type StreamHandler func(StreamEvent) error

// CompletionPart is one accumulated segment of the final assistant output.
type CompletionPart struct {
	Type      string // text, reasoning, tool
	Text      string
	ToolName  string
	ToolArgs  json.RawMessage
	ToolValue string
}

// Completion is the fully accumulated result of a streamed generation.
type Completion struct {
	Parts []CompletionPart
}

// Text returns the concatenated plain-text parts of the completion.
func (c Completion) Text() string {
	var out string
	for _, part := range c.Parts {
		if part.Type == "text" {
			out += part.Text
		}
	}
	return out
}

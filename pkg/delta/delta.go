// Package delta defines the typed increments a production run emits and the
// encoder that turns raw model output into them.
package delta

import (
	"context"
	"encoding/json"
	"fmt"
)

type Type string

const (
	TypeTextDelta      Type = "text-delta"
	TypeReasoningDelta Type = "reasoning-delta"
	TypeID             Type = "id"
	TypeTitle          Type = "title"
	TypeKind           Type = "kind"
	TypeClear          Type = "clear"
	TypeCodeDelta      Type = "code-delta"
	TypeSheetDelta     Type = "sheet-delta"
	TypeImageDelta     Type = "image-delta"
	TypeSuggestion     Type = "suggestion"
	TypeToolCall       Type = "tool-call"
	TypeToolResult     Type = "tool-result"
	TypeAppendMessage  Type = "append-message"
	TypeError          Type = "error"
	TypeFinish         Type = "finish"
)

// Delta is one ordered increment of a stream. Seq is 1-based and assigned by
// the stream that accepts the delta; a resume cursor of n means "seen Seq<=n".
type Delta struct {
	Seq     int64           `json:"seq"`
	Type    Type            `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// New marshals content into a delta of type t. A nil content leaves Content empty.
func New(t Type, content any) (Delta, error) {
	d := Delta{Type: t}
	if content == nil {
		return d, nil
	}
	if raw, ok := content.(json.RawMessage); ok {
		d.Content = raw
		return d, nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return Delta{}, fmt.Errorf("encode %s delta: %w", t, err)
	}
	d.Content = raw
	return d, nil
}

// Terminal reports whether d ends its stream.
func (d Delta) Terminal() bool {
	return d.Type == TypeFinish
}

// ErrorContent is the payload of an error delta.
type ErrorContent struct {
	Message string `json:"message"`
}

// ToolCallContent is the payload of a tool-call delta.
type ToolCallContent struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolResultContent is the payload of a tool-result delta.
type ToolResultContent struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Output     any    `json:"output"`
}

// Sink accepts deltas in order. Implementations assign Seq.
type Sink interface {
	Write(ctx context.Context, d Delta) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Delta) error

func (f SinkFunc) Write(ctx context.Context, d Delta) error {
	return f(ctx, d)
}

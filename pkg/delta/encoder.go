package delta

import (
	"context"
	"errors"
	"sync"

	"artifactchat/pkg/ai"
	"artifactchat/pkg/domain"
)

// ErrFinished is returned when writing through an encoder that already emitted finish.
var ErrFinished = errors.New("delta encoder finished")

// FromChunk maps one raw model chunk to zero or more deltas. A model finish
// chunk maps to nothing: a turn may span several model calls and the stream
// finish is emitted once by the owner of the run.
func FromChunk(c ai.Chunk) ([]Delta, error) {
	switch c.Type {
	case ai.ChunkText:
		if c.Text == "" {
			return nil, nil
		}
		d, err := New(TypeTextDelta, c.Text)
		return []Delta{d}, err
	case ai.ChunkReasoning:
		if c.Text == "" {
			return nil, nil
		}
		d, err := New(TypeReasoningDelta, c.Text)
		return []Delta{d}, err
	case ai.ChunkToolCall:
		if c.ToolCall == nil {
			return nil, nil
		}
		d, err := New(TypeToolCall, ToolCallContent{
			ToolCallID: c.ToolCall.ID,
			ToolName:   c.ToolCall.Name,
			Input:      c.ToolCall.Arguments,
		})
		return []Delta{d}, err
	default:
		return nil, nil
	}
}

// Encoder writes typed deltas for one production run into a Sink.
type Encoder struct {
	mu       sync.Mutex
	sink     Sink
	finished bool
}

// NewEncoder wraps sink.
func NewEncoder(sink Sink) *Encoder {
	return &Encoder{sink: sink}
}

// Encode forwards the deltas derived from one model chunk, in order.
func (e *Encoder) Encode(ctx context.Context, c ai.Chunk) error {
	deltas, err := FromChunk(c)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		if err := e.write(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Begin announces a new artifact so subscribers can set up their view before
// any content arrives.
func (e *Encoder) Begin(ctx context.Context, id, title string, kind domain.DocumentKind) error {
	for _, step := range []struct {
		t Type
		v any
	}{
		{TypeID, id},
		{TypeTitle, title},
		{TypeKind, kind},
	} {
		if err := e.Emit(ctx, step.t, step.v); err != nil {
			return err
		}
	}
	return nil
}

// Emit writes one delta of type t.
func (e *Encoder) Emit(ctx context.Context, t Type, content any) error {
	d, err := New(t, content)
	if err != nil {
		return err
	}
	return e.write(ctx, d)
}

// ToolResult reports the outcome of a tool invocation.
func (e *Encoder) ToolResult(ctx context.Context, call ai.ToolCall, output any) error {
	return e.Emit(ctx, TypeToolResult, ToolResultContent{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     output,
	})
}

// Error writes an error-content delta without ending the stream.
func (e *Encoder) Error(ctx context.Context, msg string) error {
	return e.Emit(ctx, TypeError, ErrorContent{Message: msg})
}

// Fail writes an error delta followed by finish.
func (e *Encoder) Fail(ctx context.Context, cause error) error {
	msg := "generation failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := e.Error(ctx, msg); err != nil {
		return err
	}
	return e.Finish(ctx)
}

// Finish writes the terminal delta. Calling it again is a no-op.
func (e *Encoder) Finish(ctx context.Context) error {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	d, _ := New(TypeFinish, nil)
	if err := e.write(ctx, d); err != nil {
		return err
	}
	e.mu.Lock()
	e.finished = true
	e.mu.Unlock()
	return nil
}

// Finished reports whether finish was written.
func (e *Encoder) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

func (e *Encoder) write(ctx context.Context, d Delta) error {
	e.mu.Lock()
	finished := e.finished
	e.mu.Unlock()
	if finished {
		return ErrFinished
	}
	return e.sink.Write(ctx, d)
}

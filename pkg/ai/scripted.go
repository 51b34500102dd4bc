package ai

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ScriptedModel replays canned chunk sequences, one script per Stream call.
// It backs the "scripted" provider used for local development and tests.
type ScriptedModel struct {
	mu       sync.Mutex
	scripts  [][]Chunk
	index    int
	delay    time.Duration
	requests []Request
	failWith error
}

// NewScriptedModel builds a model that answers call i with scripts[i], cycling
// when exhausted.
func NewScriptedModel(scripts ...[]Chunk) *ScriptedModel {
	return &ScriptedModel{scripts: scripts}
}

// WithDelay sleeps between chunks, honoring ctx cancellation.
func (m *ScriptedModel) WithDelay(d time.Duration) *ScriptedModel {
	m.delay = d
	return m
}

// FailAfterScript makes Stream return err once the current script's chunks are sent.
func (m *ScriptedModel) FailAfterScript(err error) *ScriptedModel {
	m.failWith = err
	return m
}

// Requests returns a copy of every request seen so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Stream implements ChatModel.
func (m *ScriptedModel) Stream(ctx context.Context, req Request, fn func(context.Context, Chunk) error) error {
	m.mu.Lock()
	if len(m.scripts) == 0 {
		m.mu.Unlock()
		return errors.New("no scripts configured")
	}
	if m.index >= len(m.scripts) {
		m.index = 0
	}
	script := m.scripts[m.index]
	m.index++
	m.requests = append(m.requests, req)
	delay := m.delay
	failWith := m.failWith
	m.mu.Unlock()

	for _, c := range script {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, c); err != nil {
			return err
		}
	}
	return failWith
}

// TextScript is a helper building a script that streams texts then finishes.
func TextScript(texts ...string) []Chunk {
	out := make([]Chunk, 0, len(texts)+1)
	for _, t := range texts {
		out = append(out, Chunk{Type: ChunkText, Text: t})
	}
	return append(out, Chunk{Type: ChunkFinish, FinishReason: "stop"})
}

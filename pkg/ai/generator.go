package ai

import (
	"context"
	"fmt"
	"strings"
)

// GenerateText runs a single-turn request and returns the concatenated text output.
func GenerateText(ctx context.Context, model ChatModel, systemPrompt, userPrompt string) (string, error) {
	var sb strings.Builder
	err := model.Stream(ctx, Request{
		System:   systemPrompt,
		Messages: []Message{{Role: "user", Content: userPrompt}},
	}, func(_ context.Context, c Chunk) error {
		if c.Type == ChunkText {
			sb.WriteString(c.Text)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return text, nil
}

// StreamText runs a single-turn request and calls onText with each text increment.
func StreamText(ctx context.Context, model ChatModel, systemPrompt, userPrompt string, onText func(string) error) error {
	return model.Stream(ctx, Request{
		System:   systemPrompt,
		Messages: []Message{{Role: "user", Content: userPrompt}},
	}, func(_ context.Context, c Chunk) error {
		if c.Type != ChunkText || c.Text == "" {
			return nil
		}
		return onText(c.Text)
	})
}

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ModelConfig selects and configures a langchaingo backend.
type ModelConfig struct {
	Provider    string // openai, ollama
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Reasoning   bool
}

// LangchainModel adapts a langchaingo llms.Model to ChatModel.
type LangchainModel struct {
	llm         llms.Model
	maxTokens   int
	temperature float64
	reasoning   bool
}

// NewLangchainModel builds a streaming chat model for the configured provider.
func NewLangchainModel(cfg ModelConfig) (*LangchainModel, error) {
	var (
		model llms.Model
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "openai-compat", "":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if strings.TrimSpace(cfg.APIKey) != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if strings.TrimSpace(cfg.BaseURL) != "" {
			opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
		}
		model, err = openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if strings.TrimSpace(cfg.BaseURL) != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.Provider, err)
	}
	return NewLangchainModelFrom(model, cfg), nil
}

// NewLangchainModelFrom wraps an existing llms.Model.
func NewLangchainModelFrom(model llms.Model, cfg ModelConfig) *LangchainModel {
	return &LangchainModel{
		llm:         model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		reasoning:   cfg.Reasoning,
	}
}

// Stream implements ChatModel. Text is forwarded as it streams; tool calls are
// only known once the call completes and are emitted before the finish chunk.
func (m *LangchainModel) Stream(ctx context.Context, req Request, fn func(context.Context, Chunk) error) error {
	if fn == nil {
		return errors.New("stream callback required")
	}
	streamed := false
	opts := []llms.CallOption{}
	if m.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(m.maxTokens))
	}
	if m.temperature > 0 {
		opts = append(opts, llms.WithTemperature(m.temperature))
	}
	if len(req.Tools) > 0 {
		opts = append(opts, llms.WithTools(convertTools(req.Tools)))
	}
	if m.reasoning {
		opts = append(opts, llms.WithStreamingReasoningFunc(func(ctx context.Context, reasoningChunk, chunk []byte) error {
			if len(reasoningChunk) > 0 {
				if err := fn(ctx, Chunk{Type: ChunkReasoning, Text: string(reasoningChunk)}); err != nil {
					return err
				}
			}
			if len(chunk) > 0 {
				streamed = true
				return fn(ctx, Chunk{Type: ChunkText, Text: string(chunk)})
			}
			return nil
		}))
	} else {
		opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			streamed = true
			return fn(ctx, Chunk{Type: ChunkText, Text: string(chunk)})
		}))
	}

	resp, err := m.llm.GenerateContent(ctx, convertMessages(req), opts...)
	if err != nil {
		return err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return fmt.Errorf("empty response")
	}
	choice := resp.Choices[0]
	// Non-streaming backends return the whole text at once.
	if !streamed && choice.Content != "" {
		if err := fn(ctx, Chunk{Type: ChunkText, Text: choice.Content}); err != nil {
			return err
		}
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		args := json.RawMessage(tc.FunctionCall.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		if err := fn(ctx, Chunk{Type: ChunkToolCall, ToolCall: &ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: args,
		}}); err != nil {
			return err
		}
	}
	return fn(ctx, Chunk{Type: ChunkFinish, FinishReason: choice.StopReason})
}

func convertTools(tools []Tool) []llms.Tool {
	out := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func convertMessages(req Request) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		case "assistant":
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if m.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextPart(m.Content))
			}
			for _, tc := range m.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			if len(mc.Parts) > 0 {
				out = append(out, mc)
			}
		case "tool":
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: m.ToolCallID,
					Name:       m.ToolName,
					Content:    m.Content,
				}},
			})
		default:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}
	return out
}

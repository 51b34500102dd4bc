package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModel is returned when a model id is not configured on a Provider.
var ErrUnknownModel = errors.New("unknown model")

// Model ids used by the chat service.
const (
	ModelChat          = "chat-model"
	ModelChatReasoning = "chat-model-reasoning"
	ModelTitle         = "title-model"
	ModelArtifact      = "artifact-model"
)

type ChunkType string

const (
	ChunkText      ChunkType = "text"
	ChunkReasoning ChunkType = "reasoning"
	ChunkToolCall  ChunkType = "tool-call"
	ChunkFinish    ChunkType = "finish"
)

// ToolCall is a model request to invoke a named tool with JSON arguments.
type ToolCall struct {
	ID        string          `json:"toolCallId"`
	Name      string          `json:"toolName"`
	Arguments json.RawMessage `json:"input"`
}

// Chunk is one raw increment produced by a chat model.
type Chunk struct {
	Type         ChunkType
	Text         string
	ToolCall     *ToolCall
	FinishReason string
}

// Message is one turn of model input. Tool results use Role "tool".
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// Tool describes a function the model may call. Parameters is a JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

// ChatModel streams model output chunks to fn in arrival order. Returning an
// error from fn aborts the call.
type ChatModel interface {
	Stream(ctx context.Context, req Request, fn func(context.Context, Chunk) error) error
}

// ImageGenerator produces PNG bytes from a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// Provider maps model ids to configured models. A nil image generator means
// the provider cannot produce images.
type Provider struct {
	name         string
	models       map[string]ChatModel
	defaultModel string
	images       ImageGenerator
}

// NewProvider builds a provider. defaultModel must be one of the keys of models.
func NewProvider(name, defaultModel string, models map[string]ChatModel, images ImageGenerator) (*Provider, error) {
	if len(models) == 0 {
		return nil, errors.New("provider requires at least one chat model")
	}
	if _, ok := models[defaultModel]; !ok {
		return nil, fmt.Errorf("default model %q: %w", defaultModel, ErrUnknownModel)
	}
	return &Provider{
		name:         strings.TrimSpace(name),
		models:       models,
		defaultModel: defaultModel,
		images:       images,
	}, nil
}

// Name returns the provider label used in logs and error messages.
func (p *Provider) Name() string {
	return p.name
}

// LanguageModel returns the chat model registered under id, falling back to
// the default model when id is empty.
func (p *Provider) LanguageModel(id string) (ChatModel, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = p.defaultModel
	}
	m, ok := p.models[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownModel)
	}
	return m, nil
}

// ImageModel returns the image generator when the provider has one.
func (p *Provider) ImageModel() (ImageGenerator, bool) {
	return p.images, p.images != nil
}

// LanguageModelOrDefault is LanguageModel with a fallback to the default
// model when id is not configured.
func (p *Provider) LanguageModelOrDefault(id string) (ChatModel, error) {
	m, err := p.LanguageModel(id)
	if errors.Is(err, ErrUnknownModel) {
		return p.LanguageModel("")
	}
	return m, err
}

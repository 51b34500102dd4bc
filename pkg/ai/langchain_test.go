package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/fake"
)

type toolCallingLLM struct {
	seen []llms.MessageContent
}

func (l *toolCallingLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	l.seen = messages
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	if opts.StreamingFunc != nil {
		for _, part := range []string{"Let me ", "write that."} {
			if err := opts.StreamingFunc(ctx, []byte(part)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:    "Let me write that.",
		StopReason: "tool_calls",
		ToolCalls: []llms.ToolCall{{
			ID:   "call-1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "createDocument",
				Arguments: `{"title":"Notes","kind":"text"}`,
			},
		}},
	}}}, nil
}

func (l *toolCallingLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, l, prompt, options...)
}

func TestLangchainModelStreamsTextThenToolCallsThenFinish(t *testing.T) {
	llm := &toolCallingLLM{}
	m := NewLangchainModelFrom(llm, ModelConfig{})

	var chunks []Chunk
	err := m.Stream(context.Background(), Request{
		System:   "sys",
		Messages: []Message{{Role: "user", Content: "write notes"}},
		Tools:    []Tool{{Name: "createDocument", Parameters: map[string]any{"type": "object"}}},
	}, func(_ context.Context, c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "Let me " || chunks[1].Text != "write that." {
		t.Fatalf("unexpected text chunks: %+v", chunks[:2])
	}
	if chunks[2].Type != ChunkToolCall || chunks[2].ToolCall.Name != "createDocument" {
		t.Fatalf("expected tool call chunk, got %+v", chunks[2])
	}
	var args map[string]string
	if err := json.Unmarshal(chunks[2].ToolCall.Arguments, &args); err != nil || args["title"] != "Notes" {
		t.Fatalf("unexpected tool args %s (%v)", chunks[2].ToolCall.Arguments, err)
	}
	if chunks[3].Type != ChunkFinish || chunks[3].FinishReason != "tool_calls" {
		t.Fatalf("expected finish chunk, got %+v", chunks[3])
	}
	if len(llm.seen) != 2 || llm.seen[0].Role != llms.ChatMessageTypeSystem {
		t.Fatalf("expected system + human messages, got %+v", llm.seen)
	}
}

func TestLangchainModelNonStreamingBackendEmitsWholeText(t *testing.T) {
	m := NewLangchainModelFrom(fake.NewFakeLLM([]string{"A short title"}), ModelConfig{})
	text, err := GenerateText(context.Background(), m, "title", "hello there")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "A short title" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestConvertMessagesCarriesToolRoundTrip(t *testing.T) {
	msgs := convertMessages(Request{Messages: []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "createDocument", Arguments: json.RawMessage(`{}`)}}},
		{Role: "tool", ToolCallID: "c1", ToolName: "createDocument", Content: `{"id":"d1"}`},
	}})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if _, ok := msgs[1].Parts[0].(llms.ToolCall); !ok {
		t.Fatalf("assistant part should be a tool call, got %T", msgs[1].Parts[0])
	}
	resp, ok := msgs[2].Parts[0].(llms.ToolCallResponse)
	if !ok || resp.ToolCallID != "c1" || msgs[2].Role != llms.ChatMessageTypeTool {
		t.Fatalf("unexpected tool response message %+v", msgs[2])
	}
}

func TestProviderLanguageModelFallsBackToDefault(t *testing.T) {
	chat := NewScriptedModel(TextScript("hi"))
	p, err := NewProvider("scripted", ModelChat, map[string]ChatModel{ModelChat: chat}, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	m, err := p.LanguageModel("")
	if err != nil || m != chat {
		t.Fatalf("expected default model, got %v (%v)", m, err)
	}
	if _, err := p.LanguageModel("missing"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if _, ok := p.ImageModel(); ok {
		t.Fatalf("provider without image generator must report no image model")
	}
}

func TestOpenAICompatImageGeneratorDecodesBase64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"aGVsbG8="}]}`))
	}))
	defer srv.Close()

	gen := NewOpenAICompatImageGenerator(srv.URL+"/v1", "k", "img-1", "")
	raw, err := gen.GenerateImage(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("generate image: %v", err)
	}
	if string(raw) != "hello" {
		t.Fatalf("unexpected bytes %q", raw)
	}

	bad := NewOpenAICompatImageGenerator(srv.URL+"/v1", "wrong", "img-1", "")
	if _, err := bad.GenerateImage(context.Background(), "a cat"); err == nil {
		t.Fatalf("expected api error")
	}
}

package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"artifactchat/pkg/ai"
	"artifactchat/pkg/delta"
	"artifactchat/pkg/domain"
)

// streamHandler generates a document as streamed model text. Cumulative
// handlers send the whole content so far in each delta; the others send
// increments.
type streamHandler struct {
	kind         domain.DocumentKind
	deltaType    delta.Type
	cumulative   bool
	createPrompt string
	provider     *ai.Provider
}

// NewTextHandler returns the handler for prose documents (text-delta increments).
func NewTextHandler(p *ai.Provider) Handler {
	return &streamHandler{
		kind:         domain.KindText,
		deltaType:    delta.TypeTextDelta,
		createPrompt: textCreatePrompt,
		provider:     p,
	}
}

// NewCodeHandler returns the handler for code documents (cumulative code-delta).
func NewCodeHandler(p *ai.Provider) Handler {
	return &streamHandler{
		kind:         domain.KindCode,
		deltaType:    delta.TypeCodeDelta,
		cumulative:   true,
		createPrompt: codeCreatePrompt,
		provider:     p,
	}
}

// NewSheetHandler returns the handler for CSV spreadsheets (cumulative sheet-delta).
func NewSheetHandler(p *ai.Provider) Handler {
	return &streamHandler{
		kind:         domain.KindSheet,
		deltaType:    delta.TypeSheetDelta,
		cumulative:   true,
		createPrompt: sheetCreatePrompt,
		provider:     p,
	}
}

func (h *streamHandler) Kind() domain.DocumentKind {
	return h.kind
}

func (h *streamHandler) DeltaTypes() []delta.Type {
	return []delta.Type{h.deltaType}
}

func (h *streamHandler) Create(ctx context.Context, req CreateRequest) (string, error) {
	return h.generate(ctx, req.Enc, h.createPrompt, req.Title)
}

func (h *streamHandler) Update(ctx context.Context, req UpdateRequest) (string, error) {
	return h.generate(ctx, req.Enc, updatePrompt(string(h.kind), req.Document.Content), req.Description)
}

func (h *streamHandler) generate(ctx context.Context, enc *delta.Encoder, system, prompt string) (string, error) {
	model, err := h.provider.LanguageModelOrDefault(ai.ModelArtifact)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	err = ai.StreamText(ctx, model, system, prompt, func(text string) error {
		buf.WriteString(text)
		if h.cumulative {
			return enc.Emit(ctx, h.deltaType, stripFences(buf.String()))
		}
		return enc.Emit(ctx, h.deltaType, text)
	})
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", h.kind, err)
	}
	if h.cumulative {
		return stripFences(buf.String()), nil
	}
	return buf.String(), nil
}

type imageHandler struct {
	provider *ai.Provider
}

// NewImageHandler returns the handler for images. Content is base64 PNG,
// sent whole in a single image-delta.
func NewImageHandler(p *ai.Provider) Handler {
	return &imageHandler{provider: p}
}

func (h *imageHandler) Kind() domain.DocumentKind {
	return domain.KindImage
}

func (h *imageHandler) DeltaTypes() []delta.Type {
	return []delta.Type{delta.TypeImageDelta}
}

// Available implements Availability.
func (h *imageHandler) Available() error {
	if _, ok := h.provider.ImageModel(); !ok {
		return fmt.Errorf("%w: provider %q has no image model", ErrCapabilityUnsupported, h.provider.Name())
	}
	return nil
}

func (h *imageHandler) Create(ctx context.Context, req CreateRequest) (string, error) {
	return h.generate(ctx, req.Enc, req.Title)
}

func (h *imageHandler) Update(ctx context.Context, req UpdateRequest) (string, error) {
	return h.generate(ctx, req.Enc, req.Description)
}

func (h *imageHandler) generate(ctx context.Context, enc *delta.Encoder, prompt string) (string, error) {
	gen, ok := h.provider.ImageModel()
	if !ok {
		return "", h.Available()
	}
	png, err := gen.GenerateImage(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(png)
	if err := enc.Emit(ctx, delta.TypeImageDelta, encoded); err != nil {
		return "", err
	}
	return encoded, nil
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"artifactchat/pkg/ai"
	"artifactchat/pkg/artifact"
	"artifactchat/pkg/delta"
	"artifactchat/pkg/domain"
)

const (
	toolCreateDocument     = "createDocument"
	toolUpdateDocument     = "updateDocument"
	toolRequestSuggestions = "requestSuggestions"
)

var documentTools = []ai.Tool{
	{
		Name:        toolCreateDocument,
		Description: "Create a document for writing or content creation. The document content is generated from the title and kind.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{"type": "string"},
				"kind": map[string]any{
					"type": "string",
					"enum": []string{string(domain.KindText), string(domain.KindCode), string(domain.KindSheet), string(domain.KindImage)},
				},
			},
			"required": []string{"title", "kind"},
		},
	},
	{
		Name:        toolUpdateDocument,
		Description: "Update a document with the given description of changes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":          map[string]any{"type": "string", "description": "The id of the document to update"},
				"description": map[string]any{"type": "string", "description": "The description of changes that need to be made"},
			},
			"required": []string{"id", "description"},
		},
	},
	{
		Name:        toolRequestSuggestions,
		Description: "Request writing suggestions for a document.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"documentId": map[string]any{"type": "string", "description": "The id of the document to request edits for"},
			},
			"required": []string{"documentId"},
		},
	},
}

type createDocumentInput struct {
	Title string              `json:"title"`
	Kind  domain.DocumentKind `json:"kind"`
}

type updateDocumentInput struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

type requestSuggestionsInput struct {
	DocumentID string `json:"documentId"`
}

type documentToolOutput struct {
	ID      string              `json:"id"`
	Title   string              `json:"title"`
	Kind    domain.DocumentKind `json:"kind"`
	Content string              `json:"content"`
}

// runTool executes one tool call. Mistakes the model can correct, such as a
// bad argument or a document it may not touch, are returned as the tool
// output. Capability and stream failures are returned as errors.
func (t *turnRun) runTool(ctx context.Context, enc *delta.Encoder, call ai.ToolCall) (any, error) {
	switch call.Name {
	case toolCreateDocument:
		var in createDocumentInput
		if err := decodeToolInput(call, &in); err != nil {
			return toolError(err), nil
		}
		doc, err := t.app.artifacts.CreateDocument(ctx, enc, artifact.CreateParams{
			Title:  in.Title,
			Kind:   in.Kind,
			UserID: t.user.ID,
		})
		if err != nil {
			return nil, err
		}
		return documentToolOutput{
			ID:      doc.ID,
			Title:   doc.Title,
			Kind:    doc.Kind,
			Content: "A document was created and is now visible to the user.",
		}, nil
	case toolUpdateDocument:
		var in updateDocumentInput
		if err := decodeToolInput(call, &in); err != nil {
			return toolError(err), nil
		}
		doc, err := t.app.artifacts.UpdateDocument(ctx, enc, artifact.UpdateParams{
			ID:          in.ID,
			Description: in.Description,
			UserID:      t.user.ID,
		})
		if errors.Is(err, artifact.ErrDocumentNotFound) || errors.Is(err, artifact.ErrDocumentForbidden) {
			return toolError(err), nil
		}
		if err != nil {
			return nil, err
		}
		return documentToolOutput{
			ID:      doc.ID,
			Title:   doc.Title,
			Kind:    doc.Kind,
			Content: "The document has been updated successfully.",
		}, nil
	case toolRequestSuggestions:
		var in requestSuggestionsInput
		if err := decodeToolInput(call, &in); err != nil {
			return toolError(err), nil
		}
		suggestions, err := t.app.artifacts.RequestSuggestions(ctx, enc, artifact.SuggestionParams{
			DocumentID: in.DocumentID,
			UserID:     t.user.ID,
		})
		if errors.Is(err, artifact.ErrDocumentNotFound) || errors.Is(err, artifact.ErrDocumentForbidden) {
			return toolError(err), nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"id":      in.DocumentID,
			"count":   len(suggestions),
			"message": "Suggestions have been added to the document.",
		}, nil
	default:
		return toolError(fmt.Errorf("unknown tool %q", call.Name)), nil
	}
}

func decodeToolInput(call ai.ToolCall, v any) error {
	raw := strings.TrimSpace(string(call.Arguments))
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("invalid %s input: %w", call.Name, err)
	}
	return nil
}

func toolError(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

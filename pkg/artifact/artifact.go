// Package artifact drives model inference to create and revise documents of
// a fixed set of kinds, streaming their content as deltas.
package artifact

import (
	"context"
	"errors"
	"strings"

	"artifactchat/pkg/delta"
	"artifactchat/pkg/domain"
)

var (
	// ErrCapabilityUnsupported means the requested kind or the configured
	// provider cannot produce the artifact.
	ErrCapabilityUnsupported = errors.New("capability unsupported")
	ErrDocumentNotFound      = errors.New("document not found")
	ErrDocumentForbidden     = errors.New("document belongs to another user")
	ErrDuplicateKind         = errors.New("handler already registered for kind")
)

type CreateRequest struct {
	ID    string
	Title string
	Enc   *delta.Encoder
}

type UpdateRequest struct {
	Document    domain.Document
	Description string
	Enc         *delta.Encoder
}

// Handler produces documents of one kind. Create and Update stream content
// through the encoder and return the full materialized content.
type Handler interface {
	Kind() domain.DocumentKind
	DeltaTypes() []delta.Type
	Create(ctx context.Context, req CreateRequest) (string, error)
	Update(ctx context.Context, req UpdateRequest) (string, error)
}

// Availability is an optional capability of handlers whose backing model may
// be missing. Available returns an error wrapping ErrCapabilityUnsupported.
type Availability interface {
	Available() error
}

// stripFences removes a surrounding markdown code fence from model output.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	body := trimmed[3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return ""
	}
	body = strings.TrimSuffix(strings.TrimRight(body, " \n"), "```")
	return strings.TrimRight(body, "\n")
}

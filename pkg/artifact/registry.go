package artifact

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"artifactchat/pkg/ai"
	"artifactchat/pkg/delta"
	"artifactchat/pkg/domain"
	"artifactchat/pkg/storage"
	"artifactchat/pkg/store"
)

const maxSuggestions = 5

// Registry dispatches document work to the handler registered for a kind.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.DocumentKind]Handler
	order    []domain.DocumentKind

	docs     store.DocumentStore
	provider *ai.Provider
	objects  storage.ObjectStore
	logger   *slog.Logger
	now      func() time.Time
}

type RegistryConfig struct {
	Docs     store.DocumentStore
	Provider *ai.Provider
	// Objects may be nil; when set, image versions are archived there.
	Objects storage.ObjectStore
	Logger  *slog.Logger
}

// NewRegistry builds a registry with the text, code, sheet and image handlers.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Docs == nil || cfg.Provider == nil {
		return nil, fmt.Errorf("artifact registry requires a document store and a model provider")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		handlers: make(map[domain.DocumentKind]Handler),
		docs:     cfg.Docs,
		provider: cfg.Provider,
		objects:  cfg.Objects,
		logger:   logger,
		now:      time.Now,
	}
	for _, h := range []Handler{
		NewTextHandler(cfg.Provider),
		NewCodeHandler(cfg.Provider),
		NewSheetHandler(cfg.Provider),
		NewImageHandler(cfg.Provider),
	} {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a handler for a new kind.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Kind()]; ok {
		return fmt.Errorf("%s: %w", h.Kind(), ErrDuplicateKind)
	}
	r.handlers[h.Kind()] = h
	r.order = append(r.order, h.Kind())
	return nil
}

// Kinds returns the registered kinds in registration order.
func (r *Registry) Kinds() []domain.DocumentKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.DocumentKind(nil), r.order...)
}

func (r *Registry) Handler(kind domain.DocumentKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// resolve returns the handler for kind, or an error wrapping
// ErrCapabilityUnsupported after writing it as an error delta.
func (r *Registry) resolve(ctx context.Context, enc *delta.Encoder, kind domain.DocumentKind) (Handler, error) {
	h, ok := r.Handler(kind)
	var err error
	if !ok {
		err = fmt.Errorf("%w: document kind %q", ErrCapabilityUnsupported, kind)
	} else if a, ok := h.(Availability); ok {
		err = a.Available()
	}
	if err != nil {
		if werr := enc.Error(ctx, err.Error()); werr != nil {
			return nil, werr
		}
		return nil, err
	}
	return h, nil
}

type CreateParams struct {
	Title  string
	Kind   domain.DocumentKind
	UserID string
}

// CreateDocument announces a new document, streams its content through the
// kind's handler, and saves the first version.
func (r *Registry) CreateDocument(ctx context.Context, enc *delta.Encoder, p CreateParams) (domain.Document, error) {
	h, err := r.resolve(ctx, enc, p.Kind)
	if err != nil {
		return domain.Document{}, err
	}
	id := uuid.NewString()
	title := strings.TrimSpace(p.Title)
	if err := enc.Begin(ctx, id, title, p.Kind); err != nil {
		return domain.Document{}, err
	}
	content, err := h.Create(ctx, CreateRequest{ID: id, Title: title, Enc: enc})
	if err != nil {
		return domain.Document{}, r.handlerError(ctx, enc, err)
	}
	return r.save(ctx, domain.Document{ID: id, Title: title, Kind: p.Kind, Content: content, UserID: p.UserID})
}

type UpdateParams struct {
	ID          string
	Description string
	UserID      string
}

// UpdateDocument streams a revision of the current version and saves it as a new version.
func (r *Registry) UpdateDocument(ctx context.Context, enc *delta.Encoder, p UpdateParams) (domain.Document, error) {
	current, err := r.owned(p.ID, p.UserID)
	if err != nil {
		return domain.Document{}, err
	}
	h, err := r.resolve(ctx, enc, current.Kind)
	if err != nil {
		return domain.Document{}, err
	}
	if err := enc.Begin(ctx, current.ID, current.Title, current.Kind); err != nil {
		return domain.Document{}, err
	}
	if err := enc.Emit(ctx, delta.TypeClear, ""); err != nil {
		return domain.Document{}, err
	}
	content, err := h.Update(ctx, UpdateRequest{Document: current, Description: p.Description, Enc: enc})
	if err != nil {
		return domain.Document{}, r.handlerError(ctx, enc, err)
	}
	return r.save(ctx, domain.Document{
		ID:      current.ID,
		Title:   current.Title,
		Kind:    current.Kind,
		Content: content,
		UserID:  current.UserID,
	})
}

// RevertDocument drops every version newer than ts, including archived image bytes.
func (r *Registry) RevertDocument(ctx context.Context, id, userID string, ts time.Time) error {
	if _, err := r.owned(id, userID); err != nil {
		return err
	}
	versions, err := r.docs.ListDocumentVersions(id)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}
	if err := r.docs.DeleteDocumentVersionsAfter(id, ts); err != nil {
		return fmt.Errorf("delete versions: %w", err)
	}
	if r.objects == nil {
		return nil
	}
	for _, v := range versions {
		if v.Kind != domain.KindImage || !v.CreatedAt.After(ts) {
			continue
		}
		if err := r.objects.Delete(ctx, archiveKey(v)); err != nil {
			r.logger.Warn("delete archived image failed", "document_id", v.ID, "err", err)
		}
	}
	return nil
}

type SuggestionParams struct {
	DocumentID string
	UserID     string
}

type suggestionLine struct {
	OriginalSentence  string `json:"originalSentence"`
	SuggestedSentence string `json:"suggestedSentence"`
	Description       string `json:"description"`
}

// RequestSuggestions asks the model for edits to the current version, streams
// each one as a suggestion delta, and saves them.
func (r *Registry) RequestSuggestions(ctx context.Context, enc *delta.Encoder, p SuggestionParams) ([]domain.Suggestion, error) {
	doc, err := r.owned(p.DocumentID, p.UserID)
	if err != nil {
		return nil, err
	}
	model, err := r.provider.LanguageModelOrDefault(ai.ModelArtifact)
	if err != nil {
		return nil, err
	}

	var (
		pending     []byte
		suggestions []domain.Suggestion
	)
	emitLine := func(line []byte) error {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || len(suggestions) >= maxSuggestions {
			return nil
		}
		var parsed suggestionLine
		if err := json.Unmarshal(line, &parsed); err != nil || parsed.OriginalSentence == "" {
			r.logger.Debug("skipping malformed suggestion", "document_id", doc.ID)
			return nil
		}
		s := domain.Suggestion{
			ID:                uuid.NewString(),
			DocumentID:        doc.ID,
			DocumentCreatedAt: doc.CreatedAt,
			OriginalText:      parsed.OriginalSentence,
			SuggestedText:     parsed.SuggestedSentence,
			Description:       parsed.Description,
			UserID:            p.UserID,
			CreatedAt:         r.now().UTC(),
		}
		if err := enc.Emit(ctx, delta.TypeSuggestion, s); err != nil {
			return err
		}
		suggestions = append(suggestions, s)
		return nil
	}
	err = ai.StreamText(ctx, model, suggestionsPrompt, doc.Content, func(text string) error {
		pending = append(pending, text...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				return nil
			}
			line := pending[:i]
			pending = pending[i+1:]
			if err := emitLine(line); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("generate suggestions: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(pending))
	for scanner.Scan() {
		if err := emitLine(scanner.Bytes()); err != nil {
			return nil, err
		}
	}
	if err := r.docs.SaveSuggestions(suggestions); err != nil {
		return nil, fmt.Errorf("save suggestions: %w", err)
	}
	return suggestions, nil
}

func (r *Registry) owned(id, userID string) (domain.Document, error) {
	doc, ok, err := r.docs.CurrentDocument(id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.Document{}, ErrDocumentNotFound
	}
	if doc.UserID != userID {
		return domain.Document{}, ErrDocumentForbidden
	}
	return doc, nil
}

// handlerError reports capability failures discovered mid-generation as an
// error delta, once.
func (r *Registry) handlerError(ctx context.Context, enc *delta.Encoder, err error) error {
	if errors.Is(err, ErrCapabilityUnsupported) {
		if werr := enc.Error(ctx, err.Error()); werr != nil {
			return werr
		}
	}
	return err
}

func (r *Registry) save(ctx context.Context, doc domain.Document) (domain.Document, error) {
	saved, err := r.docs.SaveDocument(doc)
	if err != nil {
		return domain.Document{}, err
	}
	if saved.Kind == domain.KindImage && r.objects != nil {
		r.archive(ctx, saved)
	}
	return saved, nil
}

func (r *Registry) archive(ctx context.Context, doc domain.Document) {
	raw, err := base64.StdEncoding.DecodeString(doc.Content)
	if err != nil {
		r.logger.Warn("archive image: invalid base64", "document_id", doc.ID, "err", err)
		return
	}
	if err := r.objects.Put(ctx, archiveKey(doc), bytes.NewReader(raw), int64(len(raw)), "image/png"); err != nil {
		r.logger.Warn("archive image failed", "document_id", doc.ID, "err", err)
	}
}

func archiveKey(doc domain.Document) string {
	return fmt.Sprintf("documents/%s/%d.png", doc.ID, doc.CreatedAt.UnixNano())
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"artifactchat/internal/ratelimit"
	"artifactchat/internal/usertoken"
	"artifactchat/pkg/ai"
	"artifactchat/pkg/artifact"
	"artifactchat/pkg/domain"
	"artifactchat/pkg/registry"
	"artifactchat/pkg/resumable"
	"artifactchat/pkg/storage"
	"artifactchat/pkg/store"
	"artifactchat/pkg/streamlog"
)

const defaultMaxToolSteps = 5

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	// Log persists stream deltas. Defaults to a table in the GORM store, or
	// memory when the store is not GORM backed.
	Log          streamlog.Log
	Provider     *ai.Provider
	Objects      storage.ObjectStore
	Tokens       *usertoken.Authority
	Limiter      *ratelimit.FixedWindowLimiter
	MessageLimit map[domain.UserType]int

	InactivityTimeout time.Duration
	Retention         time.Duration
	MaxToolSteps      int
	Logger            *slog.Logger
}

// App is the core application service wiring together storage, streaming and chat logic.
type App struct {
	store        store.Store
	log          streamlog.Log
	hub          *resumable.Hub
	streams      *registry.Registry
	artifacts    *artifact.Registry
	provider     *ai.Provider
	tokens       *usertoken.Authority
	entitlements *ratelimit.Entitlements
	maxToolSteps int
	logger       *slog.Logger
	now          func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	deltaLog := cfg.Log
	if deltaLog == nil {
		if gs, ok := dataStore.(*store.GormStore); ok {
			var err error
			deltaLog, err = streamlog.NewGormLog(gs.DB())
			if err != nil {
				return nil, fmt.Errorf("init delta log: %w", err)
			}
		} else {
			deltaLog = streamlog.NewMemoryLog()
		}
	}

	hub, err := resumable.NewHub(resumable.HubConfig{
		Log:               deltaLog,
		InactivityTimeout: cfg.InactivityTimeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	artifacts, err := artifact.NewRegistry(artifact.RegistryConfig{
		Docs:     dataStore,
		Provider: cfg.Provider,
		Objects:  cfg.Objects,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	maxSteps := cfg.MaxToolSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxToolSteps
	}

	return &App{
		store:        dataStore,
		log:          deltaLog,
		hub:          hub,
		streams:      registry.New(dataStore, cfg.Retention),
		artifacts:    artifacts,
		provider:     cfg.Provider,
		tokens:       cfg.Tokens,
		entitlements: ratelimit.NewEntitlements(cfg.MessageLimit, cfg.Limiter, dataStore),
		maxToolSteps: maxSteps,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Close stops every running turn and waits for it to be finalized.
func (a *App) Close(ctx context.Context) error {
	return a.hub.Close(ctx)
}

// Authenticate verifies an access token.
func (a *App) Authenticate(token string) (domain.User, error) {
	if a.tokens == nil {
		return domain.User{}, errors.New("token authority not configured")
	}
	return a.tokens.Verify(token)
}

// CreateGuest registers a guest user and returns a token for it.
func (a *App) CreateGuest() (domain.User, string, error) {
	if a.tokens == nil {
		return domain.User{}, "", errors.New("token authority not configured")
	}
	user, token, err := a.tokens.IssueGuest()
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue guest token: %w", err)
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save guest: %w", err)
	}
	return user, token, nil
}

// ListConversations lists recent conversations for current user.
func (a *App) ListConversations(user domain.User, limit int) ([]domain.Conversation, error) {
	if strings.TrimSpace(user.ID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	items, err := a.store.ListConversationsByUser(user.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// ListMessages lists conversation messages in chronological order. Public
// conversations are readable by anyone.
func (a *App) ListMessages(user domain.User, conversationID string) ([]domain.Message, error) {
	if _, err := a.readableConversation(user, conversationID); err != nil {
		return nil, err
	}
	items, err := a.store.ListMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return items, nil
}

// DeleteConversation stops any running turn, then deletes the conversation
// with its messages, votes, stream records and delta logs.
func (a *App) DeleteConversation(ctx context.Context, user domain.User, conversationID string) (domain.Conversation, error) {
	conversation, err := a.ownedConversation(user, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if s, ok := a.hub.ActiveStream(conversation.ID); ok {
		_ = a.hub.Stop(s.ID())
		// The producer saves the reply and writes finish while winding down;
		// the cascade must run after that.
		select {
		case <-s.Done():
		case <-ctx.Done():
			return domain.Conversation{}, ctx.Err()
		}
	}
	streamIDs, err := a.store.DeleteConversation(conversation.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Conversation{}, ErrConversationNotFound
		}
		return domain.Conversation{}, fmt.Errorf("delete conversation: %w", err)
	}
	if err := a.log.Delete(ctx, streamIDs...); err != nil {
		a.logger.Warn("delete delta logs failed", "chat_id", conversation.ID, "err", err)
	}
	return conversation, nil
}

// Vote records an up or down vote on an assistant message. A second vote overwrites the first.
func (a *App) Vote(user domain.User, conversationID, messageID string, up bool) error {
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: message id required", ErrInvalidInput)
	}
	if _, err := a.ownedConversation(user, conversationID); err != nil {
		return err
	}
	if err := a.store.SaveVote(domain.Vote{ConversationID: conversationID, MessageID: messageID, IsUpvoted: up}); err != nil {
		return fmt.Errorf("save vote: %w", err)
	}
	return nil
}

func (a *App) ListVotes(user domain.User, conversationID string) ([]domain.Vote, error) {
	if _, err := a.ownedConversation(user, conversationID); err != nil {
		return nil, err
	}
	votes, err := a.store.ListVotes(conversationID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	return votes, nil
}

// DocumentVersions returns every version of a document, oldest first.
func (a *App) DocumentVersions(user domain.User, id string) ([]domain.Document, error) {
	versions, err := a.store.ListDocumentVersions(strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("list document versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, ErrDocumentNotFound
	}
	if versions[0].UserID != user.ID {
		return nil, ErrDocumentForbidden
	}
	return versions, nil
}

// SaveDocument stores a user edit as a new version.
func (a *App) SaveDocument(user domain.User, doc domain.Document) (domain.Document, error) {
	doc.ID = strings.TrimSpace(doc.ID)
	if doc.ID == "" {
		return domain.Document{}, fmt.Errorf("%w: document id required", ErrInvalidInput)
	}
	if !doc.Kind.Valid() {
		return domain.Document{}, fmt.Errorf("%w: unknown document kind %q", ErrInvalidInput, doc.Kind)
	}
	current, ok, err := a.store.CurrentDocument(doc.ID)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if ok && current.UserID != user.ID {
		return domain.Document{}, ErrDocumentForbidden
	}
	doc.UserID = user.ID
	doc.CreatedAt = time.Time{}
	saved, err := a.store.SaveDocument(doc)
	if err != nil {
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	return saved, nil
}

// RevertDocument deletes every version of a document newer than ts.
func (a *App) RevertDocument(ctx context.Context, user domain.User, id string, ts time.Time) error {
	if ts.IsZero() {
		return fmt.Errorf("%w: timestamp required", ErrInvalidInput)
	}
	return a.artifacts.RevertDocument(ctx, strings.TrimSpace(id), user.ID, ts)
}

// ListSuggestions returns the suggestions stored for a document.
func (a *App) ListSuggestions(user domain.User, documentID string) ([]domain.Suggestion, error) {
	if _, err := a.ownedDocument(user, documentID); err != nil {
		return nil, err
	}
	items, err := a.store.ListSuggestions(documentID)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// ResolveSuggestion marks a suggestion of one of the user's documents as resolved.
func (a *App) ResolveSuggestion(user domain.User, documentID, suggestionID string) error {
	items, err := a.ListSuggestions(user, documentID)
	if err != nil {
		return err
	}
	for _, s := range items {
		if s.ID != suggestionID {
			continue
		}
		if err := a.store.ResolveSuggestion(s.ID); err != nil {
			return fmt.Errorf("resolve suggestion: %w", err)
		}
		return nil
	}
	return ErrSuggestionNotFound
}

func (a *App) ownedDocument(user domain.User, id string) (domain.Document, error) {
	doc, ok, err := a.store.CurrentDocument(strings.TrimSpace(id))
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.Document{}, ErrDocumentNotFound
	}
	if doc.UserID != user.ID {
		return domain.Document{}, ErrDocumentForbidden
	}
	return doc, nil
}

func (a *App) loadConversation(conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: conversation id required", ErrInvalidInput)
	}
	conversation, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conversation, nil
}

func (a *App) ownedConversation(user domain.User, conversationID string) (domain.Conversation, error) {
	conversation, err := a.loadConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if conversation.UserID != user.ID {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conversation, nil
}

func (a *App) readableConversation(user domain.User, conversationID string) (domain.Conversation, error) {
	conversation, err := a.loadConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if conversation.Visibility != domain.VisibilityPublic && conversation.UserID != user.ID {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conversation, nil
}

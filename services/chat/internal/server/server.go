package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"artifactchat/internal/ratelimit"
	"artifactchat/internal/util"
	"artifactchat/pkg/ai"
	"artifactchat/pkg/domain"
	"artifactchat/pkg/registry"
	"artifactchat/services/chat/internal/app"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// GuestLimiter bounds guest sign-ins per client IP. Nil disables the limit.
	GuestLimiter   *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app          *app.App
	guestLimiter *ratelimit.FixedWindowLimiter
	trusted      *util.TrustedProxies
	heartbeat    time.Duration
	mux          *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	s := &Server{
		app:          cfg.App,
		guestLimiter: cfg.GuestLimiter,
		trusted:      cfg.TrustedProxies,
		heartbeat:    heartbeat,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.APIHandler("chat", s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/auth/guest", s.handleGuest)

	s.mux.Handle("/api/chat", s.withUser(s.handleChat))
	s.mux.Handle("/api/chat/", s.withUser(s.handleChatByID))
	s.mux.Handle("/api/history", s.withUser(s.handleHistory))
	s.mux.Handle("/api/document", s.withUser(s.handleDocument))
	s.mux.Handle("/api/suggestions", s.withUser(s.handleSuggestions))
	s.mux.Handle("/api/vote", s.withUser(s.handleVote))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.Authenticate(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("token rejected", "path", r.URL.Path, "ip", util.ClientIP(r, s.trusted), "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, util.Annotate(r, "user_id", user.ID), user)
	})
}

func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.guestLimiter != nil && !s.guestLimiter.Allow("guest|"+util.ClientIP(r, s.trusted)) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "too many guest sign-ins")
		return
	}
	user, token, err := s.app.CreateGuest()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

type chatRequest struct {
	ID                     string            `json:"id"`
	Message                domain.Message    `json:"message"`
	SelectedChatModel      string            `json:"selectedChatModel"`
	SelectedVisibilityType domain.Visibility `json:"selectedVisibilityType"`
}

// POST /api/chat starts a turn and streams its deltas.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	model := req.SelectedChatModel
	if model == "" {
		model = ai.ModelChat
	}
	if model != ai.ModelChat && model != ai.ModelChatReasoning {
		writeError(w, http.StatusBadRequest, "unknown chat model")
		return
	}
	turn, err := s.app.StartTurn(r.Context(), user, app.TurnRequest{
		ConversationID: req.ID,
		Message:        req.Message,
		Model:          model,
		Visibility:     req.SelectedVisibilityType,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	r = util.Annotate(r, "chat_id", turn.ConversationID, "stream_id", turn.StreamID)
	w.Header().Set("X-Chat-Id", turn.ConversationID)
	w.Header().Set("X-Stream-Id", turn.StreamID)
	s.streamDeltas(w, r, turn.Subscription)
}

// /api/chat/{id}, /api/chat/{id}/stream, /api/chat/{id}/stop, /api/chat/{id}/messages
func (s *Server) handleChatByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/chat/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	r = util.Annotate(r, "chat_id", id)
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		deleted, err := s.app.DeleteConversation(r.Context(), user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, deleted)
	case "stream":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		cursor, err := resumeCursor(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		sub, err := s.app.ResumeStream(r.Context(), user, id, cursor)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		w.Header().Set("X-Chat-Id", id)
		s.streamDeltas(w, r, sub)
	case "stop":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.app.StopStream(r.Context(), user, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case "messages":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.app.ListMessages(user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.app.ListConversations(user, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

type documentRequest struct {
	Title   string              `json:"title"`
	Kind    domain.DocumentKind `json:"kind"`
	Content string              `json:"content"`
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		versions, err := s.app.DocumentVersions(user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, versions)
	case http.MethodPost:
		var req documentRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		saved, err := s.app.SaveDocument(user, domain.Document{ID: id, Title: req.Title, Kind: req.Kind, Content: req.Content})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		ts, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("timestamp"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "timestamp must be RFC 3339")
			return
		}
		if err := s.app.RevertDocument(r.Context(), user, id, ts); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request, user domain.User) {
	documentID := strings.TrimSpace(r.URL.Query().Get("documentId"))
	if documentID == "" {
		writeError(w, http.StatusBadRequest, "documentId is required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.ListSuggestions(user, documentID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPatch:
		if err := s.app.ResolveSuggestion(user, documentID, r.URL.Query().Get("id")); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	default:
		methodNotAllowed(w)
	}
}

type voteRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		chatID := strings.TrimSpace(r.URL.Query().Get("chatId"))
		if chatID == "" {
			writeError(w, http.StatusBadRequest, "chatId is required")
			return
		}
		votes, err := s.app.ListVotes(user, chatID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, votes)
	case http.MethodPatch:
		var req voteRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Type != "up" && req.Type != "down" {
			writeError(w, http.StatusBadRequest, "type must be up or down")
			return
		}
		if err := s.app.Vote(user, req.ChatID, req.MessageID, req.Type == "up"); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "voted"})
	default:
		methodNotAllowed(w)
	}
}

// resumeCursor reads the last seen Seq from ?cursor= or the Last-Event-ID header.
func resumeCursor(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("cursor must be a non-negative integer")
	}
	return n, nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isNoStream(err):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrConversationNotFound),
		errors.Is(err, app.ErrDocumentNotFound),
		errors.Is(err, app.ErrSuggestionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConversationForbidden), errors.Is(err, app.ErrDocumentForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrRateLimited):
		w.Header().Set("Retry-After", "3600")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, app.ErrStreamActive), errors.Is(err, app.ErrStopUnavailable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrRegistration):
		util.LoggerFromContext(r.Context()).Error("stream registration failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "could not start stream")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		slog.Debug("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

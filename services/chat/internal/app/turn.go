package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"artifactchat/internal/util"
	"artifactchat/pkg/ai"
	"artifactchat/pkg/artifact"
	"artifactchat/pkg/delta"
	"artifactchat/pkg/domain"
	"artifactchat/pkg/resumable"
)

const (
	defaultConversationTitle = "New chat"
	maxTitleRunes            = 80
)

const systemPrompt = `You are a friendly assistant. Keep your responses concise and helpful.

Use the createDocument tool for substantial content (essays, code, spreadsheets, images) that the user is likely to save or reuse.
Use updateDocument to revise an existing document when the user asks for changes; never update a document right after creating it.
Use requestSuggestions when the user asks for writing suggestions on an existing document.`

const titlePrompt = `Generate a short title, at most 80 characters, summarizing the user's first message.
Do not use quotes or colons. Reply with the title only.`

// TurnRequest is one user message sent to a conversation.
type TurnRequest struct {
	ConversationID string
	Message        domain.Message
	// Model is ai.ModelChat or ai.ModelChatReasoning.
	Model      string
	Visibility domain.Visibility
}

// Turn is a started production run. Subscription yields its deltas from the first one.
type Turn struct {
	ConversationID string
	StreamID       string
	Subscription   resumable.Subscription
}

// StartTurn saves the user message and starts a detached run that streams the
// assistant reply, running document tools along the way. The stream is
// registered before any model call; a registration failure aborts the turn.
func (a *App) StartTurn(ctx context.Context, user domain.User, req TurnRequest) (Turn, error) {
	text := strings.TrimSpace(req.Message.Text())
	if text == "" {
		return Turn{}, fmt.Errorf("%w: message text required", ErrInvalidInput)
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	conversation, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return Turn{}, fmt.Errorf("load conversation: %w", err)
	}
	if ok && conversation.UserID != user.ID {
		return Turn{}, ErrConversationForbidden
	}
	reservation, err := a.hub.Reserve(conversationID)
	if errors.Is(err, resumable.ErrConversationBusy) {
		return Turn{}, ErrStreamActive
	}
	if err != nil {
		return Turn{}, fmt.Errorf("reserve stream: %w", err)
	}
	defer reservation.Release()

	allowed, err := a.entitlements.Allow(user)
	if err != nil {
		return Turn{}, fmt.Errorf("check entitlements: %w", err)
	}
	if !allowed {
		return Turn{}, ErrRateLimited
	}

	if !ok {
		visibility := req.Visibility
		if visibility != domain.VisibilityPublic {
			visibility = domain.VisibilityPrivate
		}
		conversation = domain.Conversation{
			ID:         conversationID,
			UserID:     user.ID,
			Title:      fallbackTitle(text),
			Visibility: visibility,
			CreatedAt:  a.now().UTC(),
		}
		if err := a.store.CreateConversation(conversation); err != nil {
			return Turn{}, fmt.Errorf("create conversation: %w", err)
		}
	}

	userMessage := req.Message
	if strings.TrimSpace(userMessage.ID) == "" {
		userMessage.ID = uuid.NewString()
	}
	userMessage.ConversationID = conversation.ID
	userMessage.Role = domain.RoleUser
	userMessage.CreatedAt = a.now().UTC()
	if err := a.store.AppendMessage(userMessage); err != nil {
		return Turn{}, fmt.Errorf("save user message: %w", err)
	}
	history, err := a.store.ListMessages(conversation.ID)
	if err != nil {
		return Turn{}, fmt.Errorf("load history: %w", err)
	}

	streamID, err := a.streams.RecordStreamStart(ctx, conversation.ID)
	if err != nil {
		return Turn{}, err
	}
	run := &turnRun{
		app:          a,
		user:         user,
		conversation: conversation,
		model:        req.Model,
		messages:     toModelMessages(history),
		logger:       util.LoggerFromContext(ctx).With("chat_id", conversation.ID, "stream_id", streamID),
	}
	if !ok {
		run.titleFrom = text
	}
	stream, err := a.hub.Start(ctx, resumable.StartParams{
		StreamID:       streamID,
		ConversationID: conversation.ID,
		Produce:        run.produce,
		Reservation:    reservation,
	})
	if errors.Is(err, resumable.ErrConversationBusy) {
		return Turn{}, ErrStreamActive
	}
	if err != nil {
		return Turn{}, fmt.Errorf("start stream: %w", err)
	}
	return Turn{
		ConversationID: conversation.ID,
		StreamID:       streamID,
		Subscription:   stream.Subscribe(0),
	}, nil
}

// turnRun is the state of one assistant reply.
type turnRun struct {
	app          *App
	user         domain.User
	conversation domain.Conversation
	model        string
	messages     []ai.Message
	parts        []domain.Part
	logger       *slog.Logger
	// titleFrom is the first message of a new conversation; the run names the
	// conversation from it alongside the reply.
	titleFrom string
}

func (t *turnRun) produce(ctx context.Context, enc *delta.Encoder) (err error) {
	var titles errgroup.Group
	if t.titleFrom != "" {
		titles.Go(func() error {
			t.nameConversation(ctx)
			return nil
		})
	}
	defer func() {
		_ = titles.Wait()
		if err != nil {
			reason := err
			if cause := context.Cause(ctx); cause != nil {
				reason = cause
			}
			t.parts = append(t.parts, domain.Part{Type: domain.PartText, Text: "Something went wrong: " + reason.Error()})
		}
		t.saveReply()
	}()

	model, err := t.app.provider.LanguageModelOrDefault(t.model)
	if err != nil {
		return err
	}
	var tools []ai.Tool
	if t.model != ai.ModelChatReasoning {
		tools = documentTools
	}

	for step := 0; step < t.app.maxToolSteps; step++ {
		var (
			text      strings.Builder
			reasoning strings.Builder
			calls     []ai.ToolCall
		)
		err := model.Stream(ctx, ai.Request{
			System:   systemPrompt,
			Messages: t.messages,
			Tools:    tools,
		}, func(ctx context.Context, c ai.Chunk) error {
			if err := enc.Encode(ctx, c); err != nil {
				return err
			}
			switch c.Type {
			case ai.ChunkText:
				text.WriteString(c.Text)
			case ai.ChunkReasoning:
				reasoning.WriteString(c.Text)
			case ai.ChunkToolCall:
				if c.ToolCall != nil {
					calls = append(calls, *c.ToolCall)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if reasoning.Len() > 0 {
			t.parts = append(t.parts, domain.Part{Type: domain.PartReasoning, Text: reasoning.String()})
		}
		if text.Len() > 0 {
			t.parts = append(t.parts, domain.Part{Type: domain.PartText, Text: text.String()})
		}
		if len(calls) == 0 {
			return nil
		}
		t.messages = append(t.messages, ai.Message{Role: "assistant", Content: text.String(), ToolCalls: calls})

		for _, call := range calls {
			output, err := t.runTool(ctx, enc, call)
			if errors.Is(err, artifact.ErrCapabilityUnsupported) {
				// The error delta is already written; the turn ends without another model round.
				t.recordTool(call, map[string]string{"error": err.Error()})
				return nil
			}
			if err != nil {
				return err
			}
			if err := enc.ToolResult(ctx, call, output); err != nil {
				return err
			}
			t.recordTool(call, output)
		}
	}
	t.logger.Info("tool step limit reached", "steps", t.app.maxToolSteps)
	return nil
}

// nameConversation replaces the placeholder title with a generated one.
func (t *turnRun) nameConversation(ctx context.Context) {
	title := t.app.generateTitle(ctx, t.titleFrom)
	if title == t.conversation.Title {
		return
	}
	if err := t.app.store.UpdateConversationTitle(t.conversation.ID, title); err != nil {
		t.logger.Warn("update conversation title failed", "err", err)
	}
}

func (t *turnRun) recordTool(call ai.ToolCall, output any) {
	raw, _ := json.Marshal(output)
	t.parts = append(t.parts,
		domain.Part{Type: domain.PartToolCall, ToolCallID: call.ID, ToolName: call.Name, Input: call.Arguments},
		domain.Part{Type: domain.PartToolResult, ToolCallID: call.ID, ToolName: call.Name, Output: raw},
	)
	t.messages = append(t.messages, ai.Message{
		Role:       "tool",
		Content:    string(raw),
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
}

// saveReply persists the assistant message. It runs before the stream's
// finish is written, so a client that saw finish can load the message.
func (t *turnRun) saveReply() {
	if len(t.parts) == 0 {
		return
	}
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: t.conversation.ID,
		Role:           domain.RoleAssistant,
		Parts:          t.parts,
		CreatedAt:      t.app.now().UTC(),
	}
	if err := t.app.store.AppendMessage(msg); err != nil {
		t.logger.Warn("save assistant message failed", "err", err)
	}
}

func (a *App) generateTitle(ctx context.Context, text string) string {
	model, err := a.provider.LanguageModelOrDefault(ai.ModelTitle)
	if err == nil {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		var title string
		title, err = ai.GenerateText(ctx, model, titlePrompt, text)
		if err == nil {
			if title = fallbackTitle(strings.Trim(title, "\"' ")); title != defaultConversationTitle {
				return title
			}
		}
	}
	if err != nil {
		a.logger.Debug("title generation failed", "err", err)
	}
	return fallbackTitle(text)
}

func fallbackTitle(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return defaultConversationTitle
	}
	runes := []rune(text)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes]) + "…"
	}
	return text
}

func toModelMessages(history []domain.Message) []ai.Message {
	out := make([]ai.Message, 0, len(history))
	for _, msg := range history {
		text := msg.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		role := string(msg.Role)
		if role != string(domain.RoleAssistant) {
			role = string(domain.RoleUser)
		}
		out = append(out, ai.Message{Role: role, Content: text})
	}
	return out
}

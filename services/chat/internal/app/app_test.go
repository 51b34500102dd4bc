package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"artifactchat/pkg/ai"
	"artifactchat/pkg/delta"
	"artifactchat/pkg/domain"
	"artifactchat/pkg/registry"
	"artifactchat/pkg/resumable"
	"artifactchat/pkg/store"
	"artifactchat/pkg/streamlog"
)

var (
	alice = domain.User{ID: "alice", Type: domain.UserRegular}
	bob   = domain.User{ID: "bob", Type: domain.UserRegular}
)

type testApp struct {
	*App
	store *store.MemoryStore
	log   *streamlog.MemoryLog
}

type models struct {
	chat     ai.ChatModel
	artifact ai.ChatModel
	title    ai.ChatModel
	images   ai.ImageGenerator
}

func newTestApp(t *testing.T, m models, mutate func(*Config)) testApp {
	t.Helper()
	if m.artifact == nil {
		m.artifact = ai.NewScriptedModel(ai.TextScript("artifact"))
	}
	if m.title == nil {
		m.title = ai.NewScriptedModel(ai.TextScript("Greeting"))
	}
	provider, err := ai.NewProvider("scripted", ai.ModelChat, map[string]ai.ChatModel{
		ai.ModelChat:     m.chat,
		ai.ModelTitle:    m.title,
		ai.ModelArtifact: m.artifact,
	}, m.images)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	st := store.NewMemoryStore()
	log := streamlog.NewMemoryLog()
	cfg := Config{Store: st, Log: log, Provider: provider}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return testApp{App: a, store: st, log: log}
}

func userMessage(text string) domain.Message {
	return domain.Message{Parts: []domain.Part{{Type: domain.PartText, Text: text}}}
}

func drain(t *testing.T, sub resumable.Subscription) []delta.Delta {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []delta.Delta
	for {
		d, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, d)
	}
}

func typesOf(deltas []delta.Delta) []delta.Type {
	out := make([]delta.Type, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, d.Type)
	}
	return out
}

func assertTypes(t *testing.T, got []delta.Delta, want ...delta.Type) {
	t.Helper()
	types := typesOf(got)
	if len(types) != len(want) {
		t.Fatalf("got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("delta %d: got %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}
}

func toolCall(id, name, input string) ai.Chunk {
	return ai.Chunk{Type: ai.ChunkToolCall, ToolCall: &ai.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(input)}}
}

func TestStartTurnStreamsReplyAndSavesMessages(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(ai.TextScript("Hello", " world"))}, nil)

	turn, err := a.StartTurn(context.Background(), alice, TurnRequest{Message: userMessage("hi there")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	got := drain(t, turn.Subscription)
	assertTypes(t, got, delta.TypeTextDelta, delta.TypeTextDelta, delta.TypeFinish)
	for i, d := range got {
		if d.Seq != int64(i+1) {
			t.Fatalf("delta %d has seq %d", i, d.Seq)
		}
	}

	conversation, ok, _ := a.store.GetConversation(turn.ConversationID)
	if !ok || conversation.Title != "Greeting" || conversation.Visibility != domain.VisibilityPrivate {
		t.Fatalf("unexpected conversation %+v", conversation)
	}
	messages, err := a.ListMessages(alice, turn.ConversationID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 || messages[0].Role != domain.RoleUser || messages[1].Text() != "Hello world" {
		t.Fatalf("unexpected messages %+v", messages)
	}
	ids, _ := a.streams.ListStreamIDs(context.Background(), turn.ConversationID)
	if len(ids) != 1 || ids[0] != turn.StreamID {
		t.Fatalf("stream ids = %v, want [%s]", ids, turn.StreamID)
	}
}

func TestStartTurnRunsCreateDocumentTool(t *testing.T) {
	chat := ai.NewScriptedModel(
		[]ai.Chunk{toolCall("call-1", toolCreateDocument, `{"title":"Essay","kind":"text"}`), {Type: ai.ChunkFinish}},
		ai.TextScript("Done"),
	)
	a := newTestApp(t, models{chat: chat, artifact: ai.NewScriptedModel(ai.TextScript("Once", " upon"))}, nil)

	turn, err := a.StartTurn(context.Background(), alice, TurnRequest{Message: userMessage("write an essay")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	got := drain(t, turn.Subscription)
	assertTypes(t, got,
		delta.TypeToolCall,
		delta.TypeID, delta.TypeTitle, delta.TypeKind,
		delta.TypeTextDelta, delta.TypeTextDelta,
		delta.TypeToolResult,
		delta.TypeTextDelta,
		delta.TypeFinish,
	)
	var docID string
	if err := json.Unmarshal(got[1].Content, &docID); err != nil {
		t.Fatalf("decode id: %v", err)
	}
	versions, err := a.DocumentVersions(alice, docID)
	if err != nil || len(versions) != 1 || versions[0].Content != "Once upon" {
		t.Fatalf("unexpected versions %+v (%v)", versions, err)
	}
	if _, err := a.DocumentVersions(bob, docID); !errors.Is(err, ErrDocumentForbidden) {
		t.Fatalf("expected ErrDocumentForbidden, got %v", err)
	}

	requests := chat.Requests()
	if len(requests) != 2 {
		t.Fatalf("expected two model rounds, got %d", len(requests))
	}
	last := requests[1].Messages[len(requests[1].Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" || !strings.Contains(last.Content, docID) {
		t.Fatalf("tool result not fed back to the model: %+v", last)
	}

	messages, _ := a.ListMessages(alice, turn.ConversationID)
	reply := messages[len(messages)-1]
	var kinds []domain.PartType
	for _, p := range reply.Parts {
		kinds = append(kinds, p.Type)
	}
	if len(kinds) != 3 || kinds[0] != domain.PartToolCall || kinds[1] != domain.PartToolResult || kinds[2] != domain.PartText {
		t.Fatalf("unexpected reply parts %v", kinds)
	}
}

func TestUnsupportedImageEndsTurnWithOneError(t *testing.T) {
	chat := ai.NewScriptedModel(
		[]ai.Chunk{toolCall("call-1", toolCreateDocument, `{"title":"Cat","kind":"image"}`), {Type: ai.ChunkFinish}},
		ai.TextScript("unreachable"),
	)
	a := newTestApp(t, models{chat: chat}, nil)

	turn, err := a.StartTurn(context.Background(), alice, TurnRequest{Message: userMessage("draw a cat")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	got := drain(t, turn.Subscription)
	assertTypes(t, got, delta.TypeToolCall, delta.TypeError, delta.TypeFinish)
	if n := len(chat.Requests()); n != 1 {
		t.Fatalf("expected the turn to stop after the unsupported tool, got %d model rounds", n)
	}
	stream, ok := a.hub.Lookup(turn.StreamID)
	if !ok || stream.State() != resumable.StateFinished {
		t.Fatalf("expected finished stream, got %v", stream)
	}
}

func TestToolStepsAreBounded(t *testing.T) {
	chat := ai.NewScriptedModel(
		[]ai.Chunk{toolCall("call", toolUpdateDocument, `{"id":"missing","description":"x"}`), {Type: ai.ChunkFinish}},
	)
	a := newTestApp(t, models{chat: chat}, func(c *Config) { c.MaxToolSteps = 3 })

	turn, err := a.StartTurn(context.Background(), alice, TurnRequest{Message: userMessage("loop")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	got := drain(t, turn.Subscription)
	if got[len(got)-1].Type != delta.TypeFinish {
		t.Fatalf("expected finish, got %v", typesOf(got))
	}
	if n := len(chat.Requests()); n != 3 {
		t.Fatalf("model rounds = %d, want 3", n)
	}
	var result delta.ToolResultContent
	for _, d := range got {
		if d.Type == delta.TypeToolResult {
			_ = json.Unmarshal(d.Content, &result)
			break
		}
	}
	if out, _ := json.Marshal(result.Output); !strings.Contains(string(out), "document not found") {
		t.Fatalf("expected the not-found error as tool output, got %s", out)
	}
}

func TestStartTurnEnforcesEntitlements(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(ai.TextScript("ok"))}, func(c *Config) {
		c.MessageLimit = map[domain.UserType]int{domain.UserGuest: 1}
	})
	guest := domain.User{ID: "guest-1", Type: domain.UserGuest}

	turn, err := a.StartTurn(context.Background(), guest, TurnRequest{Message: userMessage("one")})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	drain(t, turn.Subscription)
	_, err = a.StartTurn(context.Background(), guest, TurnRequest{ConversationID: turn.ConversationID, Message: userMessage("two")})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestStartTurnRejectsForeignAndBusyConversations(t *testing.T) {
	chat := ai.NewScriptedModel(ai.TextScript("a", "b", "c", "d")).WithDelay(30 * time.Millisecond)
	a := newTestApp(t, models{chat: chat}, nil)

	turn, err := a.StartTurn(context.Background(), alice, TurnRequest{Message: userMessage("first")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if _, err := a.StartTurn(context.Background(), alice, TurnRequest{ConversationID: turn.ConversationID, Message: userMessage("again")}); !errors.Is(err, ErrStreamActive) {
		t.Fatalf("expected ErrStreamActive, got %v", err)
	}
	if _, err := a.StartTurn(context.Background(), bob, TurnRequest{ConversationID: turn.ConversationID, Message: userMessage("hijack")}); !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected ErrConversationForbidden, got %v", err)
	}
	if _, err := a.ListMessages(bob, turn.ConversationID); !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected ErrConversationForbidden, got %v", err)
	}
	drain(t, turn.Subscription)
}

func TestResumeStreamFromCursor(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(ai.TextScript("a", "b", "c"))}, nil)
	ctx := context.Background()

	turn, err := a.StartTurn(ctx, alice, TurnRequest{Message: userMessage("letters")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	all := drain(t, turn.Subscription)

	sub, err := a.ResumeStream(ctx, alice, turn.ConversationID, 2)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	rest := drain(t, sub)
	if len(rest) != len(all)-2 || rest[0].Seq != 3 {
		t.Fatalf("resume from 2 returned %v", typesOf(rest))
	}

	other := newTestApp(t, models{chat: ai.NewScriptedModel(ai.TextScript("x"))}, nil)
	if _, err := other.ResumeStream(ctx, alice, turn.ConversationID, 0); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestResumeRestoresRecentMessageWhenLogIsGone(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(ai.TextScript("fresh reply"))}, nil)
	ctx := context.Background()
	turn, err := a.StartTurn(ctx, alice, TurnRequest{Message: userMessage("hello")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	drain(t, turn.Subscription)

	// A second process sharing the store but not the expired log.
	provider, _ := ai.NewProvider("scripted", ai.ModelChat, map[string]ai.ChatModel{ai.ModelChat: ai.NewScriptedModel(ai.TextScript("x"))}, nil)
	b, err := New(Config{Store: a.store, Log: streamlog.NewMemoryLog(), Provider: provider})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer b.Close(ctx)

	sub, err := b.ResumeStream(ctx, alice, turn.ConversationID, 0)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := drain(t, sub)
	assertTypes(t, got, delta.TypeAppendMessage)
	var msg domain.Message
	if err := json.Unmarshal(got[0].Content, &msg); err != nil || msg.Text() != "fresh reply" {
		t.Fatalf("unexpected restored message %s (%v)", got[0].Content, err)
	}

	b.now = func() time.Time { return time.Now().Add(time.Minute) }
	if _, err := b.ResumeStream(ctx, alice, turn.ConversationID, 0); !errors.Is(err, resumable.ErrResumeNotFound) {
		t.Fatalf("expected ErrResumeNotFound for a stale message, got %v", err)
	}
}

func TestResumeWithoutStreams(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(ai.TextScript("x"))}, nil)
	_ = a.store.CreateConversation(domain.Conversation{ID: "c1", UserID: alice.ID, Visibility: domain.VisibilityPrivate, CreatedAt: time.Now()})
	if _, err := a.ResumeStream(context.Background(), alice, "c1", 0); !errors.Is(err, resumable.ErrResumeNotFound) {
		t.Fatalf("expected ErrResumeNotFound, got %v", err)
	}
}

func TestStopStreamFinalizesErrored(t *testing.T) {
	words := make([]string, 100)
	for i := range words {
		words[i] = "word "
	}
	chat := ai.NewScriptedModel(ai.TextScript(words...)).WithDelay(10 * time.Millisecond)
	a := newTestApp(t, models{chat: chat}, nil)
	ctx := context.Background()

	turn, err := a.StartTurn(ctx, alice, TurnRequest{Message: userMessage("talk")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if _, err := turn.Subscription.Next(ctx); err != nil {
		t.Fatalf("first delta: %v", err)
	}
	if err := a.StopStream(ctx, alice, turn.ConversationID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rest := drain(t, turn.Subscription)
	if len(rest) < 2 || rest[len(rest)-2].Type != delta.TypeError || rest[len(rest)-1].Type != delta.TypeFinish {
		t.Fatalf("expected error then finish, got %v", typesOf(rest))
	}
	var payload delta.ErrorContent
	_ = json.Unmarshal(rest[len(rest)-2].Content, &payload)
	if !strings.Contains(payload.Message, "stopped") {
		t.Fatalf("unexpected error payload %+v", payload)
	}
	messages, _ := a.ListMessages(alice, turn.ConversationID)
	if reply := messages[len(messages)-1]; reply.Role != domain.RoleAssistant || !strings.Contains(reply.Text(), "stream stopped") {
		t.Fatalf("expected the stop to be visible in the saved reply, got %+v", reply)
	}
	if err := a.StopStream(ctx, alice, turn.ConversationID); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(ai.TextScript("bye"))}, nil)
	ctx := context.Background()
	turn, err := a.StartTurn(ctx, alice, TurnRequest{Message: userMessage("hello")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	drain(t, turn.Subscription)
	messages, _ := a.ListMessages(alice, turn.ConversationID)
	if err := a.Vote(alice, turn.ConversationID, messages[1].ID, true); err != nil {
		t.Fatalf("vote: %v", err)
	}

	if _, err := a.DeleteConversation(ctx, bob, turn.ConversationID); !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected ErrConversationForbidden, got %v", err)
	}
	if _, err := a.DeleteConversation(ctx, alice, turn.ConversationID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := a.ListMessages(alice, turn.ConversationID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	entries, _ := a.log.Range(ctx, turn.StreamID, 0)
	if len(entries) != 0 {
		t.Fatalf("expected delta log to be deleted, got %d entries", len(entries))
	}
}

func TestPruneStreamsDropsExpiredLogs(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(ai.TextScript("x"))}, func(c *Config) { c.Retention = time.Millisecond })
	ctx := context.Background()
	turn, err := a.StartTurn(ctx, alice, TurnRequest{Message: userMessage("hello")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	drain(t, turn.Subscription)
	time.Sleep(5 * time.Millisecond)

	n, err := a.PruneStreams(ctx)
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v; want 1", n, err)
	}
	entries, _ := a.log.Range(ctx, turn.StreamID, 0)
	if len(entries) != 0 {
		t.Fatalf("expected pruned log, got %d entries", len(entries))
	}
}

func TestDocumentSaveRevertAndSuggestions(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(ai.TextScript("x"))}, nil)
	ctx := context.Background()

	first, err := a.SaveDocument(alice, domain.Document{ID: "d1", Title: "Draft", Kind: domain.KindText, Content: "v1"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := a.SaveDocument(alice, domain.Document{ID: "d1", Title: "Draft", Kind: domain.KindText, Content: "v2"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := a.SaveDocument(bob, domain.Document{ID: "d1", Kind: domain.KindText, Content: "mine"}); !errors.Is(err, ErrDocumentForbidden) {
		t.Fatalf("expected ErrDocumentForbidden, got %v", err)
	}
	if err := a.RevertDocument(ctx, alice, "d1", first.CreatedAt); err != nil {
		t.Fatalf("revert: %v", err)
	}
	versions, _ := a.DocumentVersions(alice, "d1")
	if len(versions) != 1 || versions[0].Content != "v1" {
		t.Fatalf("unexpected versions after revert %+v", versions)
	}

	_ = a.store.SaveSuggestions([]domain.Suggestion{{ID: "s1", DocumentID: "d1", DocumentCreatedAt: first.CreatedAt, OriginalText: "v1", SuggestedText: "v one", UserID: alice.ID, CreatedAt: time.Now()}})
	if err := a.ResolveSuggestion(alice, "d1", "s1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	items, _ := a.ListSuggestions(alice, "d1")
	if len(items) != 1 || !items[0].IsResolved {
		t.Fatalf("unexpected suggestions %+v", items)
	}
	if err := a.ResolveSuggestion(alice, "d1", "nope"); !errors.Is(err, ErrSuggestionNotFound) {
		t.Fatalf("expected ErrSuggestionNotFound, got %v", err)
	}
	if _, err := a.ListSuggestions(bob, "d1"); !errors.Is(err, ErrDocumentForbidden) {
		t.Fatalf("expected ErrDocumentForbidden, got %v", err)
	}
}

func longScript() []ai.Chunk {
	words := make([]string, 100)
	for i := range words {
		words[i] = "word "
	}
	return ai.TextScript(words...)
}

func newPeer(t *testing.T, st store.Store, log streamlog.Log) *App {
	t.Helper()
	provider, err := ai.NewProvider("scripted", ai.ModelChat, map[string]ai.ChatModel{ai.ModelChat: ai.NewScriptedModel(ai.TextScript("x"))}, nil)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	b, err := New(Config{Store: st, Log: log, Provider: provider})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

type slowStore struct {
	*store.MemoryStore
}

func (s slowStore) AppendMessage(msg domain.Message) error {
	time.Sleep(20 * time.Millisecond)
	return s.MemoryStore.AppendMessage(msg)
}

func TestConcurrentTurnsAdmitOnePerConversation(t *testing.T) {
	mem := store.NewMemoryStore()
	chat := ai.NewScriptedModel(ai.TextScript("a", "b")).WithDelay(20 * time.Millisecond)
	a := newTestApp(t, models{chat: chat}, func(c *Config) { c.Store = slowStore{MemoryStore: mem} })
	if err := mem.CreateConversation(domain.Conversation{ID: "c-race", UserID: alice.ID, Visibility: domain.VisibilityPrivate, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var (
		wg    sync.WaitGroup
		turns [2]Turn
		errs  [2]error
	)
	start := make(chan struct{})
	for i := range turns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			turns[i], errs[i] = a.StartTurn(context.Background(), alice, TurnRequest{ConversationID: "c-race", Message: userMessage("go")})
		}(i)
	}
	close(start)
	wg.Wait()

	var started []Turn
	for i, err := range errs {
		switch {
		case err == nil:
			started = append(started, turns[i])
		case errors.Is(err, ErrStreamActive):
		default:
			t.Fatalf("turn %d: unexpected error %v", i, err)
		}
	}
	if len(started) != 1 {
		t.Fatalf("expected exactly one turn to start, got %d (errors %v)", len(started), errs)
	}
	drain(t, started[0].Subscription)
	messages, _ := mem.ListMessages("c-race")
	if len(messages) != 2 {
		t.Fatalf("expected one user and one assistant message, got %d", len(messages))
	}
}

type failingRecords struct {
	*store.MemoryStore
}

func (failingRecords) CreateStreamRecord(domain.StreamRecord) error {
	return errors.New("db down")
}

func TestRegistrationFailureAbortsBeforeInference(t *testing.T) {
	chat := ai.NewScriptedModel(ai.TextScript("never"))
	title := ai.NewScriptedModel(ai.TextScript("Never"))
	a := newTestApp(t, models{chat: chat, title: title}, func(c *Config) {
		c.Store = failingRecords{MemoryStore: store.NewMemoryStore()}
	})

	for i := 0; i < 2; i++ {
		// The second attempt proves the failed turn released its slot.
		if _, err := a.StartTurn(context.Background(), alice, TurnRequest{ConversationID: "c-reg", Message: userMessage("hello")}); !errors.Is(err, registry.ErrRegistration) {
			t.Fatalf("attempt %d: expected ErrRegistration, got %v", i, err)
		}
	}
	if n := len(chat.Requests()); n != 0 {
		t.Fatalf("expected no chat inference, got %d requests", n)
	}
	if n := len(title.Requests()); n != 0 {
		t.Fatalf("expected no title inference, got %d requests", n)
	}
}

func TestResumeFollowsStreamRegisteredElsewhere(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(ai.TextScript("first reply"))}, nil)
	ctx := context.Background()
	turn, err := a.StartTurn(ctx, alice, TurnRequest{Message: userMessage("hello")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	drain(t, turn.Subscription)
	time.Sleep(2 * time.Millisecond)

	// Another instance registered the next turn but has not persisted a delta yet.
	streamID, err := a.streams.RecordStreamStart(ctx, turn.ConversationID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	b := newPeer(t, a.store, a.log)

	b.now = func() time.Time { return time.Now().Add(resumable.DefaultInactivityTimeout + time.Minute) }
	if _, err := b.ResumeStream(ctx, alice, turn.ConversationID, 0); !errors.Is(err, resumable.ErrResumeNotFound) {
		t.Fatalf("expected an abandoned registration to be not found, got %v", err)
	}
	b.now = time.Now

	sub, err := b.ResumeStream(ctx, alice, turn.ConversationID, 0)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		text, _ := delta.New(delta.TypeTextDelta, "late")
		text.Seq = 1
		finish, _ := delta.New(delta.TypeFinish, nil)
		finish.Seq = 2
		_ = a.log.Append(ctx, streamID, text)
		_ = a.log.Append(ctx, streamID, finish)
	}()
	got := drain(t, sub)
	assertTypes(t, got, delta.TypeTextDelta, delta.TypeFinish)
	var text string
	if err := json.Unmarshal(got[0].Content, &text); err != nil || text != "late" {
		t.Fatalf("unexpected text delta %s", got[0].Content)
	}
}

func TestDeleteConversationWaitsForRunningTurn(t *testing.T) {
	chat := ai.NewScriptedModel(longScript()).WithDelay(5 * time.Millisecond)
	a := newTestApp(t, models{chat: chat}, nil)
	ctx := context.Background()

	turn, err := a.StartTurn(ctx, alice, TurnRequest{Message: userMessage("talk")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if _, err := turn.Subscription.Next(ctx); err != nil {
		t.Fatalf("first delta: %v", err)
	}
	if _, err := a.DeleteConversation(ctx, alice, turn.ConversationID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s, ok := a.hub.Lookup(turn.StreamID); ok && !s.State().Terminal() {
		t.Fatalf("delete returned before the turn ended")
	}
	if _, ok, _ := a.store.GetConversation(turn.ConversationID); ok {
		t.Fatalf("conversation still present")
	}
	if messages, _ := a.store.ListMessages(turn.ConversationID); len(messages) != 0 {
		t.Fatalf("expected no messages after delete, got %d", len(messages))
	}
	if entries, _ := a.log.Range(ctx, turn.StreamID, 0); len(entries) != 0 {
		t.Fatalf("expected the delta log to be deleted, got %d entries", len(entries))
	}
}

func TestStopStreamReachesAnotherInstance(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(longScript()).WithDelay(10 * time.Millisecond)}, nil)
	ctx := context.Background()
	turn, err := a.StartTurn(ctx, alice, TurnRequest{Message: userMessage("talk")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if _, err := turn.Subscription.Next(ctx); err != nil {
		t.Fatalf("first delta: %v", err)
	}

	b := newPeer(t, a.store, a.log)
	if err := b.StopStream(ctx, alice, turn.ConversationID); err != nil {
		t.Fatalf("stop from peer: %v", err)
	}
	rest := drain(t, turn.Subscription)
	if len(rest) < 2 || rest[len(rest)-2].Type != delta.TypeError || rest[len(rest)-1].Type != delta.TypeFinish {
		t.Fatalf("expected error then finish, got %v", typesOf(rest))
	}
	if err := b.StopStream(ctx, alice, turn.ConversationID); err != nil {
		t.Fatalf("stopping an ended turn should be a no-op, got %v", err)
	}
}

// plainLog hides the follow and stop capabilities of the wrapped log.
type plainLog struct {
	streamlog.Log
}

func TestStopStreamWithoutStopBusIsUnavailable(t *testing.T) {
	a := newTestApp(t, models{chat: ai.NewScriptedModel(longScript()).WithDelay(10 * time.Millisecond)}, func(c *Config) {
		c.Log = plainLog{Log: c.Log}
	})
	ctx := context.Background()
	turn, err := a.StartTurn(ctx, alice, TurnRequest{Message: userMessage("talk")})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if _, err := turn.Subscription.Next(ctx); err != nil {
		t.Fatalf("first delta: %v", err)
	}

	b := newPeer(t, a.store, plainLog{Log: a.log})
	if err := b.StopStream(ctx, alice, turn.ConversationID); !errors.Is(err, ErrStopUnavailable) {
		t.Fatalf("expected ErrStopUnavailable, got %v", err)
	}
	if err := a.StopStream(ctx, alice, turn.ConversationID); err != nil {
		t.Fatalf("local stop: %v", err)
	}
	drain(t, turn.Subscription)
}

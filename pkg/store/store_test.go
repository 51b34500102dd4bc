package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"artifactchat/pkg/domain"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	gormStore, err := NewGormStore(":memory:")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   gormStore,
	}
}

func TestDocumentVersionsAreAppendOnly(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
			first, err := s.SaveDocument(domain.Document{ID: "D1", Title: "Notes", Kind: domain.KindText, Content: "v1", UserID: "u1", CreatedAt: base})
			if err != nil {
				t.Fatalf("save v1: %v", err)
			}
			second, err := s.SaveDocument(domain.Document{ID: "D1", Title: "Notes", Kind: domain.KindText, Content: "v2", UserID: "u1", CreatedAt: base})
			if err != nil {
				t.Fatalf("save v2: %v", err)
			}
			if !second.CreatedAt.After(first.CreatedAt) {
				t.Fatalf("expected strictly later timestamp, got %v then %v", first.CreatedAt, second.CreatedAt)
			}

			versions, err := s.ListDocumentVersions("D1")
			if err != nil {
				t.Fatalf("list versions: %v", err)
			}
			if len(versions) != 2 || versions[0].Content != "v1" || versions[1].Content != "v2" {
				t.Fatalf("unexpected versions %+v", versions)
			}
			current, ok, err := s.CurrentDocument("D1")
			if err != nil || !ok || current.Content != "v2" {
				t.Fatalf("unexpected current %+v ok=%v err=%v", current, ok, err)
			}
			if _, ok, _ := s.CurrentDocument("missing"); ok {
				t.Fatalf("expected no current document for unknown id")
			}
		})
	}
}

func TestConcurrentDocumentSavesProduceDistinctVersions(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			var wg sync.WaitGroup
			errs := make(chan error, 2)
			for _, content := range []string{"left", "right"} {
				wg.Add(1)
				go func(content string) {
					defer wg.Done()
					_, err := s.SaveDocument(domain.Document{ID: "D2", Title: "Race", Kind: domain.KindCode, Content: content, UserID: "u1", CreatedAt: now})
					errs <- err
				}(content)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("save: %v", err)
				}
			}
			versions, _ := s.ListDocumentVersions("D2")
			if len(versions) != 2 {
				t.Fatalf("expected two versions, got %d", len(versions))
			}
			if !versions[1].CreatedAt.After(versions[0].CreatedAt) {
				t.Fatalf("versions share a timestamp: %+v", versions)
			}
			current, _, _ := s.CurrentDocument("D2")
			if current.Content != versions[1].Content {
				t.Fatalf("current %q is not the later version %q", current.Content, versions[1].Content)
			}
		})
	}
}

func TestDeleteDocumentVersionsAfterDropsSuggestions(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			v1, _ := s.SaveDocument(domain.Document{ID: "D3", Title: "t", Kind: domain.KindText, Content: "one", UserID: "u1"})
			v2, _ := s.SaveDocument(domain.Document{ID: "D3", Title: "t", Kind: domain.KindText, Content: "two", UserID: "u1"})
			err := s.SaveSuggestions([]domain.Suggestion{
				{ID: "s1", DocumentID: "D3", DocumentCreatedAt: v1.CreatedAt, OriginalText: "one", SuggestedText: "One", UserID: "u1", CreatedAt: time.Now()},
				{ID: "s2", DocumentID: "D3", DocumentCreatedAt: v2.CreatedAt, OriginalText: "two", SuggestedText: "Two", UserID: "u1", CreatedAt: time.Now()},
			})
			if err != nil {
				t.Fatalf("save suggestions: %v", err)
			}
			if err := s.DeleteDocumentVersionsAfter("D3", v1.CreatedAt); err != nil {
				t.Fatalf("delete after: %v", err)
			}
			current, _, _ := s.CurrentDocument("D3")
			if current.Content != "one" {
				t.Fatalf("expected undo to v1, got %q", current.Content)
			}
			suggestions, _ := s.ListSuggestions("D3")
			if len(suggestions) != 1 || suggestions[0].ID != "s1" {
				t.Fatalf("unexpected suggestions %+v", suggestions)
			}
			if err := s.ResolveSuggestion("s1"); err != nil {
				t.Fatalf("resolve: %v", err)
			}
			suggestions, _ = s.ListSuggestions("D3")
			if !suggestions[0].IsResolved {
				t.Fatalf("expected resolved suggestion")
			}
			if err := s.ResolveSuggestion("nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			if err := s.CreateConversation(domain.Conversation{ID: "C1", UserID: "u1", Title: "hi", CreatedAt: now}); err != nil {
				t.Fatalf("create conversation: %v", err)
			}
			msg := domain.Message{ID: "M1", ConversationID: "C1", Role: domain.RoleUser, Parts: []domain.Part{{Type: domain.PartText, Text: "hello"}}, CreatedAt: now}
			if err := s.AppendMessage(msg); err != nil {
				t.Fatalf("append message: %v", err)
			}
			_ = s.SaveVote(domain.Vote{ConversationID: "C1", MessageID: "M1", IsUpvoted: true})
			_ = s.SaveVote(domain.Vote{ConversationID: "C1", MessageID: "M1", IsUpvoted: false})
			votes, _ := s.ListVotes("C1")
			if len(votes) != 1 || votes[0].IsUpvoted {
				t.Fatalf("second vote should overwrite the first: %+v", votes)
			}
			_ = s.CreateStreamRecord(domain.StreamRecord{ID: "S1", ConversationID: "C1", CreatedAt: now})

			count, err := s.CountUserMessagesSince("u1", now.Add(-time.Hour))
			if err != nil || count != 1 {
				t.Fatalf("expected one user message, got %d (%v)", count, err)
			}

			streamIDs, err := s.DeleteConversation("C1")
			if err != nil {
				t.Fatalf("delete conversation: %v", err)
			}
			if len(streamIDs) != 1 || streamIDs[0] != "S1" {
				t.Fatalf("unexpected stream ids %v", streamIDs)
			}
			if msgs, _ := s.ListMessages("C1"); len(msgs) != 0 {
				t.Fatalf("messages survived delete: %+v", msgs)
			}
			if records, _ := s.ListStreamRecords("C1", time.Time{}); len(records) != 0 {
				t.Fatalf("stream records survived delete: %+v", records)
			}
			if _, err := s.DeleteConversation("C1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMessagePartsRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			_ = s.CreateConversation(domain.Conversation{ID: "C2", UserID: "u1", CreatedAt: now})
			msg := domain.Message{
				ID:             "M2",
				ConversationID: "C2",
				Role:           domain.RoleAssistant,
				Parts: []domain.Part{
					{Type: domain.PartText, Text: "Created it."},
					{Type: domain.PartToolCall, ToolCallID: "t1", ToolName: "createDocument", Input: []byte(`{"title":"x"}`)},
				},
				CreatedAt: now,
			}
			if err := s.AppendMessage(msg); err != nil {
				t.Fatalf("append: %v", err)
			}
			msgs, err := s.ListMessages("C2")
			if err != nil || len(msgs) != 1 {
				t.Fatalf("list: %v %+v", err, msgs)
			}
			got := msgs[0]
			if got.Text() != "Created it." || len(got.Parts) != 2 || string(got.Parts[1].Input) != `{"title":"x"}` {
				t.Fatalf("unexpected message %+v", got)
			}
		})
	}
}

func TestStreamRecordRetention(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			_ = s.CreateStreamRecord(domain.StreamRecord{ID: "old", ConversationID: "C3", CreatedAt: now.Add(-48 * time.Hour)})
			_ = s.CreateStreamRecord(domain.StreamRecord{ID: "new", ConversationID: "C3", CreatedAt: now})

			recent, _ := s.ListStreamRecords("C3", now.Add(-24*time.Hour))
			if len(recent) != 1 || recent[0].ID != "new" {
				t.Fatalf("unexpected recent records %+v", recent)
			}
			pruned, err := s.DeleteStreamRecordsBefore(now.Add(-24 * time.Hour))
			if err != nil || len(pruned) != 1 || pruned[0] != "old" {
				t.Fatalf("unexpected prune result %v (%v)", pruned, err)
			}
		})
	}
}

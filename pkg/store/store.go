package store

import (
	"errors"
	"time"

	"artifactchat/pkg/domain"
)

// ErrNotFound is returned by mutations that address a missing record.
var ErrNotFound = errors.New("record not found")

// Store defines persistence operations for conversations, messages, votes,
// documents, suggestions, and stream records.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUser(id string) (domain.User, bool, error)

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error)
	UpdateConversationTitle(id string, title string) error
	// DeleteConversation removes the conversation with its messages, votes,
	// and stream records, returning the ids of the removed stream records.
	DeleteConversation(id string) ([]string, error)

	// messages
	AppendMessage(domain.Message) error
	ListMessages(conversationID string) ([]domain.Message, error)
	CountUserMessagesSince(userID string, since time.Time) (int, error)

	// votes
	SaveVote(domain.Vote) error
	ListVotes(conversationID string) ([]domain.Vote, error)

	// documents
	DocumentStore

	// streams
	CreateStreamRecord(domain.StreamRecord) error
	ListStreamRecords(conversationID string, since time.Time) ([]domain.StreamRecord, error)
	DeleteStreamRecordsBefore(cutoff time.Time) ([]string, error)
}

// DocumentStore keeps every saved version of a document. Versions share the
// document id and are told apart by CreatedAt.
type DocumentStore interface {
	// SaveDocument always inserts a new version. The returned document carries
	// the stored CreatedAt, which is strictly later than any earlier version
	// of the same id.
	SaveDocument(domain.Document) (domain.Document, error)
	ListDocumentVersions(id string) ([]domain.Document, error)
	CurrentDocument(id string) (domain.Document, bool, error)
	// DeleteDocumentVersionsAfter removes versions created after ts along
	// with the suggestions attached to them.
	DeleteDocumentVersionsAfter(id string, ts time.Time) error

	SaveSuggestions([]domain.Suggestion) error
	ListSuggestions(documentID string) ([]domain.Suggestion, error)
	ResolveSuggestion(id string) error
}

// versionTime returns candidate when it is after latest, otherwise the
// smallest representable instant after latest.
func versionTime(candidate, latest time.Time) time.Time {
	candidate = candidate.UTC().Truncate(time.Microsecond)
	if latest.IsZero() || candidate.After(latest) {
		return candidate
	}
	return latest.Add(time.Microsecond)
}

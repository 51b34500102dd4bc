package store

import (
	"sort"
	"sync"
	"time"

	"artifactchat/pkg/domain"
)

// MemoryStore keeps all records in-process. It is used by tests and by
// development runs without a database.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	votes         map[string]map[string]domain.Vote
	documents     map[string][]domain.Document
	suggestions   map[string][]domain.Suggestion
	streams       map[string][]domain.StreamRecord
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		votes:         make(map[string]map[string]domain.Vote),
		documents:     make(map[string][]domain.Document),
		suggestions:   make(map[string][]domain.Suggestion),
		streams:       make(map[string][]domain.StreamRecord),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Visibility == "" {
		c.Visibility = domain.VisibilityPrivate
	}
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// ListConversationsByUser returns newest conversations first.
func (m *MemoryStore) ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) UpdateConversationTitle(id string, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if title != "" {
		c.Title = title
	}
	m.conversations[id] = c
	return nil
}

func (m *MemoryStore) DeleteConversation(id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return nil, ErrNotFound
	}
	ids := make([]string, 0, len(m.streams[id]))
	for _, r := range m.streams[id] {
		ids = append(ids, r.ID)
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.votes, id)
	delete(m.streams, id)
	return ids, nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

func (m *MemoryStore) ListMessages(conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := append([]domain.Message(nil), m.messages[conversationID]...)
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) CountUserMessagesSince(userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for convID, msgs := range m.messages {
		if m.conversations[convID].UserID != userID {
			continue
		}
		for _, msg := range msgs {
			if msg.Role == domain.RoleUser && !msg.CreatedAt.Before(since) {
				count++
			}
		}
	}
	return count, nil
}

func (m *MemoryStore) SaveVote(v domain.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byMessage, ok := m.votes[v.ConversationID]
	if !ok {
		byMessage = make(map[string]domain.Vote)
		m.votes[v.ConversationID] = byMessage
	}
	byMessage[v.MessageID] = v
	return nil
}

func (m *MemoryStore) ListVotes(conversationID string) ([]domain.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Vote, 0, len(m.votes[conversationID]))
	for _, v := range m.votes[conversationID] {
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].MessageID < res[j].MessageID })
	return res, nil
}

func (m *MemoryStore) SaveDocument(d domain.Document) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.documents[d.ID]
	var last time.Time
	if len(versions) > 0 {
		last = versions[len(versions)-1].CreatedAt
	}
	candidate := d.CreatedAt
	if candidate.IsZero() {
		candidate = time.Now()
	}
	d.CreatedAt = versionTime(candidate, last)
	m.documents[d.ID] = append(versions, d)
	return d, nil
}

func (m *MemoryStore) ListDocumentVersions(id string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Document(nil), m.documents[id]...), nil
}

func (m *MemoryStore) CurrentDocument(id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.documents[id]
	if len(versions) == 0 {
		return domain.Document{}, false, nil
	}
	return versions[len(versions)-1], true, nil
}

func (m *MemoryStore) DeleteDocumentVersionsAfter(id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.documents[id][:0]
	for _, d := range m.documents[id] {
		if !d.CreatedAt.After(ts) {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		delete(m.documents, id)
	} else {
		m.documents[id] = kept
	}
	suggestions := m.suggestions[id][:0]
	for _, s := range m.suggestions[id] {
		if !s.DocumentCreatedAt.After(ts) {
			suggestions = append(suggestions, s)
		}
	}
	m.suggestions[id] = suggestions
	return nil
}

func (m *MemoryStore) SaveSuggestions(items []domain.Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range items {
		m.suggestions[s.DocumentID] = append(m.suggestions[s.DocumentID], s)
	}
	return nil
}

func (m *MemoryStore) ListSuggestions(documentID string) ([]domain.Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Suggestion(nil), m.suggestions[documentID]...), nil
}

func (m *MemoryStore) ResolveSuggestion(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for docID, items := range m.suggestions {
		for i := range items {
			if items[i].ID == id {
				m.suggestions[docID][i].IsResolved = true
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) CreateStreamRecord(r domain.StreamRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[r.ConversationID] = append(m.streams[r.ConversationID], r)
	return nil
}

func (m *MemoryStore) ListStreamRecords(conversationID string, since time.Time) ([]domain.StreamRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.StreamRecord, 0, len(m.streams[conversationID]))
	for _, r := range m.streams[conversationID] {
		if !r.CreatedAt.Before(since) {
			res = append(res, r)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) DeleteStreamRecordsBefore(cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for convID, records := range m.streams {
		kept := records[:0]
		for _, r := range records {
			if r.CreatedAt.Before(cutoff) {
				ids = append(ids, r.ID)
				continue
			}
			kept = append(kept, r)
		}
		m.streams[convID] = kept
	}
	return ids, nil
}

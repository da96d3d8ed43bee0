package store

import (
	"sort"
	"sync"
	"time"

	"chatforge/pkg/domain"
)

// MemoryStore keeps everything in-process. It mirrors GormStore semantics and
// backs the test suites.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]domain.User
	chats       map[string]domain.Chat
	messages    map[string][]domain.Message // chatID -> messages in insertion order
	votes       map[string]map[string]domain.Vote
	documents   map[string][]domain.Document // documentID -> revisions
	suggestions map[string][]domain.Suggestion
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]domain.User),
		chats:       make(map[string]domain.Chat),
		messages:    make(map[string][]domain.Message),
		votes:       make(map[string]map[string]domain.Vote),
		documents:   make(map[string][]domain.Document),
		suggestions: make(map[string][]domain.Suggestion),
	}
}

func (m *MemoryStore) EnsureUser(u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		return existing, nil
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) SaveChat(c domain.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Visibility == "" {
		c.Visibility = domain.VisibilityPrivate
	}
	m.chats[c.ID] = c
	return nil
}

func (m *MemoryStore) GetChatByID(id string) (domain.Chat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	return c, ok, nil
}

func (m *MemoryStore) ListChatsByUser(userID string, limit int, startingAfter, endingBefore string) (domain.ChatPage, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cursorAt time.Time
	var after, before bool
	if startingAfter != "" {
		cursor, ok := m.chats[startingAfter]
		if !ok {
			return domain.ChatPage{}, ErrCursorNotFound{Cursor: startingAfter}
		}
		cursorAt, after = cursor.CreatedAt, true
	} else if endingBefore != "" {
		cursor, ok := m.chats[endingBefore]
		if !ok {
			return domain.ChatPage{}, ErrCursorNotFound{Cursor: endingBefore}
		}
		cursorAt, before = cursor.CreatedAt, true
	}

	all := make([]domain.Chat, 0, len(m.chats))
	for _, c := range m.chats {
		if c.UserID != userID {
			continue
		}
		if after && !c.CreatedAt.After(cursorAt) {
			continue
		}
		if before && !c.CreatedAt.Before(cursorAt) {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	hasMore := len(all) > limit
	if hasMore {
		all = all[:limit]
	}
	return domain.ChatPage{Chats: all, HasMore: hasMore}, nil
}

func (m *MemoryStore) UpdateChatVisibility(id string, visibility domain.ChatVisibility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[id]
	if !ok {
		return nil
	}
	chat.Visibility = visibility
	m.chats[id] = chat
	return nil
}

func (m *MemoryStore) DeleteChat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, id)
	delete(m.messages, id)
	delete(m.votes, id)
	return nil
}

func (m *MemoryStore) SaveMessages(msgs []domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	}
	return nil
}

func (m *MemoryStore) ListMessagesByChat(chatID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := make([]domain.Message, len(m.messages[chatID]))
	copy(msgs, m.messages[chatID])
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (m *MemoryStore) GetMessageByID(id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				return msg, true, nil
			}
		}
	}
	return domain.Message{}, false, nil
}

func (m *MemoryStore) DeleteMessagesAfter(chatID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.messages[chatID][:0]
	for _, msg := range m.messages[chatID] {
		if msg.CreatedAt.Before(ts) {
			kept = append(kept, msg)
			continue
		}
		if votes, ok := m.votes[chatID]; ok {
			delete(votes, msg.ID)
		}
	}
	m.messages[chatID] = kept
	return nil
}

func (m *MemoryStore) SaveVote(chatID, messageID string, isUpvoted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.votes[chatID] == nil {
		m.votes[chatID] = make(map[string]domain.Vote)
	}
	m.votes[chatID][messageID] = domain.Vote{ChatID: chatID, MessageID: messageID, IsUpvoted: isUpvoted}
	return nil
}

func (m *MemoryStore) ListVotesByChat(chatID string) ([]domain.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	votes := make([]domain.Vote, 0, len(m.votes[chatID]))
	for _, v := range m.votes[chatID] {
		votes = append(votes, v)
	}
	return votes, nil
}

func (m *MemoryStore) SaveDocument(doc domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.Kind == "" {
		doc.Kind = domain.KindText
	}
	m.documents[doc.ID] = append(m.documents[doc.ID], doc)
	return nil
}

func (m *MemoryStore) ListDocumentRevisions(id string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]domain.Document, len(m.documents[id]))
	copy(docs, m.documents[id])
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs, nil
}

func (m *MemoryStore) GetLatestDocument(id string) (domain.Document, bool, error) {
	docs, _ := m.ListDocumentRevisions(id)
	if len(docs) == 0 {
		return domain.Document{}, false, nil
	}
	return docs[len(docs)-1], true, nil
}

func (m *MemoryStore) DeleteDocumentRevisionsAfter(id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.documents[id][:0]
	for _, doc := range m.documents[id] {
		if !doc.CreatedAt.After(ts) {
			kept = append(kept, doc)
			continue
		}
		keptSuggestions := m.suggestions[id][:0]
		for _, sug := range m.suggestions[id] {
			if !sug.DocumentCreatedAt.Equal(doc.CreatedAt) {
				keptSuggestions = append(keptSuggestions, sug)
			}
		}
		m.suggestions[id] = keptSuggestions
	}
	m.documents[id] = kept
	return nil
}

func (m *MemoryStore) SaveSuggestions(items []domain.Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.suggestions[item.DocumentID] = append(m.suggestions[item.DocumentID], item)
	}
	return nil
}

func (m *MemoryStore) ListSuggestionsByDocument(documentID string) ([]domain.Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]domain.Suggestion, len(m.suggestions[documentID]))
	copy(items, m.suggestions[documentID])
	return items, nil
}

var _ Store = (*MemoryStore)(nil)

package store

import (
	"time"

	"chatforge/pkg/domain"
)

// Store defines persistence operations for users, chats, messages, votes,
// documents, and suggestions. Ownership checks live in the application layer;
// the store exposes raw lookups plus the user-scoped listings it needs.
type Store interface {
	// users
	EnsureUser(u domain.User) (domain.User, error)
	GetUserByID(id string) (domain.User, bool, error)

	// chats
	SaveChat(c domain.Chat) error
	GetChatByID(id string) (domain.Chat, bool, error)
	ListChatsByUser(userID string, limit int, startingAfter, endingBefore string) (domain.ChatPage, error)
	UpdateChatVisibility(id string, visibility domain.ChatVisibility) error
	DeleteChat(id string) error

	// messages
	SaveMessages(msgs []domain.Message) error
	ListMessagesByChat(chatID string) ([]domain.Message, error)
	GetMessageByID(id string) (domain.Message, bool, error)
	DeleteMessagesAfter(chatID string, ts time.Time) error

	// votes
	SaveVote(chatID, messageID string, isUpvoted bool) error
	ListVotesByChat(chatID string) ([]domain.Vote, error)

	// documents
	SaveDocument(doc domain.Document) error
	ListDocumentRevisions(id string) ([]domain.Document, error)
	GetLatestDocument(id string) (domain.Document, bool, error)
	DeleteDocumentRevisionsAfter(id string, ts time.Time) error

	// suggestions
	SaveSuggestions(items []domain.Suggestion) error
	ListSuggestionsByDocument(documentID string) ([]domain.Suggestion, error)
}

// ErrCursorNotFound is returned by ListChatsByUser when a pagination cursor
// does not resolve to an existing chat.
type ErrCursorNotFound struct {
	Cursor string
}

func (e ErrCursorNotFound) Error() string {
	return "pagination cursor not found: " + e.Cursor
}

package domain

import (
	"encoding/json"
	"time"
)

type ChatVisibility string

const (
	VisibilityPrivate ChatVisibility = "private"
	VisibilityPublic  ChatVisibility = "public"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type DocumentKind string

const (
	KindText  DocumentKind = "text"
	KindImage DocumentKind = "image"
)

// User is the local record for an externally-issued identity. The ID is the
// identity provider's subject and is never minted locally.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type Chat struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	Title      string         `json:"title"`
	Visibility ChatVisibility `json:"visibility"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// MessagePart is one structured segment of a message body: plain text,
// reasoning text, or a tool invocation with its result.
type MessagePart struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolArgs  json.RawMessage `json:"toolArgs,omitempty"`
	ToolValue string          `json:"toolValue,omitempty"`
}

type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
}

type Message struct {
	ID          string        `json:"id"`
	ChatID      string        `json:"chatId"`
	Role        MessageRole   `json:"role"`
	Parts       []MessagePart `json:"parts"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Text concatenates the plain-text parts of a message.
func (m Message) Text() string {
	var out string
	for _, part := range m.Parts {
		if part.Type == "text" {
			out += part.Text
		}
	}
	return out
}

type Vote struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	IsUpvoted bool   `json:"isUpvoted"`
}

// Document is one revision of an artifact. Revisions share an ID and are
// distinguished by CreatedAt; rows are inserted, never updated in place.
type Document struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Title     string       `json:"title"`
	Kind      DocumentKind `json:"kind"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Suggestion is a proposed edit bound to a specific document revision.
type Suggestion struct {
	ID                string    `json:"id"`
	DocumentID        string    `json:"documentId"`
	DocumentCreatedAt time.Time `json:"documentCreatedAt"`
	OriginalText      string    `json:"originalText"`
	SuggestedText     string    `json:"suggestedText"`
	Description       string    `json:"description,omitempty"`
	IsResolved        bool      `json:"isResolved"`
	UserID            string    `json:"userId"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ChatPage is one page of a cursor-paginated chat listing.
type ChatPage struct {
	Chats   []Chat `json:"chats"`
	HasMore bool   `json:"hasMore"`
}

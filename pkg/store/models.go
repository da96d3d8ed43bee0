package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string    `gorm:"primaryKey"`
	Email     string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type ChatModel struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index"`
	Title      string    `gorm:"not null"`
	Visibility string    `gorm:"not null;default:private"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID          string         `gorm:"primaryKey"`
	ChatID      string         `gorm:"not null;index"`
	Role        string         `gorm:"not null"`
	Parts       datatypes.JSON `gorm:"type:jsonb;not null"`
	Attachments datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;index"`
}

type VoteModel struct {
	ChatID    string `gorm:"primaryKey"`
	MessageID string `gorm:"primaryKey"`
	IsUpvoted bool   `gorm:"not null"`
}

// DocumentModel rows are revisions: (id, created_at) is the primary key.
type DocumentModel struct {
	ID        string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Title     string    `gorm:"not null"`
	Kind      string    `gorm:"not null;default:text"`
	Content   string    `gorm:"type:text"`
}

type SuggestionModel struct {
	ID                string    `gorm:"primaryKey"`
	DocumentID        string    `gorm:"not null;index"`
	DocumentCreatedAt time.Time `gorm:"not null"`
	OriginalText      string    `gorm:"type:text;not null"`
	SuggestedText     string    `gorm:"type:text;not null"`
	Description       string    `gorm:"type:text"`
	IsResolved        bool      `gorm:"not null;default:false"`
	UserID            string    `gorm:"not null;index"`
	CreatedAt         time.Time `gorm:"not null"`
}

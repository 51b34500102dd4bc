package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"index"`
	Type      string `gorm:"not null"`
	CreatedAt time.Time
}

type ConversationModel struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index"`
	Title      string    `gorm:"not null"`
	Visibility string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	ConversationID string         `gorm:"not null;index"`
	Role           string         `gorm:"not null"`
	Parts          datatypes.JSON `gorm:"not null"`
	Attachments    datatypes.JSON
	CreatedAt      time.Time `gorm:"not null;index"`
}

type VoteModel struct {
	ConversationID string `gorm:"primaryKey"`
	MessageID      string `gorm:"primaryKey"`
	IsUpvoted      bool   `gorm:"not null"`
}

// DocumentModel rows share ID across versions; (ID, CreatedAt) is the key.
type DocumentModel struct {
	ID        string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"primaryKey;autoCreateTime:false"`
	Title     string    `gorm:"not null"`
	Kind      string    `gorm:"not null"`
	Content   string    `gorm:"type:text"`
	UserID    string    `gorm:"not null;index"`
}

type SuggestionModel struct {
	ID                string    `gorm:"primaryKey"`
	DocumentID        string    `gorm:"not null;index"`
	DocumentCreatedAt time.Time `gorm:"not null"`
	OriginalText      string    `gorm:"type:text;not null"`
	SuggestedText     string    `gorm:"type:text;not null"`
	Description       string    `gorm:"type:text"`
	IsResolved        bool      `gorm:"not null;default:false"`
	UserID            string    `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
}

type StreamModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index"`
	CreatedAt      time.Time `gorm:"not null;index"`
}

package domain

import (
	"encoding/json"
	"time"
)

type UserType string

const (
	UserGuest   UserType = "guest"
	UserRegular UserType = "regular"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartFile       PartType = "file"
)

type DocumentKind string

const (
	KindText  DocumentKind = "text"
	KindCode  DocumentKind = "code"
	KindSheet DocumentKind = "sheet"
	KindImage DocumentKind = "image"
)

// Valid reports whether k is one of the known document kinds.
func (k DocumentKind) Valid() bool {
	switch k {
	case KindText, KindCode, KindSheet, KindImage:
		return true
	}
	return false
}

type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Type  UserType `json:"type"`
}

type Conversation struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Part is one typed segment of a message. Only the fields relevant to Type are set.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	MediaType  string          `json:"mediaType,omitempty"`
	URL        string          `json:"url,omitempty"`
}

type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
}

type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"chatId"`
	Role           Role         `json:"role"`
	Parts          []Part       `json:"parts"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Text concatenates the text parts of a message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

type StreamRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"chatId"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Document struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Kind      DocumentKind `json:"kind"`
	Content   string       `json:"content"`
	UserID    string       `json:"userId"`
	CreatedAt time.Time    `json:"createdAt"`
}

type Suggestion struct {
	ID                string    `json:"id"`
	DocumentID        string    `json:"documentId"`
	DocumentCreatedAt time.Time `json:"documentCreatedAt"`
	OriginalText      string    `json:"originalText"`
	SuggestedText     string    `json:"suggestedText"`
	Description       string    `json:"description"`
	IsResolved        bool      `json:"isResolved"`
	UserID            string    `json:"userId"`
	CreatedAt         time.Time `json:"createdAt"`
}

type Vote struct {
	ConversationID string `json:"chatId"`
	MessageID      string `json:"messageId"`
	IsUpvoted      bool   `json:"isUpvoted"`
}

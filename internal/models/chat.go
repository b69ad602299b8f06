package models

import (
	"io"
	"time"
)

// MessageType identifies the kind of chat message
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeFile  MessageType = "file"
	MessageTypeOffer MessageType = "offer"
)

// User is a marketplace participant referenced by ID
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Chat is a conversation between two participants
type Chat struct {
	ID           string       `json:"id"`
	Participants []User       `json:"participants"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
	UpdatedAt    time.Time    `json:"updatedAt,omitempty"`
}

// LastMessage is the preview shown in the chat list
type LastMessage struct {
	ID        string      `json:"id,omitempty"`
	Content   string      `json:"content"`
	Sender    string      `json:"sender"`
	CreatedAt time.Time   `json:"createdAt"`
	Type      MessageType `json:"type"`
}

// Message is a single chat message
type Message struct {
	ID          string        `json:"id"`
	ChatID      string        `json:"chat"`
	SenderID    string        `json:"sender"`
	Content     string        `json:"content"`
	Type        MessageType   `json:"type"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	ReplyTo     string        `json:"replyTo,omitempty"`
	ReadBy      []ReadReceipt `json:"readBy"`
	CreatedAt   time.Time     `json:"createdAt"`
	EditedAt    *time.Time    `json:"editedAt,omitempty"`
	IsDeleted   bool          `json:"isDeleted"`
}

// ReadReceipt records that a user has read a message
type ReadReceipt struct {
	User   string    `json:"user"`
	ReadAt time.Time `json:"readAt"`
}

// Attachment is a file attached to a message
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// SendMessageRequest is the body of a text message send
type SendMessageRequest struct {
	Content string      `json:"content"`
	Type    MessageType `json:"type"`
	ReplyTo string      `json:"replyTo,omitempty"`
}

// FileUpload is a file selected for sending
type FileUpload struct {
	Name   string
	Reader io.Reader
}

// Preview builds the chat list preview for the message
func (m Message) Preview() *LastMessage {
	return &LastMessage{
		ID:        m.ID,
		Content:   m.Content,
		Sender:    m.SenderID,
		CreatedAt: m.CreatedAt,
		Type:      m.Type,
	}
}

// HasReadBy reports whether userID already acknowledged the message
func (m *Message) HasReadBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.User == userID {
			return true
		}
	}
	return false
}

// AddReadBy appends a read receipt. The sender is never recorded as a reader
// and a user is recorded at most once.
func (m *Message) AddReadBy(userID string, at time.Time) bool {
	if userID == "" || userID == m.SenderID || m.HasReadBy(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{User: userID, ReadAt: at})
	return true
}

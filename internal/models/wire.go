package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// The backend is not consistent about payload shapes: ids come as "id" or
// "_id", references come either as a bare id string or as an embedded object,
// and list responses may or may not be wrapped. Everything that tolerates
// that variance lives in this file; the rest of the code only sees the
// canonical types from chat.go.

// ErrMissingID is returned when a payload carries no usable identifier
var ErrMissingID = errors.New("payload has no id")

// wireRef is an id reference that may be a string or an embedded document
type wireRef struct {
	ID   string
	User *User
}

func (r *wireRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var u wireUser
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	user := u.canonical()
	r.ID = user.ID
	r.User = &user
	return nil
}

type wireUser struct {
	ID       string `json:"id"`
	MongoID  string `json:"_id"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar"`
}

func (u wireUser) canonical() User {
	name := u.Name
	if name == "" {
		name = u.Username
	}
	return User{
		ID:     firstNonEmpty(u.ID, u.MongoID, u.UserID),
		Name:   name,
		Email:  u.Email,
		Avatar: u.Avatar,
	}
}

type wireReceipt struct {
	User   wireRef   `json:"user"`
	ReadAt time.Time `json:"readAt"`
}

// WireMessage is the tolerant decoding of a backend message. Pointer fields
// distinguish "absent" from "zero" so partial updates can be merged.
type WireMessage struct {
	ID          string         `json:"id"`
	MongoID     string         `json:"_id"`
	Chat        wireRef        `json:"chat"`
	ChatID      string         `json:"chatId"`
	Sender      wireRef        `json:"sender"`
	SenderID    string         `json:"senderId"`
	Content     *string        `json:"content"`
	Type        *MessageType   `json:"type"`
	Attachments *[]Attachment  `json:"attachments"`
	ReplyTo     wireRef        `json:"replyTo"`
	ReadBy      *[]wireReceipt `json:"readBy"`
	CreatedAt   time.Time      `json:"createdAt"`
	EditedAt    *time.Time     `json:"editedAt"`
	IsDeleted   *bool          `json:"isDeleted"`
}

// MessageID returns the message identifier
func (w *WireMessage) MessageID() string {
	return firstNonEmpty(w.ID, w.MongoID)
}

// ChatRef returns the chat identifier
func (w *WireMessage) ChatRef() string {
	return firstNonEmpty(w.Chat.ID, w.ChatID)
}

// Canonical converts the wire message into a Message
func (w *WireMessage) Canonical() Message {
	m := Message{
		ID:        w.MessageID(),
		ChatID:    w.ChatRef(),
		SenderID:  firstNonEmpty(w.Sender.ID, w.SenderID),
		Type:      MessageTypeText,
		ReplyTo:   w.ReplyTo.ID,
		ReadBy:    []ReadReceipt{},
		CreatedAt: w.CreatedAt,
		EditedAt:  w.EditedAt,
	}
	if w.Content != nil {
		m.Content = *w.Content
	}
	if w.Type != nil && *w.Type != "" {
		m.Type = *w.Type
	}
	if w.Attachments != nil {
		m.Attachments = *w.Attachments
	}
	if w.IsDeleted != nil {
		m.IsDeleted = *w.IsDeleted
	}
	if w.ReadBy != nil {
		for _, r := range *w.ReadBy {
			m.AddReadBy(r.User.ID, r.ReadAt)
		}
	}
	return m
}

// Patch returns an RFC 7386 merge patch with only the fields the payload
// carried. Identity fields are never part of the patch.
func (w *WireMessage) Patch() ([]byte, error) {
	patch := map[string]any{}
	if w.Content != nil {
		patch["content"] = *w.Content
	}
	if w.Type != nil && *w.Type != "" {
		patch["type"] = *w.Type
	}
	if w.Attachments != nil {
		patch["attachments"] = *w.Attachments
	}
	if w.EditedAt != nil {
		patch["editedAt"] = *w.EditedAt
	}
	if w.IsDeleted != nil {
		patch["isDeleted"] = *w.IsDeleted
	}
	return json.Marshal(patch)
}

type wireLastMessage struct {
	ID        string      `json:"id"`
	MongoID   string      `json:"_id"`
	Content   string      `json:"content"`
	Sender    wireRef     `json:"sender"`
	CreatedAt time.Time   `json:"createdAt"`
	Type      MessageType `json:"type"`
}

type wireChat struct {
	ID           string           `json:"id"`
	MongoID      string           `json:"_id"`
	Participants []wireRef        `json:"participants"`
	LastMessage  *wireLastMessage `json:"lastMessage"`
	UnreadCount  int              `json:"unreadCount"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

func (w wireChat) canonical() Chat {
	c := Chat{
		ID:           firstNonEmpty(w.ID, w.MongoID),
		Participants: make([]User, 0, len(w.Participants)),
		UnreadCount:  w.UnreadCount,
		UpdatedAt:    w.UpdatedAt,
	}
	for _, p := range w.Participants {
		if p.User != nil {
			c.Participants = append(c.Participants, *p.User)
		} else if p.ID != "" {
			c.Participants = append(c.Participants, User{ID: p.ID})
		}
	}
	if w.LastMessage != nil {
		typ := w.LastMessage.Type
		if typ == "" {
			typ = MessageTypeText
		}
		c.LastMessage = &LastMessage{
			ID:        firstNonEmpty(w.LastMessage.ID, w.LastMessage.MongoID),
			Content:   w.LastMessage.Content,
			Sender:    w.LastMessage.Sender.ID,
			CreatedAt: w.LastMessage.CreatedAt,
			Type:      typ,
		}
	}
	return c
}

// DecodeWireMessage decodes a message payload, unwrapping {"message": {...}}
func DecodeWireMessage(data []byte) (*WireMessage, error) {
	data = unwrap(data, "message")
	var w WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// DecodeMessage decodes a single message
func DecodeMessage(data []byte) (Message, error) {
	w, err := DecodeWireMessage(data)
	if err != nil {
		return Message{}, err
	}
	if w.MessageID() == "" {
		return Message{}, ErrMissingID
	}
	return w.Canonical(), nil
}

// DecodeMessages decodes a message list, bare or wrapped in {"messages": [...]}.
// Entries without an id are skipped.
func DecodeMessages(data []byte) ([]Message, error) {
	data = unwrap(data, "messages")
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		m, err := DecodeMessage(item)
		if err != nil {
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// DecodeChats decodes a chat list, bare or wrapped in {"chats": [...]}
func DecodeChats(data []byte) ([]Chat, error) {
	data = unwrap(data, "chats")
	var raw []wireChat
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	chats := make([]Chat, 0, len(raw))
	for _, w := range raw {
		c := w.canonical()
		if c.ID == "" {
			continue
		}
		chats = append(chats, c)
	}
	return chats, nil
}

// DecodeUser decodes a user given either as an id string or as an object
func DecodeUser(data []byte) (User, error) {
	var ref wireRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return User{}, err
	}
	if ref.ID == "" {
		return User{}, ErrMissingID
	}
	if ref.User != nil {
		return *ref.User, nil
	}
	return User{ID: ref.ID}, nil
}

// DecodeUsers decodes a user list, bare or wrapped in {"users": [...]}
func DecodeUsers(data []byte) ([]User, error) {
	data = unwrap(data, "users")
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(raw))
	for _, item := range raw {
		u, err := DecodeUser(item)
		if err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// EventRefs are the identifiers a socket payload carries next to, or
// instead of, a full message document
type EventRefs struct {
	MessageID string
	ChatID    string
	User      *User
	ReadAt    time.Time
}

type wireRefs struct {
	MessageID string    `json:"messageId"`
	Message   wireRef   `json:"message"`
	ChatID    string    `json:"chatId"`
	Chat      wireRef   `json:"chat"`
	UserID    string    `json:"userId"`
	User      wireRef   `json:"user"`
	ReadAt    time.Time `json:"readAt"`
}

// DecodeRefs extracts message, chat and user references from an event payload
func DecodeRefs(data []byte) (EventRefs, error) {
	var w wireRefs
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &w); err != nil {
			return EventRefs{}, err
		}
	}
	refs := EventRefs{
		MessageID: firstNonEmpty(w.MessageID, w.Message.ID),
		ChatID:    firstNonEmpty(w.ChatID, w.Chat.ID),
		ReadAt:    w.ReadAt,
	}
	switch {
	case w.User.User != nil:
		refs.User = w.User.User
	case firstNonEmpty(w.UserID, w.User.ID) != "":
		refs.User = &User{ID: firstNonEmpty(w.UserID, w.User.ID)}
	}
	return refs, nil
}

// unwrap returns the value under key when data is an object holding it
func unwrap(data []byte, key string) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return data
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return data
	}
	if inner, ok := obj[key]; ok && len(bytes.TrimSpace(inner)) > 0 && !bytes.Equal(bytes.TrimSpace(inner), []byte("null")) {
		return inner
	}
	return data
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package chatsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/rajivgeraev/aski-chat/internal/models"
	"github.com/rajivgeraev/aski-chat/internal/websocket"
)

var (
	errMalformedEvent = errors.New("malformed event")
	errUnknownEvent   = errors.New("unknown event type")
)

// inbound is a normalized socket event
type inbound interface {
	inbound()
}

type newMessage struct {
	message models.Message
}

type messageEdited struct {
	chatID    string
	messageID string
	patch     []byte // RFC 7386 merge patch
}

type messageDeleted struct {
	chatID    string
	messageID string
}

type typingChanged struct {
	chatID string
	user   models.User
	typing bool
}

type presenceChanged struct {
	user   models.User
	online bool
}

type onlineSnapshot struct {
	users []models.User
}

type messageRead struct {
	chatID    string // optional
	messageID string // optional, empty means every message of the reader's peer
	userID    string
	readAt    time.Time
}

type chatUpdated struct {
	chatID string
}

func (newMessage) inbound()      {}
func (messageEdited) inbound()   {}
func (messageDeleted) inbound()  {}
func (typingChanged) inbound()   {}
func (presenceChanged) inbound() {}
func (onlineSnapshot) inbound()  {}
func (messageRead) inbound()     {}
func (chatUpdated) inbound()     {}

// normalize turns a raw socket event into one of the inbound variants.
// Envelope ids are used when the payload does not carry them.
func normalize(ev websocket.Event) (inbound, error) {
	switch ev.Type {
	case websocket.EventNewMessage:
		w, err := decodeMessagePayload(ev)
		if err != nil {
			return nil, err
		}
		outer := outerRefs(ev)
		msg := w.Canonical()
		msg.ID = firstNonEmpty(msg.ID, outer.MessageID, ev.MessageID)
		msg.ChatID = firstNonEmpty(msg.ChatID, outer.ChatID, ev.ChatID)
		if msg.ID == "" || msg.ChatID == "" {
			return nil, fmt.Errorf("%w: %s without message or chat id", errMalformedEvent, ev.Type)
		}
		return newMessage{message: msg}, nil

	case websocket.EventMessageEdited:
		w, err := decodeMessagePayload(ev)
		if err != nil {
			return nil, err
		}
		outer := outerRefs(ev)
		edit := messageEdited{
			chatID:    firstNonEmpty(w.ChatRef(), outer.ChatID, ev.ChatID),
			messageID: firstNonEmpty(w.MessageID(), outer.MessageID, ev.MessageID),
		}
		if edit.chatID == "" || edit.messageID == "" {
			return nil, fmt.Errorf("%w: %s without message or chat id", errMalformedEvent, ev.Type)
		}
		if edit.patch, err = w.Patch(); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedEvent, err)
		}
		return edit, nil

	case websocket.EventMessageDeleted:
		refs, err := decodeRefs(ev)
		if err != nil {
			return nil, err
		}
		del := messageDeleted{chatID: refs.ChatID, messageID: refs.MessageID}
		// the payload may carry the deleted message itself, bare or wrapped
		if w, err := models.DecodeWireMessage(ev.Payload); err == nil {
			del.messageID = firstNonEmpty(w.MessageID(), del.messageID)
			del.chatID = firstNonEmpty(w.ChatRef(), del.chatID)
		}
		del.messageID = firstNonEmpty(del.messageID, ev.MessageID)
		del.chatID = firstNonEmpty(del.chatID, ev.ChatID)
		if del.chatID == "" || del.messageID == "" {
			return nil, fmt.Errorf("%w: %s without message or chat id", errMalformedEvent, ev.Type)
		}
		return del, nil

	case websocket.EventTyping, websocket.EventStopTyping:
		refs, err := decodeRefs(ev)
		if err != nil {
			return nil, err
		}
		t := typingChanged{
			chatID: firstNonEmpty(refs.ChatID, ev.ChatID),
			user:   userOrID(refs.User, ev.UserID),
			typing: ev.Type == websocket.EventTyping,
		}
		if t.chatID == "" || t.user.ID == "" {
			return nil, fmt.Errorf("%w: %s without chat or user id", errMalformedEvent, ev.Type)
		}
		return t, nil

	case websocket.EventUserOnline, websocket.EventUserOffline:
		p := presenceChanged{online: ev.Type == websocket.EventUserOnline}
		if refs, err := decodeRefs(ev); err == nil && refs.User != nil {
			p.user = *refs.User
		} else if u, err := models.DecodeUser(ev.Payload); err == nil {
			p.user = u
		}
		if p.user.ID == "" {
			p.user.ID = ev.UserID
		}
		if p.user.ID == "" {
			return nil, fmt.Errorf("%w: %s without user id", errMalformedEvent, ev.Type)
		}
		return p, nil

	case websocket.EventOnlineUsers:
		users, err := models.DecodeUsers(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedEvent, err)
		}
		return onlineSnapshot{users: users}, nil

	case websocket.EventMessageRead:
		refs, err := decodeRefs(ev)
		if err != nil {
			return nil, err
		}
		r := messageRead{
			chatID:    firstNonEmpty(refs.ChatID, ev.ChatID),
			messageID: firstNonEmpty(refs.MessageID, ev.MessageID),
			userID:    userOrID(refs.User, ev.UserID).ID,
			readAt:    refs.ReadAt,
		}
		if r.userID == "" {
			return nil, fmt.Errorf("%w: %s without user id", errMalformedEvent, ev.Type)
		}
		return r, nil

	case websocket.EventChatUpdated:
		refs, _ := decodeRefs(ev)
		return chatUpdated{chatID: firstNonEmpty(refs.ChatID, ev.ChatID)}, nil
	}

	return nil, fmt.Errorf("%w: %q", errUnknownEvent, ev.Type)
}

func decodeMessagePayload(ev websocket.Event) (*models.WireMessage, error) {
	if len(ev.Payload) == 0 {
		return &models.WireMessage{}, nil
	}
	w, err := models.DecodeWireMessage(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	return w, nil
}

// outerRefs reads the ids that sit next to a wrapped message document.
// A payload that does not parse as refs carries none.
func outerRefs(ev websocket.Event) models.EventRefs {
	refs, err := models.DecodeRefs(ev.Payload)
	if err != nil {
		return models.EventRefs{}
	}
	return refs
}

func decodeRefs(ev websocket.Event) (models.EventRefs, error) {
	refs, err := models.DecodeRefs(ev.Payload)
	if err != nil {
		return models.EventRefs{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	return refs, nil
}

func userOrID(u *models.User, id string) models.User {
	if u != nil && u.ID != "" {
		return *u
	}
	return models.User{ID: id}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

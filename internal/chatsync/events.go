package chatsync

import (
	"context"
	"encoding/json"
	"errors"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/gofiber/fiber/v3/log"

	"github.com/rajivgeraev/aski-chat/internal/models"
	"github.com/rajivgeraev/aski-chat/internal/websocket"
)

// HandleEvent reconciles an inbound socket event into the view.
// Malformed events are dropped without touching state.
func (s *Store) HandleEvent(ev websocket.Event) {
	in, err := normalize(ev)
	if err != nil {
		if errors.Is(err, errUnknownEvent) {
			log.Debugf("Ignoring socket event: %v", err)
		} else {
			log.Warnf("Dropping socket event: %v", err)
		}
		return
	}

	switch e := in.(type) {
	case newMessage:
		s.applyNewMessage(e.message)
	case messageEdited:
		s.applyEdit(e)
		s.spawnRefreshChats()
	case messageDeleted:
		s.applyDelete(e)
		s.spawnRefreshChats()
	case typingChanged:
		s.applyTyping(e)
	case presenceChanged:
		s.applyPresence(e)
	case onlineSnapshot:
		s.applyOnlineSnapshot(e)
	case messageRead:
		s.applyRead(e)
	case chatUpdated:
		s.spawnRefreshChats()
	}
}

func (s *Store) spawnRefreshChats() {
	s.spawn(func(ctx context.Context) {
		s.refreshChats(ctx)
	})
}

func (s *Store) applyNewMessage(msg models.Message) {
	fromPeer := msg.SenderID != s.self.ID

	s.mu.Lock()
	active := msg.ChatID == s.selectedID
	if active {
		if s.hasMessage(msg.ID) {
			s.mu.Unlock()
			return
		}
		s.messages = append(s.messages, msg)
	}

	idx := s.chatIndex(msg.ChatID)
	if idx >= 0 {
		chat := &s.chats[idx]
		redelivered := chat.LastMessage != nil && chat.LastMessage.ID == msg.ID
		chat.LastMessage = msg.Preview()
		switch {
		case active:
			chat.UnreadCount = 0
		case fromPeer && !redelivered:
			chat.UnreadCount++
		}
		s.moveToFront(idx)
	}
	s.mu.Unlock()

	if active && fromPeer {
		s.spawn(func(ctx context.Context) {
			s.markRead(ctx, msg.ChatID)
		})
	}
	if idx < 0 {
		log.Infof("Message %s references unknown chat %s, refetching chats", msg.ID, msg.ChatID)
		s.spawnRefreshChats()
	}
}

func (s *Store) applyEdit(e messageEdited) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.chatID != s.selectedID {
		return
	}
	idx := s.messageIndex(e.messageID)
	if idx < 0 {
		return
	}

	updated, err := mergeMessage(s.messages[idx], e.patch)
	if err != nil {
		log.Warnf("Error merging edit of message %s: %v", e.messageID, err)
		return
	}
	s.messages[idx] = updated
}

// mergeMessage applies an RFC 7386 merge patch to msg
func mergeMessage(msg models.Message, patch []byte) (models.Message, error) {
	doc, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}
	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return msg, err
	}

	var updated models.Message
	if err := json.Unmarshal(merged, &updated); err != nil {
		return msg, err
	}
	return updated, nil
}

func (s *Store) applyDelete(e messageDeleted) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.chatID != s.selectedID {
		return
	}
	if idx := s.messageIndex(e.messageID); idx >= 0 {
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	}
}

func (s *Store) applyTyping(e typingChanged) {
	if e.user.ID == s.self.ID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.chatID != s.selectedID {
		return
	}

	if !e.typing {
		delete(s.typing[e.chatID], e.user.ID)
		if len(s.typing[e.chatID]) == 0 {
			delete(s.typing, e.chatID)
		}
		return
	}

	users := s.typing[e.chatID]
	if users == nil {
		users = make(map[string]models.User)
		s.typing[e.chatID] = users
	}
	users[e.user.ID] = s.participant(e.chatID, e.user)
}

// participant fills missing profile fields from the chat's participant list.
// Must be called with mu held.
func (s *Store) participant(chatID string, u models.User) models.User {
	if u.Name != "" {
		return u
	}
	if idx := s.chatIndex(chatID); idx >= 0 {
		for _, p := range s.chats[idx].Participants {
			if p.ID == u.ID {
				return p
			}
		}
	}
	return u
}

func (s *Store) applyPresence(e presenceChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.online {
		delete(s.online, e.user.ID)
		return
	}
	s.online[e.user.ID] = mergeUser(s.online[e.user.ID], e.user)
}

func mergeUser(existing, update models.User) models.User {
	existing.ID = update.ID
	if update.Name != "" {
		existing.Name = update.Name
	}
	if update.Email != "" {
		existing.Email = update.Email
	}
	if update.Avatar != "" {
		existing.Avatar = update.Avatar
	}
	return existing
}

func (s *Store) applyOnlineSnapshot(e onlineSnapshot) {
	online := make(map[string]models.User, len(e.users))
	for _, u := range e.users {
		online[u.ID] = mergeUser(online[u.ID], u)
	}

	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

// applyRead stamps a peer's read receipt. Without a message id every message
// the session user authored in the active chat is stamped.
func (s *Store) applyRead(e messageRead) {
	if e.userID == s.self.ID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selectedID == "" || (e.chatID != "" && e.chatID != s.selectedID) {
		return
	}
	readAt := e.readAt
	if readAt.IsZero() {
		readAt = s.now()
	}

	if e.messageID != "" {
		if idx := s.messageIndex(e.messageID); idx >= 0 {
			s.messages[idx].AddReadBy(e.userID, readAt)
		}
		return
	}

	for i := range s.messages {
		if s.messages[i].SenderID == s.self.ID {
			s.messages[i].AddReadBy(e.userID, readAt)
		}
	}
}

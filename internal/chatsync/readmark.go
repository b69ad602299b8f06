package chatsync

import (
	"context"

	"github.com/gofiber/fiber/v3/log"

	"github.com/rajivgeraev/aski-chat/internal/api"
	"github.com/rajivgeraev/aski-chat/internal/websocket"
)

// markRead acknowledges chatID for the session user. A call is dropped
// entirely while another mark of the same chat is in flight or when the last
// successful mark is younger than the debounce window. Otherwise the buffer
// is stamped locally first and the acknowledgement goes out over the socket,
// or over REST when the socket is down or the emit fails.
func (s *Store) markRead(ctx context.Context, chatID string) error {
	s.mu.Lock()
	if s.readInFlight[chatID] {
		s.mu.Unlock()
		return nil
	}
	if s.readRecently(chatID) {
		s.mu.Unlock()
		return nil
	}
	s.readInFlight[chatID] = true

	if chatID == s.selectedID {
		now := s.now()
		for i := range s.messages {
			s.messages[i].AddReadBy(s.self.ID, now)
		}
	}
	s.mu.Unlock()

	err := s.sendRead(ctx, chatID)

	s.mu.Lock()
	delete(s.readInFlight, chatID)
	if err == nil {
		s.lastRead[chatID] = s.now()
	}
	s.mu.Unlock()

	if err != nil {
		log.Errorf("Error marking chat %s as read: %v", chatID, err)
		s.notifier.Error(api.ErrorMessage(err, "Failed to mark messages as read"))
	}
	return err
}

// readRecently must be called with mu held
func (s *Store) readRecently(chatID string) bool {
	last, ok := s.lastRead[chatID]
	return ok && s.now().Sub(last) < s.debounce
}

func (s *Store) sendRead(ctx context.Context, chatID string) error {
	if s.socket.Connected() {
		err := s.emit(websocket.ActionMarkAsRead, chatID, chatPayload{ChatID: chatID})
		if err == nil {
			return nil
		}
		log.Warnf("Socket read mark for chat %s failed, falling back to REST: %v", chatID, err)
	}
	return s.api.MarkChatRead(ctx, chatID)
}

package chatsync

import (
	"github.com/gofiber/fiber/v3/log"

	"github.com/rajivgeraev/aski-chat/internal/websocket"
)

const (
	msgConnectionLost     = "Connection lost. Messages may be delayed."
	msgConnectionRestored = "Connection restored"
)

// HandleConnectionChange tracks socket connect state. The first observed
// state is silent; later transitions raise a toast. Every transition to
// connected starts a fresh room membership.
func (s *Store) HandleConnectionChange(connected bool) {
	s.mu.Lock()
	first := !s.connSeen
	changed := first || s.connected != connected
	wasConnectedBefore := s.everConnected

	s.connSeen = true
	s.connected = connected
	if connected && changed {
		s.everConnected = true
		s.joined = make(map[string]bool)
	}
	s.mu.Unlock()

	if !changed {
		return
	}

	switch {
	case first:
	case !connected:
		log.Warn("Socket connection lost")
		s.notifier.Warning(msgConnectionLost)
	case wasConnectedBefore:
		log.Info("Socket connection restored")
		s.notifier.Success(msgConnectionRestored)
	}

	if connected {
		s.joinRooms()
	}
}

// joinRooms issues one join per chat per connection lifetime
func (s *Store) joinRooms() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	var pending []string
	for _, c := range s.chats {
		if !s.joined[c.ID] {
			s.joined[c.ID] = true
			pending = append(pending, c.ID)
		}
	}
	s.mu.Unlock()

	for _, chatID := range pending {
		if err := s.emit(websocket.ActionJoinChat, chatID, chatPayload{ChatID: chatID}); err != nil {
			log.Warnf("Error joining chat %s: %v", chatID, err)
			s.mu.Lock()
			delete(s.joined, chatID)
			s.mu.Unlock()
		}
	}
}

package chatsync

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v3/log"

	"github.com/rajivgeraev/aski-chat/internal/models"
)

// flight serializes the fetches of one resource
type flight struct {
	mu      sync.Mutex // held while a fetch runs
	started uint64     // generation of the newest fetch that began
}

// coalesce runs fetch for key so that the caller always observes a fetch that
// began after the call. Callers that arrive while a fetch runs do not join it;
// they share the next one, which starts when the running fetch returns.
func (s *Store) coalesce(key string, fetch func() error) error {
	s.flightsMu.Lock()
	f, ok := s.flightState[key]
	if !ok {
		f = &flight{}
		s.flightState[key] = f
	}
	gen := f.started + 1
	s.flightsMu.Unlock()

	_, err, _ := s.flights.Do(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		s.flightsMu.Lock()
		if gen > f.started {
			f.started = gen
		}
		s.flightsMu.Unlock()

		return nil, fetch()
	})
	return err
}

// refreshChats refetches the chat list. Callers waiting on the same
// generation share one request.
func (s *Store) refreshChats(ctx context.Context) error {
	err := s.coalesce("chats", func() error {
		chats, err := s.api.FetchChats(ctx)
		if err != nil {
			s.restoreChats(ctx)
			return err
		}

		s.applyChats(chats)
		if s.archive != nil {
			snapshot := s.Chats()
			s.spawn(func(ctx context.Context) {
				if err := s.archive.SaveChats(ctx, s.self.ID, snapshot); err != nil {
					log.Warnf("Error archiving chat list: %v", err)
				}
			})
		}
		return nil
	})
	if err != nil {
		log.Errorf("Error fetching chats: %v", err)
		return err
	}

	s.joinRooms()
	return nil
}

// applyChats replaces the chat list. The active chat keeps a zero unread count.
func (s *Store) applyChats(chats []models.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chats = make([]models.Chat, 0, len(chats))
	for _, c := range chats {
		if c.ID == s.selectedID {
			c.UnreadCount = 0
		}
		s.chats = append(s.chats, c)
	}
}

// restoreChats seeds an empty chat list from the archive
func (s *Store) restoreChats(ctx context.Context) {
	if s.archive == nil {
		return
	}
	s.mu.RLock()
	empty := len(s.chats) == 0
	s.mu.RUnlock()
	if !empty {
		return
	}

	chats, err := s.archive.LoadChats(ctx, s.self.ID)
	if err != nil {
		log.Warnf("Error loading archived chat list: %v", err)
		return
	}
	if len(chats) == 0 {
		return
	}

	s.mu.Lock()
	if len(s.chats) == 0 {
		s.chats = chats
		log.Infof("Restored %d chats from archive", len(chats))
	}
	s.mu.Unlock()
}

// refreshMessages refetches the messages of chatID and merges them into the
// buffer if chatID is still the active chat
func (s *Store) refreshMessages(ctx context.Context, chatID string) error {
	err := s.coalesce("messages:"+chatID, func() error {
		before := s.bufferedIDs(chatID)

		messages, err := s.api.FetchMessages(ctx, chatID)
		if err != nil {
			s.restoreMessages(ctx, chatID)
			return err
		}

		if !s.mergeMessages(chatID, messages, before) {
			log.Debugf("Discarding messages of chat %s, selection changed", chatID)
			return nil
		}
		if s.archive != nil {
			snapshot := s.Messages()
			s.spawn(func(ctx context.Context) {
				if err := s.archive.SaveMessages(ctx, s.self.ID, chatID, snapshot); err != nil {
					log.Warnf("Error archiving messages of chat %s: %v", chatID, err)
				}
			})
		}
		return nil
	})
	if err != nil {
		log.Errorf("Error fetching messages of chat %s: %v", chatID, err)
	}
	return err
}

// bufferedIDs returns the ids in the buffer when it belongs to chatID
func (s *Store) bufferedIDs(chatID string) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make(map[string]bool, len(s.messages))
	if s.selectedID != chatID {
		return ids
	}
	for _, m := range s.messages {
		ids[m.ID] = true
	}
	return ids
}

// mergeMessages replaces the buffer with fetched. Messages that entered the
// buffer after the fetch started (not in before) survive the replace.
// While a read mark of the chat is in flight or inside the debounce window
// the merged messages carry the session user's receipt.
// It reports false when chatID is no longer the active chat.
func (s *Store) mergeMessages(chatID string, fetched []models.Message, before map[string]bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selectedID != chatID {
		return false
	}

	seen := make(map[string]bool, len(fetched))
	merged := make([]models.Message, 0, len(fetched)+len(s.messages))
	for _, m := range fetched {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}
	for _, m := range s.messages {
		if seen[m.ID] || before[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}

	slices.SortStableFunc(merged, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	// a mark of this chat already covers what the fetch returned
	if s.readInFlight[chatID] || s.readRecently(chatID) {
		now := s.now()
		for i := range merged {
			merged[i].AddReadBy(s.self.ID, now)
		}
	}
	s.messages = merged
	return true
}

// restoreMessages seeds an empty buffer of the active chat from the archive
func (s *Store) restoreMessages(ctx context.Context, chatID string) {
	if s.archive == nil {
		return
	}

	messages, err := s.archive.LoadMessages(ctx, s.self.ID, chatID)
	if err != nil {
		log.Warnf("Error loading archived messages of chat %s: %v", chatID, err)
		return
	}
	if len(messages) == 0 {
		return
	}

	s.mu.Lock()
	if s.selectedID == chatID && len(s.messages) == 0 {
		s.messages = messages
		log.Infof("Restored %d messages of chat %s from archive", len(messages), chatID)
	}
	s.mu.Unlock()
}

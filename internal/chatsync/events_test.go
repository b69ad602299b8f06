package chatsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/aski-chat/internal/models"
	"github.com/rajivgeraev/aski-chat/internal/websocket"
)

// activeHarness selects chat A with the given messages loaded
func activeHarness(t *testing.T, messages ...models.Message) *harness {
	t.Helper()
	chatAPI := newFakeAPI(chat("A", 0, tutor), chat("B", 2, other), chat("C", 0, other))
	chatAPI.messages["A"] = messages
	h := newHarness(t, chatAPI)
	require.NoError(t, h.store.SelectChat("A"))
	h.store.Wait()
	return h
}

func TestNewMessage_DedupInActiveChat(t *testing.T) {
	h := activeHarness(t, message("m1", "A", "u2", 1))

	for _, id := range []string{"m1", "m2", "m2", "m3", "m1", "m3"} {
		h.store.HandleEvent(event(t, websocket.EventNewMessage, message(id, "A", "u2", 2)))
	}
	h.store.Wait()

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(h.store.Messages()))
}

func TestNewMessage_ActiveChatFromPeerMarksRead(t *testing.T) {
	h := activeHarness(t)
	h.connect()
	require.Len(t, h.socket.emitted(websocket.ActionMarkAsRead), 0)

	h.clock.Advance(2 * time.Second)
	h.store.HandleEvent(event(t, websocket.EventNewMessage, message("m1", "A", "u2", 1)))
	h.store.Wait()

	marks := h.socket.emitted(websocket.ActionMarkAsRead)
	require.Len(t, marks, 1)
	assert.Equal(t, "A", marks[0].ChatID)
	assert.Equal(t, 0, h.chat(t, "A").UnreadCount)
	assert.Equal(t, []string{"u1"}, readers(h.store.Messages()[0]))
}

func TestNewMessage_ActiveChatFromSelfDoesNotMarkRead(t *testing.T) {
	h := activeHarness(t)
	reads := len(h.api.reads())

	h.clock.Advance(2 * time.Second)
	h.store.HandleEvent(event(t, websocket.EventNewMessage, message("m1", "A", "u1", 1)))
	h.store.Wait()

	assert.Len(t, h.api.reads(), reads)
	assert.Equal(t, []string{"m1"}, ids(h.store.Messages()))
}

func TestNewMessage_BackgroundChat(t *testing.T) {
	h := activeHarness(t)

	incoming := message("b9", "B", "u3", 9)
	h.store.HandleEvent(event(t, websocket.EventNewMessage, incoming))
	h.store.Wait()

	chats := h.store.Chats()
	assert.Equal(t, []string{"B", "A", "C"}, chatIDs(chats))
	assert.Equal(t, 3, chats[0].UnreadCount)
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "message b9", chats[0].LastMessage.Content)
	assert.Empty(t, h.store.Messages())

	// redelivery does not count twice
	h.store.HandleEvent(event(t, websocket.EventNewMessage, incoming))
	h.store.Wait()
	assert.Equal(t, 3, h.chat(t, "B").UnreadCount)

	h.store.HandleEvent(event(t, websocket.EventNewMessage, message("c1", "C", "u3", 10)))
	h.store.Wait()
	chats = h.store.Chats()
	assert.Equal(t, []string{"C", "B", "A"}, chatIDs(chats))
	assert.Equal(t, 1, chats[0].UnreadCount)
}

func TestNewMessage_OwnMessageInBackgroundChat(t *testing.T) {
	h := activeHarness(t)

	h.store.HandleEvent(event(t, websocket.EventNewMessage, message("c1", "C", "u1", 1)))
	h.store.Wait()

	chats := h.store.Chats()
	assert.Equal(t, "C", chats[0].ID)
	assert.Equal(t, 0, chats[0].UnreadCount)
}

func TestNewMessage_UnknownChatRefetches(t *testing.T) {
	h := activeHarness(t)
	fetches := h.api.chatFetches()

	h.store.HandleEvent(event(t, websocket.EventNewMessage, message("z1", "Z", "u9", 1)))
	h.store.Wait()

	assert.Equal(t, fetches+1, h.api.chatFetches())
	assert.Equal(t, []string{"A", "B", "C"}, chatIDs(h.store.Chats()))
}

func TestNewMessage_WrappedPayloadAndEnvelopeIDs(t *testing.T) {
	h := activeHarness(t)

	ev := event(t, websocket.EventNewMessage, map[string]any{
		"message": map[string]any{
			"_id":     "m1",
			"sender":  map[string]string{"_id": "u2", "name": "Tutor"},
			"content": "wrapped",
		},
	})
	ev.ChatID = "A"
	h.store.HandleEvent(ev)
	h.store.Wait()

	messages := h.store.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "wrapped", messages[0].Content)
	assert.Equal(t, "u2", messages[0].SenderID)
	assert.Equal(t, "A", messages[0].ChatID)
}

func TestNewMessage_OuterChatID(t *testing.T) {
	h := activeHarness(t, message("m1", "A", "u2", 1))

	h.store.HandleEvent(event(t, websocket.EventNewMessage, map[string]any{
		"chatId":  "B",
		"message": map[string]any{"_id": "x1", "sender": "u3", "content": "hi", "createdAt": baseTime},
	}))
	h.store.HandleEvent(event(t, websocket.EventNewMessage, map[string]any{
		"chatId":  "A",
		"message": map[string]any{"_id": "x2", "sender": "u2", "content": "there", "createdAt": baseTime.Add(time.Hour)},
	}))
	h.store.Wait()

	assert.Equal(t, []string{"A", "B", "C"}, chatIDs(h.store.Chats()))
	assert.Equal(t, 3, h.chat(t, "B").UnreadCount)
	require.NotNil(t, h.chat(t, "B").LastMessage)
	assert.Equal(t, "x1", h.chat(t, "B").LastMessage.ID)
	assert.Equal(t, []string{"m1", "x2"}, ids(h.store.Messages()))
}

// Unread counts distinct messages: redelivering the chat's latest message
// leaves the counter alone, while every new peer message adds exactly one.
func TestNewMessage_RedeliveryIsNotCounted(t *testing.T) {
	h := activeHarness(t)
	require.Equal(t, 2, h.chat(t, "B").UnreadCount)

	first := message("b1", "B", "u3", 1)
	h.store.HandleEvent(event(t, websocket.EventNewMessage, first))
	assert.Equal(t, 3, h.chat(t, "B").UnreadCount)

	h.store.HandleEvent(event(t, websocket.EventNewMessage, first))
	h.store.HandleEvent(event(t, websocket.EventNewMessage, first))
	assert.Equal(t, 3, h.chat(t, "B").UnreadCount)

	h.store.HandleEvent(event(t, websocket.EventNewMessage, message("b2", "B", "u3", 2)))
	assert.Equal(t, 4, h.chat(t, "B").UnreadCount)

	// only the latest message is recognised; an older one counts again
	h.store.HandleEvent(event(t, websocket.EventNewMessage, first))
	assert.Equal(t, 5, h.chat(t, "B").UnreadCount)
	h.store.Wait()
}

func TestNewMessage_MalformedIsDropped(t *testing.T) {
	h := activeHarness(t)
	chats, fetches := h.store.Chats(), h.api.chatFetches()

	h.store.HandleEvent(event(t, websocket.EventNewMessage, map[string]string{"_id": "m1", "content": "no chat"}))
	h.store.HandleEvent(websocket.Event{Type: websocket.EventNewMessage, Payload: json.RawMessage(`not json`)})
	h.store.Wait()

	assert.Empty(t, h.store.Messages())
	assert.Equal(t, chats, h.store.Chats())
	assert.Equal(t, fetches, h.api.chatFetches())
}

func TestMessageEdited(t *testing.T) {
	original := message("m1", "A", "u1", 1)
	original.Attachments = []models.Attachment{{URL: "https://files/1.pdf", Name: "1.pdf"}}
	h := activeHarness(t, original, message("m2", "A", "u2", 2))
	h.store.HandleEvent(event(t, websocket.EventMessageRead, map[string]string{"chatId": "A", "userId": "u2", "messageId": "m1"}))
	fetches := h.api.chatFetches()

	editedAt := baseTime.Add(time.Hour)
	h.store.HandleEvent(event(t, websocket.EventMessageEdited, map[string]any{
		"_id":      "m1",
		"chat":     "A",
		"content":  "fixed typo",
		"editedAt": editedAt,
	}))
	h.store.Wait()

	edited := h.store.Messages()[0]
	assert.Equal(t, "fixed typo", edited.Content)
	require.NotNil(t, edited.EditedAt)
	assert.True(t, edited.EditedAt.Equal(editedAt))
	assert.Equal(t, original.Attachments, edited.Attachments)
	assert.Equal(t, "u1", edited.SenderID)
	assert.Equal(t, []string{"u2"}, readers(edited))
	assert.Equal(t, "message m2", h.store.Messages()[1].Content)
	assert.Equal(t, fetches+1, h.api.chatFetches())
}

func TestMessageEdited_OtherChatOnlyRefetches(t *testing.T) {
	h := activeHarness(t, message("m1", "A", "u1", 1))
	messages, fetches := h.store.Messages(), h.api.chatFetches()

	h.store.HandleEvent(event(t, websocket.EventMessageEdited, map[string]any{
		"_id": "m1", "chatId": "B", "content": "elsewhere",
	}))
	h.store.Wait()

	assert.Equal(t, messages, h.store.Messages())
	assert.Equal(t, fetches+1, h.api.chatFetches())
}

func TestMessageDeleted(t *testing.T) {
	t.Run("known id is removed", func(t *testing.T) {
		h := activeHarness(t, message("m1", "A", "u1", 1), message("m2", "A", "u2", 2))
		fetches := h.api.chatFetches()

		h.store.HandleEvent(event(t, websocket.EventMessageDeleted, map[string]string{"messageId": "m1", "chatId": "A"}))
		h.store.Wait()

		assert.Equal(t, []string{"m2"}, ids(h.store.Messages()))
		assert.Equal(t, fetches+1, h.api.chatFetches())
	})

	t.Run("unknown id leaves the buffer and still refetches", func(t *testing.T) {
		h := activeHarness(t, message("m1", "A", "u1", 1))
		messages, fetches := h.store.Messages(), h.api.chatFetches()

		h.store.HandleEvent(event(t, websocket.EventMessageDeleted, map[string]string{"messageId": "nope", "chatId": "A"}))
		h.store.Wait()

		assert.Equal(t, messages, h.store.Messages())
		assert.Equal(t, fetches+1, h.api.chatFetches())
	})

	t.Run("payload is the deleted message", func(t *testing.T) {
		h := activeHarness(t, message("m1", "A", "u1", 1))

		h.store.HandleEvent(event(t, websocket.EventMessageDeleted, map[string]string{"_id": "m1", "chat": "A"}))
		h.store.Wait()

		assert.Empty(t, h.store.Messages())
	})
}

func TestTypingIndicators(t *testing.T) {
	h := activeHarness(t)
	typing := func(eventType websocket.EventType, chatID, userID string) {
		h.store.HandleEvent(event(t, eventType, map[string]string{"chatId": chatID, "userId": userID}))
	}

	typing(websocket.EventTyping, "A", "u2")
	typing(websocket.EventTyping, "A", "u2")
	typing(websocket.EventTyping, "A", "u1") // self
	typing(websocket.EventTyping, "B", "u3") // background chat

	users := h.store.TypingUsers()
	require.Len(t, users, 1)
	assert.Equal(t, tutor, users[0])

	h.store.HandleEvent(event(t, websocket.EventTyping, map[string]any{
		"chatId": "A",
		"user":   map[string]string{"_id": "u7", "name": "Guest"},
	}))
	assert.Equal(t, []models.User{tutor, {ID: "u7", Name: "Guest"}}, h.store.TypingUsers())

	typing(websocket.EventStopTyping, "A", "u2")
	typing(websocket.EventStopTyping, "A", "u7")
	assert.Empty(t, h.store.TypingUsers())

	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	assert.Empty(t, h.store.typing)
}

func TestPresence(t *testing.T) {
	h := activeHarness(t)

	h.store.HandleEvent(event(t, websocket.EventUserOnline, map[string]string{"userId": "u2"}))
	h.store.HandleEvent(event(t, websocket.EventUserOnline, map[string]string{"_id": "u2", "name": "Tutor", "avatar": "a.png"}))
	h.store.HandleEvent(event(t, websocket.EventUserOnline, "u3"))
	assert.Equal(t, []models.User{
		{ID: "u2", Name: "Tutor", Avatar: "a.png"},
		{ID: "u3"},
	}, h.store.OnlineUsers())

	// a bare id does not wipe known profile fields
	h.store.HandleEvent(event(t, websocket.EventUserOnline, map[string]string{"userId": "u2"}))
	assert.Equal(t, "Tutor", h.store.OnlineUsers()[0].Name)

	offline := websocket.Event{Type: websocket.EventUserOffline, UserID: "u3"}
	h.store.HandleEvent(offline)
	assert.Equal(t, []string{"u2"}, userIDs(h.store.OnlineUsers()))

	h.store.HandleEvent(event(t, websocket.EventOnlineUsers, map[string]any{
		"users": []any{"u5", map[string]string{"id": "u4", "name": "Four"}},
	}))
	assert.Equal(t, []models.User{{ID: "u4", Name: "Four"}, {ID: "u5"}}, h.store.OnlineUsers())

	h.store.HandleEvent(event(t, websocket.EventOnlineUsers, []string{}))
	assert.Empty(t, h.store.OnlineUsers())
}

func TestMessageRead(t *testing.T) {
	load := func(t *testing.T) *harness {
		return activeHarness(t,
			message("m1", "A", "u1", 1),
			message("m2", "A", "u2", 2),
			message("m3", "A", "u1", 3),
		)
	}
	read := func(payload map[string]string) websocket.Event {
		return event(t, websocket.EventMessageRead, payload)
	}

	t.Run("self receipt is a no-op", func(t *testing.T) {
		h := load(t)
		before := h.store.Messages()

		h.store.HandleEvent(read(map[string]string{"chatId": "A", "userId": "u1"}))
		h.store.HandleEvent(read(map[string]string{"chatId": "A", "userId": "u1", "messageId": "m2"}))

		assert.Equal(t, before, h.store.Messages())
	})

	t.Run("single message", func(t *testing.T) {
		h := load(t)

		h.store.HandleEvent(read(map[string]string{"chatId": "A", "userId": "u2", "messageId": "m3"}))
		h.store.HandleEvent(read(map[string]string{"chatId": "A", "userId": "u2", "messageId": "m3"}))

		messages := h.store.Messages()
		assert.Empty(t, readers(messages[0]))
		assert.Equal(t, []string{"u2"}, readers(messages[2]))
	})

	t.Run("bulk stamps only own messages", func(t *testing.T) {
		h := load(t)
		h.store.HandleEvent(read(map[string]string{"chatId": "A", "userId": "u2", "messageId": "m1"}))

		h.store.HandleEvent(read(map[string]string{"chatId": "A", "userId": "u2", "readAt": baseTime.Format(time.RFC3339)}))

		messages := h.store.Messages()
		assert.Equal(t, []string{"u2"}, readers(messages[0]))
		assert.NotContains(t, readers(messages[1]), "u2")
		assert.Equal(t, []string{"u2"}, readers(messages[2]))
		assert.True(t, messages[2].ReadBy[0].ReadAt.Equal(baseTime))
	})

	t.Run("other chat is ignored", func(t *testing.T) {
		h := load(t)
		before := h.store.Messages()

		h.store.HandleEvent(read(map[string]string{"chatId": "B", "userId": "u3"}))

		assert.Equal(t, before, h.store.Messages())
	})
}

func TestChatUpdatedRefetches(t *testing.T) {
	h := activeHarness(t)
	fetches := h.api.chatFetches()

	h.store.HandleEvent(websocket.Event{Type: websocket.EventChatUpdated, ChatID: "A"})
	h.store.Wait()

	assert.Equal(t, fetches+1, h.api.chatFetches())
}

func TestUnknownEventIgnored(t *testing.T) {
	h := activeHarness(t)
	chats := h.store.Chats()

	h.store.HandleEvent(websocket.Event{Type: "assignment_posted", ChatID: "A"})
	h.store.Wait()

	assert.Equal(t, chats, h.store.Chats())
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		event   websocket.Event
		want    inbound
		wantErr error
	}{
		{
			name:  "typing from envelope",
			event: websocket.Event{Type: websocket.EventTyping, ChatID: "A", UserID: "u2"},
			want:  typingChanged{chatID: "A", user: models.User{ID: "u2"}, typing: true},
		},
		{
			name:    "typing without user",
			event:   websocket.Event{Type: websocket.EventStopTyping, ChatID: "A"},
			wantErr: errMalformedEvent,
		},
		{
			name:  "delete from envelope",
			event: websocket.Event{Type: websocket.EventMessageDeleted, ChatID: "A", MessageID: "m1"},
			want:  messageDeleted{chatID: "A", messageID: "m1"},
		},
		{
			name:  "edit wrapped with outer chat id",
			event: websocket.Event{Type: websocket.EventMessageEdited, Payload: json.RawMessage(`{"chatId":"A","message":{"_id":"m1","content":"x"}}`)},
			want:  messageEdited{chatID: "A", messageID: "m1", patch: []byte(`{"content":"x"}`)},
		},
		{
			name:  "delete wrapped with outer chat id",
			event: websocket.Event{Type: websocket.EventMessageDeleted, Payload: json.RawMessage(`{"chatId":"A","message":{"_id":"m1"}}`)},
			want:  messageDeleted{chatID: "A", messageID: "m1"},
		},
		{
			name:  "delete wrapped with inner chat",
			event: websocket.Event{Type: websocket.EventMessageDeleted, Payload: json.RawMessage(`{"message":{"_id":"m1","chat":{"_id":"A"}}}`)},
			want:  messageDeleted{chatID: "A", messageID: "m1"},
		},
		{
			name:  "new message wrapped with outer chat",
			event: websocket.Event{Type: websocket.EventNewMessage, Payload: json.RawMessage(`{"chat":"B","message":{"_id":"x1","sender":"u3","content":"hi"}}`)},
			want: newMessage{message: models.Message{
				ID: "x1", ChatID: "B", SenderID: "u3", Content: "hi", Type: models.MessageTypeText, ReadBy: []models.ReadReceipt{},
			}},
		},
		{
			name:    "edit without message id",
			event:   websocket.Event{Type: websocket.EventMessageEdited, ChatID: "A", Payload: json.RawMessage(`{"content":"x"}`)},
			wantErr: errMalformedEvent,
		},
		{
			name:  "read with nested user",
			event: websocket.Event{Type: websocket.EventMessageRead, Payload: json.RawMessage(`{"chat":{"_id":"A"},"user":{"_id":"u2"}}`)},
			want:  messageRead{chatID: "A", userID: "u2"},
		},
		{
			name:    "read without user",
			event:   websocket.Event{Type: websocket.EventMessageRead, ChatID: "A"},
			wantErr: errMalformedEvent,
		},
		{
			name:    "presence without user",
			event:   websocket.Event{Type: websocket.EventUserOffline},
			wantErr: errMalformedEvent,
		},
		{
			name:    "unknown type",
			event:   websocket.Event{Type: "proposal_accepted"},
			wantErr: errUnknownEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalize(tt.event)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeMessage(t *testing.T) {
	msg := message("m1", "A", "u1", 1)
	msg.ReplyTo = "m0"

	merged, err := mergeMessage(msg, []byte(`{"isDeleted":true,"content":""}`))
	require.NoError(t, err)
	assert.True(t, merged.IsDeleted)
	assert.Empty(t, merged.Content)
	assert.Equal(t, "m0", merged.ReplyTo)
	assert.True(t, merged.CreatedAt.Equal(msg.CreatedAt))

	_, err = mergeMessage(msg, []byte(`not json`))
	assert.Error(t, err)
}

func TestRefreshMessagesExplicit(t *testing.T) {
	h := activeHarness(t, message("m1", "A", "u2", 1))

	h.api.mu.Lock()
	h.api.messages["A"] = append(h.api.messages["A"], message("m2", "A", "u1", 2))
	h.api.mu.Unlock()

	require.NoError(t, h.store.RefreshMessages(context.Background()))
	assert.Equal(t, []string{"m1", "m2"}, ids(h.store.Messages()))
}

func userIDs(users []models.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out
}

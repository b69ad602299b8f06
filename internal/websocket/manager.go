package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventType identifies a socket event or action
type EventType string

// Inbound events pushed by the backend
const (
	EventNewMessage     EventType = "new_message"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventTyping         EventType = "typing"
	EventStopTyping     EventType = "stop_typing"
	EventUserOnline     EventType = "user_online"
	EventUserOffline    EventType = "user_offline"
	EventOnlineUsers    EventType = "online_users"
	EventMessageRead    EventType = "message_read"
	EventChatUpdated    EventType = "chat_updated"
)

// Outbound actions emitted by the client
const (
	ActionSendMessage EventType = "send_message"
	ActionJoinChat    EventType = "join_chat"
	ActionStartTyping EventType = "typing"
	ActionStopTyping  EventType = "stop_typing"
	ActionMarkAsRead  EventType = "mark_as_read"
)

var (
	// ErrNotConnected is returned by Emit while there is no live connection
	ErrNotConnected = errors.New("socket is not connected")
	// ErrSendBufferFull is returned by Emit when the write queue is saturated
	ErrSendBufferFull = errors.New("socket send buffer is full")
)

// Event is the envelope of every socket frame
type Event struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	ChatID    string          `json:"chat_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an outbound event with a marshaled payload
func NewEvent(eventType EventType, chatID string, payload any) (Event, error) {
	ev := Event{
		Type:      eventType,
		RequestID: uuid.NewString(),
		ChatID:    chatID,
		Timestamp: time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Manager owns the connection to the backend socket and redials it when it drops
type Manager struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration

	mu      sync.RWMutex
	client  *Client
	onEvent func(Event)
	onState func(connected bool)

	connected atomic.Bool
}

// NewManager creates a Manager for the given socket URL and bearer token
func NewManager(url, token string) *Manager {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &Manager{
		url:        url,
		header:     header,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 15 * time.Second,
	}
}

// SetEventHandler sets the callback for inbound events.
// The callback runs on the read goroutine.
func (m *Manager) SetEventHandler(handler func(Event)) {
	m.mu.Lock()
	m.onEvent = handler
	m.mu.Unlock()
}

// SetStateHandler sets the callback for connect/disconnect transitions
func (m *Manager) SetStateHandler(handler func(connected bool)) {
	m.mu.Lock()
	m.onState = handler
	m.mu.Unlock()
}

// SetBackoff overrides the reconnect backoff bounds
func (m *Manager) SetBackoff(minDelay, maxDelay time.Duration) {
	m.minBackoff = minDelay
	m.maxBackoff = maxDelay
}

// Connected reports whether a connection is currently live
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Run dials the socket and keeps it connected until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	backoff := m.minBackoff
	for {
		conn, _, err := m.dialer.DialContext(ctx, m.url, m.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("Socket dial to %s failed: %v (retry in %s)", m.url, err, backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, m.maxBackoff)
			continue
		}
		backoff = m.minBackoff

		client := newClient(conn, m)
		m.attach(client)
		log.Infof("Socket connected to %s", m.url)

		client.serve(ctx)

		m.detach(client)
		log.Infof("Socket disconnected from %s", m.url)

		if ctx.Err() != nil {
			return
		}
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// Emit queues an event for sending. It never blocks.
func (m *Manager) Emit(ev Event) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil {
		return ErrNotConnected
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return client.enqueue(data)
}

func (m *Manager) attach(client *Client) {
	m.mu.Lock()
	m.client = client
	handler := m.onState
	m.mu.Unlock()

	m.connected.Store(true)
	if handler != nil {
		handler(true)
	}
}

func (m *Manager) detach(client *Client) {
	m.mu.Lock()
	if m.client == client {
		m.client = nil
	}
	handler := m.onState
	m.mu.Unlock()

	m.connected.Store(false)
	if handler != nil {
		handler(false)
	}
}

func (m *Manager) dispatch(ev Event) {
	m.mu.RLock()
	handler := m.onEvent
	m.mu.RUnlock()

	if handler != nil {
		handler(ev)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package chatsync

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/aski-chat/internal/models"
	"github.com/rajivgeraev/aski-chat/internal/notify"
	"github.com/rajivgeraev/aski-chat/internal/websocket"
)

var (
	baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	self     = models.User{ID: "u1", Name: "Student"}
	tutor    = models.User{ID: "u2", Name: "Tutor"}
	other    = models.User{ID: "u3", Name: "Other Tutor"}
)

type fakeAPI struct {
	mu sync.Mutex

	chats      []models.Chat
	chatsErr   error
	chatsGate  chan struct{}
	chatsCalls int

	messages      map[string][]models.Message
	messagesErr   error
	messagesGate  map[string]chan struct{}
	messagesCalls map[string]int
	fetchStarted  chan string

	sent       []models.SendMessageRequest
	sendResult *models.Message
	sendErr    error

	files   []models.FileUpload
	fileErr error

	readCalls   []string
	readErr     error
	readGate    chan struct{}
	readStarted chan string
}

func newFakeAPI(chats ...models.Chat) *fakeAPI {
	return &fakeAPI{
		chats:         chats,
		messages:      make(map[string][]models.Message),
		messagesGate:  make(map[string]chan struct{}),
		messagesCalls: make(map[string]int),
		fetchStarted:  make(chan string, 16),
		readStarted:   make(chan string, 16),
	}
}

// FetchChats answers with the server state at the time of the request
func (f *fakeAPI) FetchChats(ctx context.Context) ([]models.Chat, error) {
	f.mu.Lock()
	f.chatsCalls++
	gate := f.chatsGate
	err := f.chatsErr
	chats := make([]models.Chat, len(f.chats))
	for i, c := range f.chats {
		chats[i] = cloneChat(c)
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return chats, nil
}

// FetchMessages answers with the server state at the time of the request
func (f *fakeAPI) FetchMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	f.mu.Lock()
	f.messagesCalls[chatID]++
	gate := f.messagesGate[chatID]
	err := f.messagesErr
	messages := make([]models.Message, len(f.messages[chatID]))
	for i, m := range f.messages[chatID] {
		messages[i] = cloneMessage(m)
	}
	f.mu.Unlock()

	select {
	case f.fetchStarted <- chatID:
	default:
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID string, req models.SendMessageRequest) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	msg := cloneMessage(*f.sendResult)
	return &msg, nil
}

func (f *fakeAPI) SendFile(ctx context.Context, chatID string, file models.FileUpload, replyTo string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.files = append(f.files, file)
	return nil, f.fileErr
}

func (f *fakeAPI) MarkChatRead(ctx context.Context, chatID string) error {
	f.mu.Lock()
	f.readCalls = append(f.readCalls, chatID)
	gate := f.readGate
	f.mu.Unlock()

	select {
	case f.readStarted <- chatID:
	default:
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readErr
}

func (f *fakeAPI) chatFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatsCalls
}

func (f *fakeAPI) messageFetches(chatID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messagesCalls[chatID]
}

func (f *fakeAPI) reads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.readCalls)
}

func (f *fakeAPI) gateMessages(chatID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.messagesGate[chatID] = gate
	return gate
}

type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	events    []websocket.Event
}

func (f *fakeSocket) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSocket) Emit(ev websocket.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return websocket.ErrNotConnected
	}
	if f.emitErr != nil {
		return f.emitErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSocket) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()
}

func (f *fakeSocket) emitted(eventType websocket.EventType) []websocket.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []websocket.Event
	for _, ev := range f.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeSocket) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeArchive struct {
	mu       sync.Mutex
	chats    map[string][]models.Chat
	messages map[string][]models.Message
	saves    int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		chats:    make(map[string][]models.Chat),
		messages: make(map[string][]models.Message),
	}
}

func (a *fakeArchive) SaveChats(ctx context.Context, userID string, chats []models.Chat) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chats[userID] = chats
	a.saves++
	return nil
}

func (a *fakeArchive) LoadChats(ctx context.Context, userID string) ([]models.Chat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chats[userID], nil
}

func (a *fakeArchive) SaveMessages(ctx context.Context, userID, chatID string, messages []models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[userID+"/"+chatID] = messages
	a.saves++
	return nil
}

func (a *fakeArchive) LoadMessages(ctx context.Context, userID, chatID string) ([]models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.messages[userID+"/"+chatID], nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store  *Store
	api    *fakeAPI
	socket *fakeSocket
	feed   *notify.Feed
	clock  *fakeClock
}

// newHarness builds a store over fakes and loads the chat list
func newHarness(t *testing.T, chatAPI *fakeAPI, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		api:    chatAPI,
		socket: &fakeSocket{},
		feed:   notify.NewFeed(50),
		clock:  &fakeClock{now: baseTime},
	}
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.store = New(chatAPI, h.socket, h.feed, self, opts...)
	t.Cleanup(h.store.Close)

	require.NoError(t, h.store.RefreshChats(context.Background()))
	return h
}

func notifyFeed() *notify.Feed {
	return notify.NewFeed(50)
}

// connect reports a live socket to the store
func (h *harness) connect() {
	h.socket.setConnected(true)
	h.store.HandleConnectionChange(true)
}

func (h *harness) disconnect() {
	h.socket.setConnected(false)
	h.store.HandleConnectionChange(false)
}

func (h *harness) chat(t *testing.T, chatID string) models.Chat {
	t.Helper()
	for _, c := range h.store.Chats() {
		if c.ID == chatID {
			return c
		}
	}
	t.Fatalf("chat %s not in list", chatID)
	return models.Chat{}
}

func (h *harness) toasts() []string {
	var out []string
	for _, n := range h.feed.List() {
		out = append(out, string(n.Level)+": "+n.Message)
	}
	return out
}

func chat(id string, unread int, peer models.User) models.Chat {
	return models.Chat{
		ID:           id,
		Participants: []models.User{self, peer},
		UnreadCount:  unread,
	}
}

func message(id, chatID, senderID string, minute int) models.Message {
	return models.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   "message " + id,
		Type:      models.MessageTypeText,
		ReadBy:    []models.ReadReceipt{},
		CreatedAt: baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func event(t *testing.T, eventType websocket.EventType, payload any) websocket.Event {
	t.Helper()
	ev := websocket.Event{Type: eventType, Timestamp: baseTime}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		ev.Payload = raw
	}
	return ev
}

func ids(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func chatIDs(chats []models.Chat) []string {
	out := make([]string, len(chats))
	for i, c := range chats {
		out[i] = c.ID
	}
	return out
}

func readers(m models.Message) []string {
	out := make([]string, len(m.ReadBy))
	for i, r := range m.ReadBy {
		out[i] = r.User
	}
	return out
}

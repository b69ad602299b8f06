// Package chatsync keeps the chat view of one user session consistent across
// REST fetches, local actions and inbound socket events.
package chatsync

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3/log"
	"golang.org/x/sync/singleflight"

	"github.com/rajivgeraev/aski-chat/internal/api"
	"github.com/rajivgeraev/aski-chat/internal/models"
	"github.com/rajivgeraev/aski-chat/internal/websocket"
)

const defaultReadDebounce = 1500 * time.Millisecond

var (
	// ErrNoChatSelected is returned by actions that need an active chat
	ErrNoChatSelected = errors.New("no chat selected")
	// ErrEmptyMessage is returned when the content is blank after trimming
	ErrEmptyMessage = errors.New("message is empty")
	// ErrChatNotFound is returned when a chat id is not in the chat list
	ErrChatNotFound = errors.New("chat not found")
)

// ChatAPI is the REST backend the store mirrors
type ChatAPI interface {
	FetchChats(ctx context.Context) ([]models.Chat, error)
	FetchMessages(ctx context.Context, chatID string) ([]models.Message, error)
	SendMessage(ctx context.Context, chatID string, req models.SendMessageRequest) (*models.Message, error)
	SendFile(ctx context.Context, chatID string, file models.FileUpload, replyTo string) (*models.Message, error)
	MarkChatRead(ctx context.Context, chatID string) error
}

// Socket is the real-time channel used for actions while it is connected
type Socket interface {
	Connected() bool
	Emit(ev websocket.Event) error
}

// Notifier shows toasts to the user
type Notifier interface {
	Success(message string)
	Error(message string)
	Info(message string)
	Warning(message string)
}

// Archive keeps the last good snapshot of the session state
type Archive interface {
	SaveChats(ctx context.Context, userID string, chats []models.Chat) error
	LoadChats(ctx context.Context, userID string) ([]models.Chat, error)
	SaveMessages(ctx context.Context, userID, chatID string, messages []models.Message) error
	LoadMessages(ctx context.Context, userID, chatID string) ([]models.Message, error)
}

// Option configures a Store
type Option func(*Store)

// WithArchive enables the snapshot archive
func WithArchive(archive Archive) Option {
	return func(s *Store) { s.archive = archive }
}

// WithReadDebounce sets the minimum interval between two read marks of a chat
func WithReadDebounce(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the in-memory chat view of the session user
type Store struct {
	api      ChatAPI
	socket   Socket
	notifier Notifier
	archive  Archive
	self     models.User
	debounce time.Duration
	now      func() time.Time

	mu         sync.RWMutex
	chats      []models.Chat
	selectedID string
	messages   []models.Message
	typing     map[string]map[string]models.User // chatID -> userID -> user
	online     map[string]models.User

	// read marks
	readInFlight map[string]bool
	lastRead     map[string]time.Time

	// connection state and room membership
	connSeen      bool
	connected     bool
	everConnected bool
	joined        map[string]bool

	flights     singleflight.Group
	flightsMu   sync.Mutex
	flightState map[string]*flight

	// background work
	bgMu    sync.Mutex
	bgIdle  *sync.Cond
	pending int
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Store for the session user
func New(chatAPI ChatAPI, socket Socket, notifier Notifier, self models.User, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		api:          chatAPI,
		socket:       socket,
		notifier:     notifier,
		self:         self,
		debounce:     defaultReadDebounce,
		now:          time.Now,
		chats:        []models.Chat{},
		messages:     []models.Message{},
		typing:       make(map[string]map[string]models.User),
		online:       make(map[string]models.User),
		readInFlight: make(map[string]bool),
		lastRead:     make(map[string]time.Time),
		joined:       make(map[string]bool),
		flightState:  make(map[string]*flight),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.bgIdle = sync.NewCond(&s.bgMu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Self returns the session user
func (s *Store) Self() models.User {
	return s.self
}

// SelectChat makes chatID the active conversation
func (s *Store) SelectChat(chatID string) error {
	s.mu.Lock()
	if chatID == s.selectedID {
		s.mu.Unlock()
		return nil
	}
	idx := s.chatIndex(chatID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrChatNotFound
	}

	delete(s.typing, s.selectedID)
	s.selectedID = chatID
	s.messages = []models.Message{}
	s.chats[idx].UnreadCount = 0
	s.mu.Unlock()

	s.spawn(func(ctx context.Context) {
		s.markRead(ctx, chatID)
	})
	s.spawn(func(ctx context.Context) {
		s.refreshMessages(ctx, chatID)
	})
	return nil
}

// ClearSelectedChat deselects the active chat and empties the message buffer
func (s *Store) ClearSelectedChat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.typing, s.selectedID)
	s.selectedID = ""
	s.messages = []models.Message{}
}

// SendMessage sends a text message to the active chat. While the socket is
// connected the message goes out as a socket action and comes back as an
// inbound event; otherwise it is posted over REST and appended locally.
func (s *Store) SendMessage(ctx context.Context, content, replyTo string) error {
	chatID := s.selected()
	if chatID == "" {
		return ErrNoChatSelected
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	req := models.SendMessageRequest{
		Content: content,
		Type:    models.MessageTypeText,
		ReplyTo: replyTo,
	}

	if s.socket.Connected() {
		err := s.emit(websocket.ActionSendMessage, chatID, sendPayload{
			ChatID:  chatID,
			Content: req.Content,
			Type:    req.Type,
			ReplyTo: req.ReplyTo,
		})
		if err == nil {
			return nil
		}
		log.Warnf("Socket send to chat %s failed, falling back to REST: %v", chatID, err)
	}

	msg, err := s.api.SendMessage(ctx, chatID, req)
	if err != nil {
		log.Errorf("Error sending message to chat %s: %v", chatID, err)
		s.notifier.Error(api.ErrorMessage(err, "Failed to send message"))
		return err
	}

	s.mu.Lock()
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	if msg.ChatID == s.selectedID && !s.hasMessage(msg.ID) {
		s.messages = append(s.messages, *msg)
	}
	if idx := s.chatIndex(msg.ChatID); idx >= 0 {
		s.chats[idx].LastMessage = msg.Preview()
		s.moveToFront(idx)
	}
	s.mu.Unlock()
	return nil
}

// SendFile uploads a file message to the active chat and refetches the
// messages once the upload succeeds
func (s *Store) SendFile(ctx context.Context, file models.FileUpload, replyTo string) error {
	chatID := s.selected()
	if chatID == "" {
		return ErrNoChatSelected
	}

	_, err := s.api.SendFile(ctx, chatID, file, replyTo)
	if errors.Is(err, api.ErrUnreadableResponse) {
		// stored on the backend; the refetch below picks it up
		log.Warnf("File %q sent to chat %s: %v", file.Name, chatID, err)
		err = nil
	}
	if err != nil {
		log.Errorf("Error sending file %q to chat %s: %v", file.Name, chatID, err)
		s.notifier.Error(api.ErrorMessage(err, "Failed to send file"))
		return err
	}

	s.notifier.Success("File sent successfully")
	s.spawn(func(ctx context.Context) {
		s.refreshMessages(ctx, chatID)
	})
	return nil
}

// MarkMessageAsRead marks the active chat read, subject to the debounce window
func (s *Store) MarkMessageAsRead(ctx context.Context) error {
	chatID := s.selected()
	if chatID == "" {
		return ErrNoChatSelected
	}
	return s.markRead(ctx, chatID)
}

// StartTyping signals typing in the active chat. It is dropped while disconnected.
func (s *Store) StartTyping() {
	s.signalTyping(websocket.ActionStartTyping)
}

// StopTyping clears the typing signal in the active chat
func (s *Store) StopTyping() {
	s.signalTyping(websocket.ActionStopTyping)
}

func (s *Store) signalTyping(action websocket.EventType) {
	chatID := s.selected()
	if chatID == "" || !s.socket.Connected() {
		return
	}
	if err := s.emit(action, chatID, chatPayload{ChatID: chatID}); err != nil {
		log.Debugf("Typing signal for chat %s dropped: %v", chatID, err)
	}
}

// RefreshChats refetches the chat list
func (s *Store) RefreshChats(ctx context.Context) error {
	return s.refreshChats(ctx)
}

// RefreshMessages refetches the messages of the active chat
func (s *Store) RefreshMessages(ctx context.Context) error {
	chatID := s.selected()
	if chatID == "" {
		return ErrNoChatSelected
	}
	return s.refreshMessages(ctx, chatID)
}

// Wait blocks until no background work is running. Work spawned while
// waiting, including work spawned by other background work, is waited for too.
func (s *Store) Wait() {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	for s.pending > 0 {
		s.bgIdle.Wait()
	}
}

// Close cancels background work and waits for it to stop
func (s *Store) Close() {
	s.bgMu.Lock()
	s.closed = true
	s.bgMu.Unlock()

	s.cancel()
	s.Wait()
}

// Chats returns the chat list, most recent first
func (s *Store) Chats() []models.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chats := make([]models.Chat, len(s.chats))
	for i, c := range s.chats {
		chats[i] = cloneChat(c)
	}
	return chats
}

// SelectedChat returns the active chat or nil
func (s *Store) SelectedChat() *models.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.chatIndex(s.selectedID)
	if idx < 0 {
		return nil
	}
	chat := cloneChat(s.chats[idx])
	return &chat
}

// Messages returns the message buffer of the active chat
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		messages[i] = cloneMessage(m)
	}
	return messages
}

// TypingUsers returns the users currently typing in the active chat
func (s *Store) TypingUsers() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedUsers(s.typing[s.selectedID])
}

// OnlineUsers returns the users currently online
func (s *Store) OnlineUsers() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedUsers(s.online)
}

type chatPayload struct {
	ChatID string `json:"chatId"`
}

type sendPayload struct {
	ChatID  string             `json:"chatId"`
	Content string             `json:"content"`
	Type    models.MessageType `json:"type"`
	ReplyTo string             `json:"replyTo,omitempty"`
}

func (s *Store) emit(action websocket.EventType, chatID string, payload any) error {
	ev, err := websocket.NewEvent(action, chatID, payload)
	if err != nil {
		return err
	}
	return s.socket.Emit(ev)
}

// spawn runs fn on a tracked goroutine bound to the store lifetime
func (s *Store) spawn(fn func(ctx context.Context)) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed {
		return
	}

	s.pending++
	go func() {
		defer s.done()
		fn(s.ctx)
	}()
}

func (s *Store) done() {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	s.pending--
	if s.pending == 0 {
		s.bgIdle.Broadcast()
	}
}

func (s *Store) selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedID
}

// chatIndex must be called with mu held
func (s *Store) chatIndex(chatID string) int {
	if chatID == "" {
		return -1
	}
	return slices.IndexFunc(s.chats, func(c models.Chat) bool { return c.ID == chatID })
}

// hasMessage must be called with mu held
func (s *Store) hasMessage(messageID string) bool {
	return s.messageIndex(messageID) >= 0
}

func (s *Store) messageIndex(messageID string) int {
	return slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == messageID })
}

// moveToFront must be called with mu held
func (s *Store) moveToFront(idx int) {
	if idx <= 0 {
		return
	}
	chat := s.chats[idx]
	copy(s.chats[1:idx+1], s.chats[:idx])
	s.chats[0] = chat
}

func cloneChat(c models.Chat) models.Chat {
	c.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		last := *c.LastMessage
		c.LastMessage = &last
	}
	return c
}

func cloneMessage(m models.Message) models.Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	m.Attachments = slices.Clone(m.Attachments)
	if m.EditedAt != nil {
		edited := *m.EditedAt
		m.EditedAt = &edited
	}
	return m
}

func sortedUsers(set map[string]models.User) []models.User {
	users := make([]models.User, 0, len(set))
	for _, u := range set {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b models.User) int { return strings.Compare(a.ID, b.ID) })
	return users
}

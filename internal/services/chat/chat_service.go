package chat

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/log"

	"github.com/rajivgeraev/aski-chat/internal/api"
	"github.com/rajivgeraev/aski-chat/internal/chatsync"
	"github.com/rajivgeraev/aski-chat/internal/config"
	"github.com/rajivgeraev/aski-chat/internal/models"
	"github.com/rajivgeraev/aski-chat/internal/notify"
	"github.com/rajivgeraev/aski-chat/internal/utils"
)

// ChatService exposes the chat store to local front-ends
type ChatService struct {
	cfg        *config.Config
	store      *chatsync.Store
	feed       *notify.Feed
	jwtService *utils.JWTService
}

// NewChatService creates a ChatService
func NewChatService(cfg *config.Config, store *chatsync.Store, feed *notify.Feed) *ChatService {
	return &ChatService{
		cfg:        cfg,
		store:      store,
		feed:       feed,
		jwtService: utils.NewJWTService(cfg.JWTSecret),
	}
}

// GetJWTService returns the local token service
func (s *ChatService) GetJWTService() *utils.JWTService {
	return s.jwtService
}

// GetChats returns the chat list
func (s *ChatService) GetChats(c fiber.Ctx) error {
	chats := s.store.Chats()

	selectedID := ""
	if selected := s.store.SelectedChat(); selected != nil {
		selectedID = selected.ID
	}

	return c.JSON(fiber.Map{
		"chats":          chats,
		"count":          len(chats),
		"selectedChatId": selectedID,
	})
}

// RefreshChats refetches the chat list from the backend
func (s *ChatService) RefreshChats(c fiber.Ctx) error {
	if err := s.store.RefreshChats(c.Context()); err != nil {
		return respondError(c, err)
	}
	return s.GetChats(c)
}

// SelectChat makes a chat active
func (s *ChatService) SelectChat(c fiber.Ctx) error {
	chatID := c.Params("id")
	if chatID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Chat id is required"})
	}

	if err := s.store.SelectChat(chatID); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"chat": s.store.SelectedChat()})
}

// ClearSelectedChat deselects the active chat
func (s *ChatService) ClearSelectedChat(c fiber.Ctx) error {
	s.store.ClearSelectedChat()
	return c.SendStatus(fiber.StatusNoContent)
}

// GetMessages returns the messages of the active chat
func (s *ChatService) GetMessages(c fiber.Ctx) error {
	messages := s.store.Messages()
	return c.JSON(fiber.Map{
		"messages": messages,
		"count":    len(messages),
	})
}

// SendMessageInput is the body of POST /api/messages
type SendMessageInput struct {
	Content string `json:"content"`
	ReplyTo string `json:"replyTo"`
}

// SendMessage sends a text message to the active chat
func (s *ChatService) SendMessage(c fiber.Ctx) error {
	var input SendMessageInput
	if err := c.Bind().Body(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if err := s.store.SendMessage(c.Context(), input.Content, input.ReplyTo); err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "sent"})
}

// SendFile uploads a file message to the active chat
func (s *ChatService) SendFile(c fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "File is required"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Errorf("Error opening uploaded file: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Could not read file"})
	}
	defer file.Close()

	upload := models.FileUpload{
		Name:   fileHeader.Filename,
		Reader: file,
	}
	if err := s.store.SendFile(c.Context(), upload, c.FormValue("replyTo")); err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "sent"})
}

// RefreshMessages refetches the messages of the active chat
func (s *ChatService) RefreshMessages(c fiber.Ctx) error {
	if err := s.store.RefreshMessages(c.Context()); err != nil {
		return respondError(c, err)
	}
	return s.GetMessages(c)
}

// MarkRead marks the active chat as read
func (s *ChatService) MarkRead(c fiber.Ctx) error {
	if err := s.store.MarkMessageAsRead(c.Context()); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// StartTyping signals typing in the active chat
func (s *ChatService) StartTyping(c fiber.Ctx) error {
	s.store.StartTyping()
	return c.SendStatus(fiber.StatusNoContent)
}

// StopTyping clears the typing signal
func (s *ChatService) StopTyping(c fiber.Ctx) error {
	s.store.StopTyping()
	return c.SendStatus(fiber.StatusNoContent)
}

// GetTyping returns the users typing in the active chat
func (s *ChatService) GetTyping(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"users": s.store.TypingUsers()})
}

// GetPresence returns the online users
func (s *ChatService) GetPresence(c fiber.Ctx) error {
	users := s.store.OnlineUsers()
	return c.JSON(fiber.Map{
		"users": users,
		"count": len(users),
	})
}

// GetNotifications returns the toast feed, optionally after a given id
func (s *ChatService) GetNotifications(c fiber.Ctx) error {
	var items []notify.Notification
	if since := c.Query("since"); since != "" {
		items = s.feed.Since(since)
	} else {
		items = s.feed.List()
	}
	return c.JSON(fiber.Map{"notifications": items})
}

// respondError maps store and backend errors to HTTP statuses
func respondError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, chatsync.ErrNoChatSelected), errors.Is(err, chatsync.ErrEmptyMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, chatsync.ErrChatNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": api.ErrorMessage(err, "Backend request failed"),
		})
	}
}

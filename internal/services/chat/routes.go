package chat

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/aski-chat/internal/middleware"
)

// SetupRoutes registers the local chat API
func (s *ChatService) SetupRoutes(app *fiber.App) {
	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Everything under /api requires a token of the session user
	api := app.Group("/api")
	api.Use(middleware.AuthMiddleware(s.jwtService, s.store.Self().ID))

	chats := api.Group("/chats")
	chats.Get("/", s.GetChats)
	chats.Post("/refresh", s.RefreshChats)
	chats.Delete("/selected", s.ClearSelectedChat)
	chats.Post("/:id/select", s.SelectChat)

	messages := api.Group("/messages")
	messages.Get("/", s.GetMessages)
	messages.Post("/", s.SendMessage)
	messages.Post("/file", s.SendFile)
	messages.Post("/refresh", s.RefreshMessages)
	messages.Post("/read", s.MarkRead)

	typing := api.Group("/typing")
	typing.Get("/", s.GetTyping)
	typing.Post("/start", s.StartTyping)
	typing.Post("/stop", s.StopTyping)

	api.Get("/presence", s.GetPresence)
	api.Get("/notifications", s.GetNotifications)
}

package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/aski-chat/internal/utils"
)

// AuthMiddleware checks the local API bearer token. Tokens issued for a user
// other than the session user are refused.
func AuthMiddleware(jwtService *utils.JWTService, sessionUserID string) fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing authorization header",
			})
		}

		// Expect a Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}

		tokenString := parts[1]
		userID, err := jwtService.ExtractUserID(tokenString)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		if userID != sessionUserID {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Token does not belong to the session user",
			})
		}

		// Expose the user to handlers
		c.Locals("userID", userID)

		return c.Next()
	}
}

// middleware/auth.go
package middleware

import (
	"log"

	"github.com/gofiber/fiber/v2"
)

// UserContextMiddleware attaches the acting member (X-User-ID) to the request.
// Reads may be anonymous; anything that mutates a ledger or its history needs an actor so
// the action can be attributed.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-ID")

		if userID == "" && c.Method() != fiber.MethodGet {
			log.Printf("❌ [USER_CTX] X-User-ID required but missing on %s %s", c.Method(), c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID: mutating requests must name the acting member",
			})
		}

		c.Locals("user_id", userID)
		return c.Next()
	}
}

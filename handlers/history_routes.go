// handlers/history_routes.go
package handlers

import (
	"strconv"
	"time"

	"guild-ledger/middleware"
	"guild-ledger/models"
	"guild-ledger/services"

	"github.com/gofiber/fiber/v2"
)

// actionView is what the history listing shows per action.
type actionView struct {
	ID           int64             `json:"id"`
	Ledger       models.LedgerKind `json:"ledger"`
	Kind         models.ChangeKind `json:"kind"`
	ActorID      string            `json:"actor_id"`
	X            int               `json:"x"`
	Y            int               `json:"y"`
	PositionalID int               `json:"positional_id"`
	Change       services.Change   `json:"change,omitempty"`
	Undone       bool              `json:"undone"`
	UndoneBy     string            `json:"undone_by,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

func SetupHistoryRoutes(app *fiber.App, history *services.HistoryService) {
	guild := app.Group("/guilds/:guild/history", middleware.UserContextMiddleware())

	guild.Get("/", func(c *fiber.Ctx) error {
		limit, err := limitQuery(c, 20)
		if err != nil {
			return errorResponse(c, err)
		}
		actions, err := history.List(c.UserContext(), c.Params("guild"), limit)
		if err != nil {
			return errorResponse(c, err)
		}
		views := make([]actionView, 0, len(actions))
		for i := range actions {
			views = append(views, viewOf(&actions[i]))
		}
		return c.JSON(views)
	})

	guild.Get("/stream", streamHistory(history))

	guild.Post("/:action_id/undo", func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("action_id"), 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "action id must be a number"})
		}
		res, err := history.Undo(c.UserContext(), c.Params("guild"), id, actorID(c))
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(res)
	})
}

// handlers/ledger_routes.go
package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"

	"guild-ledger/middleware"
	"guild-ledger/models"
	"guild-ledger/services"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/text/unicode/norm"
)

// Ledgers maps each ledger kind to the service that runs it.
type Ledgers map[models.LedgerKind]*services.LedgerService

func SetupLedgerRoutes(app *fiber.App, ledgers Ledgers, history *services.HistoryService) {
	guild := app.Group("/guilds/:guild", middleware.UserContextMiddleware())

	guild.Get("/:kind/requests", func(c *fiber.Ctx) error {
		ledger, err := ledgerFor(c, ledgers)
		if err != nil {
			return errorResponse(c, err)
		}
		requests, err := ledger.List(c.UserContext(), c.Params("guild"))
		if err != nil {
			return errorResponse(c, err)
		}
		if requests == nil {
			requests = []models.Request{}
		}
		return c.JSON(requests)
	})

	guild.Post("/:kind/requests", func(c *fiber.Ctx) error {
		ledger, err := ledgerFor(c, ledgers)
		if err != nil {
			return errorResponse(c, err)
		}
		var req services.NewRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}
		if req.RequesterID == "" {
			req.RequesterID = actorID(c)
		}
		req.RequesterAccount = normalizeIdentity(req.RequesterAccount)

		guildID := c.Params("guild")
		created, pos, err := ledger.Add(c.UserContext(), guildID, req)
		if err != nil {
			return errorResponse(c, err)
		}
		actionID := record(c.UserContext(), history, guildID, services.Entry{
			Ledger:   ledger.Kind,
			ActorID:  actorID(c),
			Request:  created,
			Position: pos,
			Change:   services.AddChange{},
		})
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"position":  pos,
			"request":   created,
			"action_id": actionID,
		})
	})

	guild.Get("/:kind/requests/search", func(c *fiber.Ctx) error {
		ledger, err := ledgerFor(c, ledgers)
		if err != nil {
			return errorResponse(c, err)
		}
		x, errX := strconv.Atoi(c.Query("x"))
		y, errY := strconv.Atoi(c.Query("y"))
		if errX != nil || errY != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "x and y query parameters must be integers"})
		}
		matches, err := ledger.FindByCoords(c.UserContext(), c.Params("guild"), x, y)
		if err != nil {
			return errorResponse(c, err)
		}
		if matches == nil {
			matches = []services.Positioned{}
		}
		return c.JSON(matches)
	})

	guild.Post("/:kind/requests/move", func(c *fiber.Ctx) error {
		ledger, err := ledgerFor(c, ledgers)
		if err != nil {
			return errorResponse(c, err)
		}
		var req struct {
			From int `json:"from"`
			To   int `json:"to"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}

		guildID := c.Params("guild")
		moved, err := ledger.Move(c.UserContext(), guildID, req.From, req.To)
		if err != nil {
			return errorResponse(c, err)
		}
		actionID := record(c.UserContext(), history, guildID, services.Entry{
			Ledger:   ledger.Kind,
			ActorID:  actorID(c),
			Request:  moved,
			Position: req.From,
			Change:   services.MoveChange{From: req.From, To: req.To},
		})
		return c.JSON(fiber.Map{
			"position":  req.To,
			"request":   moved,
			"action_id": actionID,
		})
	})

	guild.Get("/:kind/requests/:id", func(c *fiber.Ctx) error {
		ledger, err := ledgerFor(c, ledgers)
		if err != nil {
			return errorResponse(c, err)
		}
		id, err := positionParam(c)
		if err != nil {
			return errorResponse(c, err)
		}
		r, err := ledger.Get(c.UserContext(), c.Params("guild"), id)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(r)
	})

	guild.Post("/:kind/requests/:id/contributions", func(c *fiber.Ctx) error {
		ledger, err := ledgerFor(c, ledgers)
		if err != nil {
			return errorResponse(c, err)
		}
		id, err := positionParam(c)
		if err != nil {
			return errorResponse(c, err)
		}
		var req struct {
			Identity string `json:"identity"`
			Amount   int64  `json:"amount"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}
		req.Identity = normalizeIdentity(req.Identity)
		if req.Identity == "" {
			req.Identity = actorID(c)
		}

		guildID := c.Params("guild")
		res, err := ledger.ReportContribution(c.UserContext(), guildID, id, req.Identity, req.Amount)
		if err != nil {
			return errorResponse(c, err)
		}
		actionID := record(c.UserContext(), history, guildID, services.Entry{
			Ledger:   ledger.Kind,
			ActorID:  actorID(c),
			Request:  res.Request,
			Position: res.Position,
			Previous: res.Previous,
			Change: services.ContributionChange{
				Identity:           req.Identity,
				Amount:             req.Amount,
				Completed:          res.Completed,
				WasAlreadyComplete: res.WasAlreadyComplete,
				Removed:            res.Removed,
			},
		})
		return c.JSON(fiber.Map{
			"request":              res.Request,
			"position":             res.Position,
			"completed":            res.Completed,
			"was_already_complete": res.WasAlreadyComplete,
			"removed":              res.Removed,
			"action_id":            actionID,
		})
	})

	guild.Patch("/:kind/requests/:id", func(c *fiber.Ctx) error {
		ledger, err := ledgerFor(c, ledgers)
		if err != nil {
			return errorResponse(c, err)
		}
		id, err := positionParam(c)
		if err != nil {
			return errorResponse(c, err)
		}
		var patch services.RequestPatch
		if err := c.BodyParser(&patch); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}

		guildID := c.Params("guild")
		res, err := ledger.Update(c.UserContext(), guildID, id, patch)
		if err != nil {
			return errorResponse(c, err)
		}
		actionID := record(c.UserContext(), history, guildID, services.Entry{
			Ledger:   ledger.Kind,
			ActorID:  actorID(c),
			Request:  res.Request,
			Position: res.Position,
			Previous: res.Previous,
			Change:   services.EditChange{Patch: patch, Completed: res.Completed, Removed: res.Removed},
		})
		return c.JSON(fiber.Map{
			"request":   res.Request,
			"position":  res.Position,
			"completed": res.Completed,
			"removed":   res.Removed,
			"action_id": actionID,
		})
	})

	guild.Delete("/:kind/requests/:id", func(c *fiber.Ctx) error {
		ledger, err := ledgerFor(c, ledgers)
		if err != nil {
			return errorResponse(c, err)
		}
		id, err := positionParam(c)
		if err != nil {
			return errorResponse(c, err)
		}

		guildID := c.Params("guild")
		removed, err := ledger.Remove(c.UserContext(), guildID, id)
		if err != nil {
			return errorResponse(c, err)
		}
		actionID := record(c.UserContext(), history, guildID, services.Entry{
			Ledger:   ledger.Kind,
			ActorID:  actorID(c),
			Request:  removed,
			Position: id,
			Previous: removed,
			Change:   services.DeleteChange{},
		})
		return c.JSON(fiber.Map{
			"request":   removed,
			"action_id": actionID,
		})
	})

	guild.Get("/completed", func(c *fiber.Ctx) error {
		limit, err := limitQuery(c, 10)
		if err != nil {
			return errorResponse(c, err)
		}
		done, err := ledgers[models.LedgerDefense].RecentlyCompleted(c.UserContext(), c.Params("guild"), limit)
		if err != nil {
			return errorResponse(c, err)
		}
		if done == nil {
			done = []models.CompletedRequest{}
		}
		return c.JSON(done)
	})
}

func ledgerFor(c *fiber.Ctx, ledgers Ledgers) (*services.LedgerService, error) {
	kind, ok := models.ParseLedgerKind(c.Params("kind"))
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "unknown ledger "+c.Params("kind"))
	}
	ledger, ok := ledgers[kind]
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "ledger "+string(kind)+" is not enabled")
	}
	return ledger, nil
}

func positionParam(c *fiber.Ctx) (int, error) {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "request id must be a number")
	}
	return id, nil
}

// limitQuery reads ?limit=, falling back when it is absent.
func limitQuery(c *fiber.Ctx, fallback int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "limit must be a non-negative number")
	}
	return n, nil
}

// normalizeIdentity trims and NFC-normalizes an account name so the same name typed on
// different clients credits the same contributor.
func normalizeIdentity(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func actorID(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}

// record stores an undo entry. A failed record does not undo the ledger change; the caller
// just gets no action id back.
func record(ctx context.Context, history *services.HistoryService, guildID string, e services.Entry) *int64 {
	if history == nil {
		return nil
	}
	id, err := history.Record(ctx, guildID, e)
	if err != nil {
		log.Printf("⚠️ [HISTORY] Failed to record %s on guild %s: %v", e.Change.Kind(), guildID, err)
		return nil
	}
	return &id
}

func errorResponse(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	status := fiber.StatusInternalServerError
	switch {
	case errors.As(err, &fe):
		status = fe.Code
	case errors.Is(err, services.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, services.ErrCapacityExceeded), errors.Is(err, services.ErrAlreadyUndone):
		status = fiber.StatusConflict
	case errors.Is(err, services.ErrInvalidRange), errors.Is(err, services.ErrInvalidAmount):
		status = fiber.StatusBadRequest
	case errors.Is(err, services.ErrMissingSnapshot):
		status = fiber.StatusUnprocessableEntity
	}
	if status == fiber.StatusInternalServerError {
		log.Printf("❌ %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

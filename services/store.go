package services

import (
	"context"
	"time"

	"guild-ledger/models"
)

// LedgerWrite is everything one ledger mutation persists in a single save.
type LedgerWrite struct {
	Requests  []models.Request
	Archive   []models.CompletedRequest
	Unarchive []string // request ids to drop from the recently-completed list
}

// LedgerStore keeps whole ledgers. A ledger is always read and written in full.
type LedgerStore interface {
	LoadLedger(ctx context.Context, guildID string, kind models.LedgerKind) ([]models.Request, error)
	SaveLedger(ctx context.Context, guildID string, kind models.LedgerKind, w LedgerWrite) error
	ListCompleted(ctx context.Context, guildID string, limit int) ([]models.CompletedRequest, error)
	PruneCompleted(ctx context.Context, before time.Time) (int64, error)
	Guilds(ctx context.Context) ([]string, error)
}

// HistoryStore keeps the per-guild action log.
type HistoryStore interface {
	// AppendAction assigns action.ID (previous max + 1 for the guild), stores it and evicts
	// everything but the newest keep actions of that guild.
	AppendAction(ctx context.Context, action *models.Action, keep int) error
	GetAction(ctx context.Context, guildID string, id int64) (*models.Action, error)
	ListActions(ctx context.Context, guildID string, limit int) ([]models.Action, error)
	MarkUndone(ctx context.Context, guildID string, id int64, by string, at time.Time) error
}

// Store is the full persistence surface used by the service.
type Store interface {
	LedgerStore
	HistoryStore
}

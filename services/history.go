package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"guild-ledger/models"
)

const DefaultHistoryLimit = 50

// HistoryService is the per-guild undo log. Recording happens after a ledger operation
// succeeded; undo works out the compensating operation against the ledger as it is now.
type HistoryService struct {
	Store HistoryStore
	// Limit is how many actions per guild stay undoable; older ones are evicted by id.
	Limit int

	ledgers map[models.LedgerKind]*LedgerService
	locks   *GuildLocks
	now     func() time.Time
}

func NewHistoryService(store HistoryStore, locks *GuildLocks, limit int, ledgers ...*LedgerService) *HistoryService {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if locks == nil {
		locks = NewGuildLocks()
	}
	h := &HistoryService{
		Store:   store,
		Limit:   limit,
		ledgers: make(map[models.LedgerKind]*LedgerService, len(ledgers)),
		locks:   locks,
		now:     time.Now,
	}
	for _, l := range ledgers {
		h.ledgers[l.Kind] = l
	}
	return h
}

// Entry is what a caller hands to Record right after a ledger operation.
type Entry struct {
	Ledger   models.LedgerKind
	ActorID  string
	Request  *models.Request // the request the action touched
	Position int             // its positional id when the action ran
	Previous *models.Request // state before the action, when the change needs it
	Change   Change
}

// UndoResult tells the caller what the compensation did.
type UndoResult struct {
	ActionID    int64             `json:"action_id"`
	Kind        models.ChangeKind `json:"kind"`
	Ledger      models.LedgerKind `json:"ledger"`
	Description string            `json:"description"`
	// Position is the request's positional id after the undo, 0 when it is no longer listed.
	Position int `json:"position"`
	// Restored is set when the request was appended again; any older id for it is stale.
	Restored bool `json:"restored"`
}

func (h *HistoryService) lockKey(guildID string) string {
	return "history/" + guildID
}

// Record stores e and returns the new action id.
func (h *HistoryService) Record(ctx context.Context, guildID string, e Entry) (int64, error) {
	if e.Request == nil || e.Change == nil {
		return 0, fmt.Errorf("record action: request and change are required")
	}
	payload, err := encodeChange(e.Change)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", e.Change.Kind(), err)
	}
	previous, err := encodeSnapshot(e.Previous)
	if err != nil {
		return 0, fmt.Errorf("encode previous snapshot: %w", err)
	}

	action := &models.Action{
		GuildID:      guildID,
		Ledger:       e.Ledger,
		Kind:         e.Change.Kind(),
		ActorID:      e.ActorID,
		X:            e.Request.X,
		Y:            e.Request.Y,
		PositionalID: e.Position,
		RequestKey:   e.Request.ID,
		Previous:     previous,
		Payload:      payload,
		CreatedAt:    h.now(),
	}

	unlock := h.locks.Lock(h.lockKey(guildID))
	defer unlock()

	if err := h.Store.AppendAction(ctx, action, h.Limit); err != nil {
		return 0, fmt.Errorf("record %s action for guild %s: %w", action.Kind, guildID, err)
	}
	log.Printf("[HISTORY] 📝 guild=%s action=#%d %s %s #%d %s by %s",
		guildID, action.ID, action.Ledger, action.Kind, action.PositionalID, e.Request.Coords(), e.ActorID)
	return action.ID, nil
}

// List returns the newest actions of a guild first.
func (h *HistoryService) List(ctx context.Context, guildID string, limit int) ([]models.Action, error) {
	return h.Store.ListActions(ctx, guildID, limit)
}

// Undo reverses action id of guildID on behalf of actorID.
func (h *HistoryService) Undo(ctx context.Context, guildID string, id int64, actorID string) (*UndoResult, error) {
	unlock := h.locks.Lock(h.lockKey(guildID))
	defer unlock()

	action, err := h.Store.GetAction(ctx, guildID, id)
	if err != nil {
		return nil, err
	}
	if action.Undone {
		return nil, fmt.Errorf("action #%d: %w", id, ErrAlreadyUndone)
	}
	ledger, ok := h.ledgers[action.Ledger]
	if !ok {
		return nil, fmt.Errorf("action #%d targets unknown ledger %q", id, action.Ledger)
	}
	change, err := decodeChange(action.Kind, action.Payload)
	if err != nil {
		return nil, err
	}
	previous, err := decodeSnapshot(action.Previous)
	if err != nil {
		return nil, err
	}
	if previous == nil && needsSnapshot(change) {
		return nil, fmt.Errorf("action #%d (%s): %w", id, action.Kind, ErrMissingSnapshot)
	}

	res := &UndoResult{ActionID: action.ID, Kind: action.Kind, Ledger: action.Ledger}
	coords := fmt.Sprintf("(%d|%d)", action.X, action.Y)

	err = ledger.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		pos := tx.Locate(action.RequestKey)
		switch c := change.(type) {
		case AddChange:
			if pos == 0 {
				res.Description = fmt.Sprintf("Request at %s is already gone", coords)
				return nil
			}
			if _, err := tx.RemoveAt(pos); err != nil {
				return err
			}
			res.Description = fmt.Sprintf("Removed request #%d at %s", pos, coords)

		case EditChange:
			if pos > 0 {
				if _, err := tx.RemoveAt(pos); err != nil {
					return err
				}
			}
			return h.restore(tx, res, previous, c.Removed, coords)

		case ContributionChange:
			completing := c.Completed && !c.WasAlreadyComplete
			switch {
			case pos > 0 && !completing:
				res.Position = pos
				res.Description = fmt.Sprintf("Took back %d from %s on request #%d at %s", c.Amount, c.Identity, pos, coords)
				return tx.Subtract(pos, c.Identity, c.Amount)
			case pos > 0:
				// the report completed it: back to the pre-report snapshot at the end
				if _, err := tx.RemoveAt(pos); err != nil {
					return err
				}
				return h.restore(tx, res, previous, c.Removed, coords)
			case c.Removed:
				return h.restore(tx, res, previous, true, coords)
			}
			res.Description = fmt.Sprintf("Request at %s is no longer listed; nothing to take back", coords)
			return nil

		case DeleteChange:
			if pos > 0 {
				res.Position = pos
				res.Description = fmt.Sprintf("Request at %s is already back as #%d", coords, pos)
				return nil
			}
			return h.restore(tx, res, previous, false, coords)

		case MoveChange:
			if pos == 0 {
				res.Description = fmt.Sprintf("Request at %s is no longer listed; nothing to move back", coords)
				return nil
			}
			target := clamp(c.From, 1, tx.Len())
			res.Position = target
			if target == pos {
				res.Description = fmt.Sprintf("Request at %s is already at #%d", coords, pos)
				return nil
			}
			res.Description = fmt.Sprintf("Moved request at %s back from #%d to #%d", coords, pos, target)
			return tx.Move(pos, target)

		default:
			return fmt.Errorf("action #%d: no undo for %T", id, change)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("undo action #%d: %w", id, err)
	}

	if err := h.Store.MarkUndone(ctx, guildID, action.ID, actorID, h.now()); err != nil {
		return nil, fmt.Errorf("mark action #%d undone: %w", id, err)
	}
	log.Printf("[HISTORY] ↩️ guild=%s action=#%d %s %s undone by %s: %s",
		guildID, action.ID, action.Ledger, action.Kind, actorID, res.Description)
	return res, nil
}

// restore appends the previous snapshot. unarchive also drops it from the
// recently-completed list when the original action had archived it.
func (h *HistoryService) restore(tx *LedgerTx, res *UndoResult, previous *models.Request, unarchive bool, coords string) error {
	pos, err := tx.Append(*previous.Clone())
	if err != nil {
		return err
	}
	if unarchive {
		tx.Unarchive(previous.ID)
	}
	res.Position = pos
	res.Restored = true
	res.Description = fmt.Sprintf("Restored request at %s as #%d", coords, pos)
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// handlers/history_stream.go
package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"guild-ledger/models"
	"guild-ledger/services"

	"github.com/gofiber/fiber/v2"
)

const streamPollInterval = 2 * time.Second

// actionFeed polls a guild's history and writes new and newly undone actions as SSE events.
type actionFeed struct {
	history  *services.HistoryService
	guildID  string
	interval time.Duration

	lastID int64
	undone map[int64]bool
}

func newActionFeed(history *services.HistoryService, guildID string) *actionFeed {
	return &actionFeed{
		history:  history,
		guildID:  guildID,
		interval: streamPollInterval,
		undone:   make(map[int64]bool),
	}
}

// prime moves the cursor past everything already recorded.
func (f *actionFeed) prime(ctx context.Context) error {
	actions, err := f.history.List(ctx, f.guildID, 0)
	if err != nil {
		return err
	}
	for _, a := range actions {
		if a.ID > f.lastID {
			f.lastID = a.ID
		}
		if a.Undone {
			f.undone[a.ID] = true
		}
	}
	return nil
}

// poll writes one event per change since the last poll and reports how many it wrote.
func (f *actionFeed) poll(ctx context.Context, w *bufio.Writer) (int, error) {
	actions, err := f.history.List(ctx, f.guildID, 0)
	if err != nil {
		return 0, err
	}
	written := 0
	// List is newest first; events go out oldest first.
	for i := len(actions) - 1; i >= 0; i-- {
		a := &actions[i]
		event := ""
		switch {
		case a.ID > f.lastID:
			f.lastID = a.ID
			event = "action"
			if a.Undone {
				f.undone[a.ID] = true
			}
		case a.Undone && !f.undone[a.ID]:
			f.undone[a.ID] = true
			event = "undo"
		default:
			continue
		}
		payload, err := json.Marshal(viewOf(a))
		if err != nil {
			return written, err
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		written++
	}
	return written, nil
}

// run writes events until ctx ends or a flush fails. Quiet ticks send a
// comment line so a vanished client shows up as a failed flush.
func (f *actionFeed) run(ctx context.Context, w *bufio.Writer) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	w.WriteString(":\n\n")
	if err := w.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			n, err := f.poll(ctx, w)
			if err != nil {
				log.Printf("[STREAM] history poll failed for guild %s: %v", f.guildID, err)
			}
			if n == 0 {
				w.WriteString(":\n\n")
			}
			if err := w.Flush(); err != nil {
				log.Printf("[STREAM] client for guild %s went away: %v", f.guildID, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// streamHistory serves GET /guilds/:guild/history/stream.
func streamHistory(history *services.HistoryService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		feed := newActionFeed(history, c.Params("guild"))
		if err := feed.prime(c.UserContext()); err != nil {
			return errorResponse(c, err)
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		done := c.Context().Done()
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				select {
				case <-done:
					cancel()
				case <-ctx.Done():
				}
			}()
			feed.run(ctx, w)
		})
		return nil
	}
}

func viewOf(a *models.Action) actionView {
	v := actionView{
		ID:           a.ID,
		Ledger:       a.Ledger,
		Kind:         a.Kind,
		ActorID:      a.ActorID,
		X:            a.X,
		Y:            a.Y,
		PositionalID: a.PositionalID,
		Undone:       a.Undone,
		UndoneBy:     a.UndoneBy,
		CreatedAt:    a.CreatedAt,
	}
	if change, err := services.DecodeChange(a); err == nil {
		v.Change = change
	}
	return v
}

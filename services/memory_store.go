package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"guild-ledger/models"
)

// MemoryStore is a process-local Store. Nothing survives a restart; it backs tests and
// DATABASE_URL=memory runs.
type MemoryStore struct {
	mu        sync.Mutex
	ledgers   map[string][]models.Request
	completed []models.CompletedRequest
	actions   map[string][]models.Action
	nextDone  uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers: make(map[string][]models.Request),
		actions: make(map[string][]models.Action),
	}
}

func memoryLedgerKey(guildID string, kind models.LedgerKind) string {
	return guildID + "/" + string(kind)
}

func cloneRequests(in []models.Request) []models.Request {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Request, len(in))
	for i := range in {
		out[i] = *in[i].Clone()
	}
	return out
}

func (m *MemoryStore) LoadLedger(_ context.Context, guildID string, kind models.LedgerKind) ([]models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRequests(m.ledgers[memoryLedgerKey(guildID, kind)]), nil
}

func (m *MemoryStore) SaveLedger(_ context.Context, guildID string, kind models.LedgerKind, w LedgerWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ledgers[memoryLedgerKey(guildID, kind)] = cloneRequests(w.Requests)
	for _, c := range w.Archive {
		m.nextDone++
		c.ID = m.nextDone
		m.completed = append(m.completed, c)
	}
	if len(w.Unarchive) > 0 {
		drop := make(map[string]bool, len(w.Unarchive))
		for _, id := range w.Unarchive {
			drop[id] = true
		}
		kept := m.completed[:0]
		for _, c := range m.completed {
			if c.GuildID == guildID && drop[c.RequestID] {
				continue
			}
			kept = append(kept, c)
		}
		m.completed = kept
	}
	return nil
}

func (m *MemoryStore) ListCompleted(_ context.Context, guildID string, limit int) ([]models.CompletedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.CompletedRequest
	for i := len(m.completed) - 1; i >= 0; i-- {
		if m.completed[i].GuildID != guildID {
			continue
		}
		out = append(out, m.completed[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) PruneCompleted(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	kept := m.completed[:0]
	for _, c := range m.completed {
		if c.CompletedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, c)
	}
	m.completed = kept
	return pruned, nil
}

func (m *MemoryStore) Guilds(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fromLedgers, fromActions []string
	for _, reqs := range m.ledgers {
		if len(reqs) > 0 {
			fromLedgers = append(fromLedgers, reqs[0].GuildID)
		}
	}
	for guildID := range m.actions {
		fromActions = append(fromActions, guildID)
	}
	out := mergeGuildIDs(fromLedgers, fromActions)
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) AppendAction(_ context.Context, action *models.Action, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.actions[action.GuildID]
	var last int64
	if n := len(entries); n > 0 {
		last = entries[n-1].ID
	}
	action.ID = last + 1
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}
	entries = append(entries, *action)
	if keep > 0 && len(entries) > keep {
		entries = append([]models.Action(nil), entries[len(entries)-keep:]...)
	}
	m.actions[action.GuildID] = entries
	return nil
}

func (m *MemoryStore) GetAction(_ context.Context, guildID string, id int64) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.actions[guildID] {
		if a.ID == id {
			out := a
			return &out, nil
		}
	}
	return nil, fmt.Errorf("action #%d: %w", id, ErrNotFound)
}

func (m *MemoryStore) ListActions(_ context.Context, guildID string, limit int) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.actions[guildID]
	var out []models.Action
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkUndone(_ context.Context, guildID string, id int64, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.actions[guildID]
	for i := range entries {
		if entries[i].ID == id {
			entries[i].Undone = true
			entries[i].UndoneBy = by
			entries[i].UndoneAt = &at
			return nil
		}
	}
	return fmt.Errorf("action #%d: %w", id, ErrNotFound)
}

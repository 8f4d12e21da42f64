package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"guild-ledger/models"

	"github.com/google/uuid"
)

// CompletionPolicy decides what happens to a request once it is satisfied.
type CompletionPolicy int

const (
	// RemoveOnComplete drops the request from the ledger and archives it (defense).
	RemoveOnComplete CompletionPolicy = iota
	// FlagOnComplete marks the request completed and keeps it listed (push).
	FlagOnComplete
)

const DefaultMaxActiveRequests = 20

// LedgerService runs every operation of one ledger kind. Each call locks the guild's ledger,
// loads it in full, mutates it in memory and writes it back in full.
type LedgerService struct {
	Store     LedgerStore
	Kind      models.LedgerKind
	Policy    CompletionPolicy
	MaxActive int

	locks *GuildLocks
	now   func() time.Time
}

func NewLedgerService(store LedgerStore, locks *GuildLocks, kind models.LedgerKind, policy CompletionPolicy, maxActive int) *LedgerService {
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveRequests
	}
	if locks == nil {
		locks = NewGuildLocks()
	}
	return &LedgerService{
		Store:     store,
		Kind:      kind,
		Policy:    policy,
		MaxActive: maxActive,
		locks:     locks,
		now:       time.Now,
	}
}

func NewDefenseLedger(store LedgerStore, locks *GuildLocks, maxActive int) *LedgerService {
	return NewLedgerService(store, locks, models.LedgerDefense, RemoveOnComplete, maxActive)
}

func NewPushLedger(store LedgerStore, locks *GuildLocks, maxActive int) *LedgerService {
	return NewLedgerService(store, locks, models.LedgerPush, FlagOnComplete, maxActive)
}

// NewRequest holds the caller-validated fields of a new request.
type NewRequest struct {
	X                int    `json:"x"`
	Y                int    `json:"y"`
	AmountNeeded     int64  `json:"amount_needed"`
	Note             string `json:"note"`
	RequesterID      string `json:"requester_id"`
	RequesterAccount string `json:"requester_account"`
}

// RequestPatch is an admin overwrite; nil fields are left alone.
type RequestPatch struct {
	AmountSent   *int64  `json:"amount_sent,omitempty" msgpack:"amount_sent,omitempty"`
	AmountNeeded *int64  `json:"amount_needed,omitempty" msgpack:"amount_needed,omitempty"`
	Note         *string `json:"note,omitempty" msgpack:"note,omitempty"`
}

// ContributionResult describes one reported contribution.
type ContributionResult struct {
	Request            *models.Request // state after the report, even when it left the ledger
	Previous           *models.Request // state before the report
	Position           int             // positional id the report was made against
	Completed          bool
	WasAlreadyComplete bool // push only: it was complete before this report
	Removed            bool // defense only: completion removed it from the ledger
}

// UpdateResult describes one admin overwrite.
type UpdateResult struct {
	Request   *models.Request
	Previous  *models.Request
	Position  int
	Completed bool
	Removed   bool
}

// Positioned pairs a request with the positional id it had when it was read.
type Positioned struct {
	Position int             `json:"position"`
	Request  *models.Request `json:"request"`
}

func (s *LedgerService) lockKey(guildID string) string {
	return "ledger/" + string(s.Kind) + "/" + guildID
}

// WithLedger runs fn against the guild's ledger under its lock and saves the result when fn
// changed anything and returned nil.
func (s *LedgerService) WithLedger(ctx context.Context, guildID string, fn func(tx *LedgerTx) error) error {
	unlock := s.locks.Lock(s.lockKey(guildID))
	defer unlock()

	requests, err := s.Store.LoadLedger(ctx, guildID, s.Kind)
	if err != nil {
		return fmt.Errorf("load %s ledger for guild %s: %w", s.Kind, guildID, err)
	}
	tx := &LedgerTx{svc: s, guildID: guildID, requests: requests}
	tx.renumber()

	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	tx.renumber()
	if err := s.Store.SaveLedger(ctx, guildID, s.Kind, LedgerWrite{
		Requests:  tx.requests,
		Archive:   tx.archive,
		Unarchive: tx.unarchive,
	}); err != nil {
		return fmt.Errorf("save %s ledger for guild %s: %w", s.Kind, guildID, err)
	}
	return nil
}

// Add appends a new request. Several requests may share coordinates.
func (s *LedgerService) Add(ctx context.Context, guildID string, in NewRequest) (*models.Request, int, error) {
	if in.AmountNeeded <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	var out *models.Request
	var pos int
	err := s.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		now := s.now()
		r := models.Request{
			ID:               uuid.NewString(),
			X:                in.X,
			Y:                in.Y,
			AmountNeeded:     in.AmountNeeded,
			Note:             in.Note,
			RequesterID:      in.RequesterID,
			RequesterAccount: in.RequesterAccount,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		var err error
		if pos, err = tx.Append(r); err != nil {
			return err
		}
		out = tx.requests[pos-1].Clone()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	log.Printf("[LEDGER] ➕ %s #%d %s needs %d (guild=%s, by=%s)", s.Kind, pos, out.Coords(), out.AmountNeeded, guildID, in.RequesterID)
	return out, pos, nil
}

// Get returns the request currently at positional id.
func (s *LedgerService) Get(ctx context.Context, guildID string, id int) (*models.Request, error) {
	var out *models.Request
	err := s.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		r, err := tx.At(id)
		if err != nil {
			return err
		}
		out = r.Clone()
		return nil
	})
	return out, err
}

// List returns the whole ledger in display order.
func (s *LedgerService) List(ctx context.Context, guildID string) ([]models.Request, error) {
	var out []models.Request
	err := s.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		out = cloneRequests(tx.requests)
		return nil
	})
	return out, err
}

// FindByCoords returns every request at (x, y) with its current positional id.
func (s *LedgerService) FindByCoords(ctx context.Context, guildID string, x, y int) ([]Positioned, error) {
	var out []Positioned
	err := s.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		for i := range tx.requests {
			if tx.requests[i].X == x && tx.requests[i].Y == y {
				out = append(out, Positioned{Position: i + 1, Request: tx.requests[i].Clone()})
			}
		}
		return nil
	})
	return out, err
}

// ReportContribution credits amount from identity to the request at id and applies the
// completion policy.
func (s *LedgerService) ReportContribution(ctx context.Context, guildID string, id int, identity string, amount int64) (*ContributionResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var res *ContributionResult
	err := s.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		var err error
		res, err = tx.Contribute(id, identity, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	switch {
	case res.Removed:
		log.Printf("[LEDGER] ✅ %s #%d %s completed and archived (guild=%s, last=%s)", s.Kind, id, res.Request.Coords(), guildID, identity)
	case res.Completed && !res.WasAlreadyComplete:
		log.Printf("[LEDGER] ✅ %s #%d %s completed (guild=%s, last=%s)", s.Kind, id, res.Request.Coords(), guildID, identity)
	}
	return res, nil
}

// SubtractContribution takes amount back from identity on the request at id.
func (s *LedgerService) SubtractContribution(ctx context.Context, guildID string, id int, identity string, amount int64) (*models.Request, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var out *models.Request
	err := s.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		if err := tx.Subtract(id, identity, amount); err != nil {
			return err
		}
		out = tx.requests[id-1].Clone()
		return nil
	})
	return out, err
}

// Update overwrites fields of the request at id and applies the completion policy.
func (s *LedgerService) Update(ctx context.Context, guildID string, id int, patch RequestPatch) (*UpdateResult, error) {
	if patch.AmountNeeded != nil && *patch.AmountNeeded <= 0 {
		return nil, ErrInvalidAmount
	}
	if patch.AmountSent != nil && *patch.AmountSent < 0 {
		return nil, ErrInvalidAmount
	}
	var res *UpdateResult
	err := s.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		var err error
		res, err = tx.Update(id, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Removed {
		log.Printf("[LEDGER] ✅ %s #%d %s completed by edit and archived (guild=%s)", s.Kind, id, res.Request.Coords(), guildID)
	}
	return res, nil
}

// Remove deletes the request at id; later requests move up by one.
func (s *LedgerService) Remove(ctx context.Context, guildID string, id int) (*models.Request, error) {
	var out *models.Request
	err := s.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		var err error
		out, err = tx.RemoveAt(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[LEDGER] 🗑️ %s #%d %s removed (guild=%s)", s.Kind, id, out.Coords(), guildID)
	return out, nil
}

// Move takes the request at from and reinserts it at to.
func (s *LedgerService) Move(ctx context.Context, guildID string, from, to int) (*models.Request, error) {
	var out *models.Request
	err := s.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		if err := tx.Move(from, to); err != nil {
			return err
		}
		out = tx.requests[to-1].Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[LEDGER] ↕️ %s %s moved #%d → #%d (guild=%s)", s.Kind, out.Coords(), from, to, guildID)
	return out, nil
}

// Restore appends snapshot, contributors included, to the end of the ledger and returns its
// new positional id. The original position is not kept.
func (s *LedgerService) Restore(ctx context.Context, guildID string, snapshot *models.Request) (int, error) {
	var pos int
	err := s.WithLedger(ctx, guildID, func(tx *LedgerTx) error {
		r := *snapshot.Clone()
		if r.ID == "" || tx.Locate(r.ID) > 0 {
			r.ID = uuid.NewString()
		}
		var err error
		pos, err = tx.Append(r)
		return err
	})
	if err != nil {
		return 0, err
	}
	log.Printf("[LEDGER] ♻️ %s %s restored as #%d (guild=%s)", s.Kind, snapshot.Coords(), pos, guildID)
	return pos, nil
}

// RecentlyCompleted lists filled requests that left this guild's ledgers, newest first.
func (s *LedgerService) RecentlyCompleted(ctx context.Context, guildID string, limit int) ([]models.CompletedRequest, error) {
	return s.Store.ListCompleted(ctx, guildID, limit)
}

// LedgerTx is one guild ledger loaded in memory. It is only valid inside WithLedger.
type LedgerTx struct {
	svc       *LedgerService
	guildID   string
	requests  []models.Request
	archive   []models.CompletedRequest
	unarchive []string
	dirty     bool
}

// renumber stamps guild, kind and display position on every request after a reorder.
func (tx *LedgerTx) renumber() {
	for i := range tx.requests {
		tx.requests[i].GuildID = tx.guildID
		tx.requests[i].Kind = tx.svc.Kind
		tx.requests[i].Position = i + 1
	}
}

func (tx *LedgerTx) Len() int {
	return len(tx.requests)
}

// At returns the live request at positional id.
func (tx *LedgerTx) At(id int) (*models.Request, error) {
	if id < 1 || id > len(tx.requests) {
		return nil, fmt.Errorf("%s request #%d: %w", tx.svc.Kind, id, ErrNotFound)
	}
	return &tx.requests[id-1], nil
}

// Locate returns the current positional id of the request with stable key, or 0.
func (tx *LedgerTx) Locate(key string) int {
	for i := range tx.requests {
		if tx.requests[i].ID == key {
			return i + 1
		}
	}
	return 0
}

// Append adds r at the end of the ledger.
func (tx *LedgerTx) Append(r models.Request) (int, error) {
	if len(tx.requests) >= tx.svc.MaxActive {
		return 0, fmt.Errorf("%s ledger holds %d requests: %w", tx.svc.Kind, len(tx.requests), ErrCapacityExceeded)
	}
	if tx.svc.Policy == RemoveOnComplete {
		r.Completed = false
	}
	tx.requests = append(tx.requests, r)
	tx.renumber()
	tx.dirty = true
	return len(tx.requests), nil
}

// RemoveAt deletes the request at id and returns a copy of it.
func (tx *LedgerTx) RemoveAt(id int) (*models.Request, error) {
	r, err := tx.At(id)
	if err != nil {
		return nil, err
	}
	out := r.Clone()
	tx.requests = append(tx.requests[:id-1], tx.requests[id:]...)
	tx.renumber()
	tx.dirty = true
	return out, nil
}

// Move reorders the ledger. Both ids must be in range and differ.
func (tx *LedgerTx) Move(from, to int) error {
	n := len(tx.requests)
	if from < 1 || from > n || to < 1 || to > n {
		return fmt.Errorf("move #%d → #%d with %d requests: %w", from, to, n, ErrInvalidRange)
	}
	if from == to {
		return fmt.Errorf("move #%d onto itself: %w", from, ErrInvalidRange)
	}
	r := tx.requests[from-1]
	tx.requests = append(tx.requests[:from-1], tx.requests[from:]...)
	tx.requests = append(tx.requests[:to-1], append([]models.Request{r}, tx.requests[to-1:]...)...)
	tx.renumber()
	tx.dirty = true
	return nil
}

// Contribute credits amount from identity to the request at id.
func (tx *LedgerTx) Contribute(id int, identity string, amount int64) (*ContributionResult, error) {
	r, err := tx.At(id)
	if err != nil {
		return nil, err
	}
	res := &ContributionResult{
		Previous:           r.Clone(),
		Position:           id,
		WasAlreadyComplete: tx.svc.Policy == FlagOnComplete && r.Completed,
	}
	r.AddContribution(identity, amount)
	r.UpdatedAt = tx.svc.now()
	res.Request = r.Clone()
	res.Completed, res.Removed = tx.settle(id)
	res.Request.Completed = res.Completed
	tx.dirty = true
	return res, nil
}

// Subtract takes amount back from identity on the request at id. It never completes or
// removes anything; on a push ledger it may clear the completed flag.
func (tx *LedgerTx) Subtract(id int, identity string, amount int64) error {
	r, err := tx.At(id)
	if err != nil {
		return err
	}
	r.SubtractContribution(identity, amount)
	r.UpdatedAt = tx.svc.now()
	if tx.svc.Policy == FlagOnComplete {
		r.Completed = r.Satisfied()
	}
	tx.dirty = true
	return nil
}

// Update applies patch to the request at id.
func (tx *LedgerTx) Update(id int, patch RequestPatch) (*UpdateResult, error) {
	r, err := tx.At(id)
	if err != nil {
		return nil, err
	}
	res := &UpdateResult{Previous: r.Clone(), Position: id}
	if patch.AmountSent != nil {
		r.AmountSent = *patch.AmountSent
	}
	if patch.AmountNeeded != nil {
		r.AmountNeeded = *patch.AmountNeeded
	}
	if patch.Note != nil {
		r.Note = *patch.Note
	}
	r.UpdatedAt = tx.svc.now()
	res.Request = r.Clone()
	res.Completed, res.Removed = tx.settle(id)
	res.Request.Completed = res.Completed
	tx.dirty = true
	return res, nil
}

// Unarchive drops the request with key from the recently-completed list on save.
func (tx *LedgerTx) Unarchive(key string) {
	tx.unarchive = append(tx.unarchive, key)
	tx.dirty = true
}

// settle applies the completion policy to the request at id.
func (tx *LedgerTx) settle(id int) (completed, removed bool) {
	r := &tx.requests[id-1]
	if tx.svc.Policy == FlagOnComplete {
		r.Completed = r.Satisfied()
		return r.Completed, false
	}
	if !r.Satisfied() {
		return false, false
	}
	tx.archive = append(tx.archive, models.NewCompletedRequest(r, tx.svc.now()))
	tx.requests = append(tx.requests[:id-1], tx.requests[id:]...)
	tx.renumber()
	return true, true
}

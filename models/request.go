package models

import (
	"fmt"
	"time"
)

// LedgerKind separates the two parallel request ledgers a guild keeps.
type LedgerKind string

const (
	LedgerDefense LedgerKind = "defense"
	LedgerPush    LedgerKind = "push"
)

// ParseLedgerKind accepts the route/command spelling of a ledger kind.
func ParseLedgerKind(s string) (LedgerKind, bool) {
	switch LedgerKind(s) {
	case LedgerDefense, LedgerPush:
		return LedgerKind(s), true
	}
	return "", false
}

// Contributor is one identity's running total toward a request.
// Identity is a user id on defense requests and an in-game account name on push requests.
type Contributor struct {
	Identity string `json:"identity" msgpack:"identity"`
	Amount   int64  `json:"amount" msgpack:"amount"`
}

// Request is a single defense or push call.
// Position is the 1-based number shown to users; it is rewritten on every save and is
// only meaningful for the moment it was read. ID is the stable key.
type Request struct {
	ID               string        `gorm:"primaryKey;type:varchar(36)" json:"id" msgpack:"id"`
	GuildID          string        `gorm:"index:idx_requests_ledger,priority:1;not null" json:"guild_id" msgpack:"guild_id"`
	Kind             LedgerKind    `gorm:"type:varchar(16);index:idx_requests_ledger,priority:2;not null" json:"kind" msgpack:"kind"`
	Position         int           `gorm:"not null;default:0" json:"position" msgpack:"position"`
	X                int           `gorm:"not null" json:"x" msgpack:"x"`
	Y                int           `gorm:"not null" json:"y" msgpack:"y"`
	AmountSent       int64         `gorm:"not null;default:0" json:"amount_sent" msgpack:"amount_sent"`
	AmountNeeded     int64         `gorm:"not null" json:"amount_needed" msgpack:"amount_needed"`
	Note             string        `gorm:"type:text" json:"note" msgpack:"note"`
	RequesterID      string        `gorm:"index" json:"requester_id" msgpack:"requester_id"`
	RequesterAccount string        `json:"requester_account,omitempty" msgpack:"requester_account"`
	Completed        bool          `gorm:"default:false" json:"completed" msgpack:"completed"` // push only
	Contributors     []Contributor `gorm:"serializer:json" json:"contributors" msgpack:"contributors"`
	CreatedAt        time.Time     `gorm:"autoCreateTime" json:"created_at" msgpack:"created_at"`
	UpdatedAt        time.Time     `gorm:"autoUpdateTime" json:"updated_at" msgpack:"updated_at"`
}

// TableName keeps both ledgers in one table, split by guild_id + kind.
func (Request) TableName() string {
	return "ledger_requests"
}

// Coords renders the village coordinates the way players type them.
func (r *Request) Coords() string {
	return fmt.Sprintf("(%d|%d)", r.X, r.Y)
}

// Satisfied reports whether the request has received everything it asked for.
func (r *Request) Satisfied() bool {
	return r.AmountSent >= r.AmountNeeded
}

// Progress returns the fulfilled share in percent, capped at 100.
func (r *Request) Progress() float64 {
	if r.AmountNeeded <= 0 {
		return 100
	}
	p := float64(r.AmountSent) * 100 / float64(r.AmountNeeded)
	if p > 100 {
		return 100
	}
	return p
}

// ContributionOf returns how much identity has sent so far.
func (r *Request) ContributionOf(identity string) int64 {
	for _, c := range r.Contributors {
		if c.Identity == identity {
			return c.Amount
		}
	}
	return 0
}

// AddContribution credits amount to identity and to the request total.
func (r *Request) AddContribution(identity string, amount int64) {
	r.AmountSent += amount
	for i := range r.Contributors {
		if r.Contributors[i].Identity == identity {
			r.Contributors[i].Amount += amount
			return
		}
	}
	r.Contributors = append(r.Contributors, Contributor{Identity: identity, Amount: amount})
}

// SubtractContribution is the inverse of AddContribution. The total never drops below
// zero and a contributor whose amount reaches zero is removed.
func (r *Request) SubtractContribution(identity string, amount int64) {
	r.AmountSent -= amount
	if r.AmountSent < 0 {
		r.AmountSent = 0
	}
	for i := range r.Contributors {
		if r.Contributors[i].Identity != identity {
			continue
		}
		r.Contributors[i].Amount -= amount
		if r.Contributors[i].Amount <= 0 {
			r.Contributors = append(r.Contributors[:i], r.Contributors[i+1:]...)
		}
		return
	}
}

// Clone returns a copy that shares no slices with r.
func (r *Request) Clone() *Request {
	out := *r
	if r.Contributors != nil {
		out.Contributors = make([]Contributor, len(r.Contributors))
		copy(out.Contributors, r.Contributors)
	}
	return &out
}

package models

import "time"

// ChangeKind tags which ledger mutation an Action recorded.
type ChangeKind string

const (
	ChangeAdd          ChangeKind = "add"
	ChangeEdit         ChangeKind = "edit"
	ChangeContribution ChangeKind = "contribution"
	ChangeDelete       ChangeKind = "delete"
	ChangeMove         ChangeKind = "move"
)

// Action is one entry of a guild's undo log.
// Previous and Payload are msgpack blobs; services.Change is the decoded form of Payload.
type Action struct {
	GuildID      string     `gorm:"primaryKey;type:varchar(32)" json:"guild_id"`
	ID           int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Ledger       LedgerKind `gorm:"type:varchar(16);not null" json:"ledger"`
	Kind         ChangeKind `gorm:"type:varchar(16);not null" json:"kind"`
	ActorID      string     `gorm:"not null" json:"actor_id"`
	X            int        `json:"x"`
	Y            int        `json:"y"`
	PositionalID int        `json:"positional_id"`
	RequestKey   string     `gorm:"type:varchar(36)" json:"request_key"`
	Previous     []byte     `json:"previous,omitempty"`
	Payload      []byte     `json:"payload,omitempty"`
	Undone       bool       `gorm:"default:false" json:"undone"`
	UndoneBy     string     `json:"undone_by,omitempty"`
	UndoneAt     *time.Time `json:"undone_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (Action) TableName() string {
	return "ledger_actions"
}

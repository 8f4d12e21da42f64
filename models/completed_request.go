package models

import "time"

// CompletedRequest is the display-only trace a defense request leaves behind once it is
// filled and removed from the ledger.
type CompletedRequest struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	GuildID      string    `gorm:"index;not null" json:"guild_id"`
	RequestID    string    `gorm:"index;type:varchar(36);not null" json:"request_id"`
	X            int       `json:"x"`
	Y            int       `json:"y"`
	AmountSent   int64     `json:"amount_sent"`
	AmountNeeded int64     `json:"amount_needed"`
	Note         string    `gorm:"type:text" json:"note"`
	RequesterID  string    `json:"requester_id"`
	CompletedAt  time.Time `gorm:"index;not null" json:"completed_at"`
}

func (CompletedRequest) TableName() string {
	return "completed_requests"
}

// NewCompletedRequest captures r at the moment it was filled.
func NewCompletedRequest(r *Request, at time.Time) CompletedRequest {
	return CompletedRequest{
		GuildID:      r.GuildID,
		RequestID:    r.ID,
		X:            r.X,
		Y:            r.Y,
		AmountSent:   r.AmountSent,
		AmountNeeded: r.AmountNeeded,
		Note:         r.Note,
		RequesterID:  r.RequesterID,
		CompletedAt:  at,
	}
}

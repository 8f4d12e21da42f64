package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestContributions(t *testing.T) {
	r := &Request{AmountNeeded: 1000}
	r.AddContribution("u1", 300)
	r.AddContribution("u2", 200)
	r.AddContribution("u1", 100)

	assert.Equal(t, int64(600), r.AmountSent)
	assert.Equal(t, int64(400), r.ContributionOf("u1"))
	assert.Equal(t, int64(0), r.ContributionOf("nobody"))
	assert.InDelta(t, 60.0, r.Progress(), 0.001)
	assert.False(t, r.Satisfied())

	r.SubtractContribution("u1", 400)
	assert.Equal(t, []Contributor{{Identity: "u2", Amount: 200}}, r.Contributors)
	assert.Equal(t, int64(200), r.AmountSent)

	r.SubtractContribution("u2", 900)
	assert.Equal(t, int64(0), r.AmountSent)
	assert.Empty(t, r.Contributors)
}

func TestRequestProgressCaps(t *testing.T) {
	r := &Request{AmountNeeded: 100, AmountSent: 250}
	assert.True(t, r.Satisfied())
	assert.Equal(t, 100.0, r.Progress())
	assert.Equal(t, "(-3|7)", (&Request{X: -3, Y: 7}).Coords())
}

func TestRequestClone(t *testing.T) {
	r := &Request{ID: "k", Contributors: []Contributor{{Identity: "u1", Amount: 5}}}
	c := r.Clone()
	c.Contributors[0].Amount = 99
	c.AddContribution("u2", 1)

	assert.Equal(t, int64(5), r.Contributors[0].Amount)
	assert.Len(t, r.Contributors, 1)
}

func TestParseLedgerKind(t *testing.T) {
	k, ok := ParseLedgerKind("push")
	require.True(t, ok)
	assert.Equal(t, LedgerPush, k)

	_, ok = ParseLedgerKind("Defense")
	assert.False(t, ok)
}

func TestNewCompletedRequest(t *testing.T) {
	at := time.Now()
	c := NewCompletedRequest(&Request{ID: "k", GuildID: "g", X: 1, Y: 2, AmountSent: 10, AmountNeeded: 10}, at)
	assert.Equal(t, "k", c.RequestID)
	assert.Equal(t, "g", c.GuildID)
	assert.Equal(t, at, c.CompletedAt)
}

package services

import (
	"context"
	"sync"
	"testing"

	"guild-ledger/models"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const guild = "g1"

func newLedgers(t *testing.T, maxActive int) (*LedgerService, *LedgerService, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	locks := NewGuildLocks()
	return NewDefenseLedger(store, locks, maxActive), NewPushLedger(store, locks, maxActive), store
}

func addAt(t *testing.T, l *LedgerService, x, y int, needed int64) *models.Request {
	t.Helper()
	r, _, err := l.Add(context.Background(), guild, NewRequest{X: x, Y: y, AmountNeeded: needed, RequesterID: "u1"})
	require.NoError(t, err)
	return r
}

func keys(t *testing.T, l *LedgerService) []string {
	t.Helper()
	list, err := l.List(context.Background(), guild)
	require.NoError(t, err)
	out := make([]string, len(list))
	for i := range list {
		out[i] = list[i].ID
	}
	return out
}

func TestAdd(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns positions in order", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		_, pos1, err := defense.Add(ctx, guild, NewRequest{X: 1, Y: 1, AmountNeeded: 10})
		require.NoError(t, err)
		_, pos2, err := defense.Add(ctx, guild, NewRequest{X: 2, Y: 2, AmountNeeded: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, pos1)
		assert.Equal(t, 2, pos2)

		r, err := defense.Get(ctx, guild, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, r.X)
		assert.Equal(t, 2, r.Position)
	})

	t.Run("rejects the request past capacity", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		for i := 0; i < DefaultMaxActiveRequests; i++ {
			addAt(t, defense, i, i, 100)
		}
		_, _, err := defense.Add(ctx, guild, NewRequest{X: 99, Y: 99, AmountNeeded: 100})
		assert.ErrorIs(t, err, ErrCapacityExceeded)

		list, err := defense.List(ctx, guild)
		require.NoError(t, err)
		assert.Len(t, list, DefaultMaxActiveRequests)
	})

	t.Run("allows duplicate coordinates", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		addAt(t, defense, 5, 5, 100)
		addAt(t, defense, 5, 5, 200)

		matches, err := defense.FindByCoords(ctx, guild, 5, 5)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, 1, matches[0].Position)
		assert.Equal(t, 2, matches[1].Position)
		assert.Equal(t, int64(200), matches[1].Request.AmountNeeded)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		_, _, err := defense.Add(ctx, guild, NewRequest{X: 1, Y: 1, AmountNeeded: 0})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("keeps guilds apart", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 1)
		addAt(t, defense, 1, 1, 10)
		_, pos, err := defense.Add(ctx, "other", NewRequest{X: 1, Y: 1, AmountNeeded: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, pos)
	})
}

func TestGet_NotFound(t *testing.T) {
	defense, _, _ := newLedgers(t, 0)
	addAt(t, defense, 1, 1, 10)

	for _, id := range []int{0, 2, -1} {
		_, err := defense.Get(context.Background(), guild, id)
		assert.ErrorIs(t, err, ErrNotFound, "id %d", id)
	}
}

func TestReportContribution_IsAdditive(t *testing.T) {
	ctx := context.Background()
	split, _, _ := newLedgers(t, 0)
	once, _, _ := newLedgers(t, 0)
	addAt(t, split, 1, 1, 1000)
	addAt(t, once, 1, 1, 1000)

	_, err := split.ReportContribution(ctx, guild, 1, "u2", 120)
	require.NoError(t, err)
	a, err := split.ReportContribution(ctx, guild, 1, "u2", 80)
	require.NoError(t, err)
	b, err := once.ReportContribution(ctx, guild, 1, "u2", 200)
	require.NoError(t, err)

	assert.Equal(t, b.Request.AmountSent, a.Request.AmountSent)
	assert.Equal(t, b.Request.ContributionOf("u2"), a.Request.ContributionOf("u2"))
	assert.Len(t, a.Request.Contributors, 1)
	assert.Equal(t, int64(120), a.Previous.AmountSent)
}

func TestReportContribution_DefenseCompletionRemoves(t *testing.T) {
	ctx := context.Background()
	defense, _, _ := newLedgers(t, 0)
	first := addAt(t, defense, 10, 20, 500)
	second := addAt(t, defense, 30, 40, 500)

	res, err := defense.ReportContribution(ctx, guild, 1, "u2", 300)
	require.NoError(t, err)
	assert.False(t, res.Completed)

	res, err = defense.ReportContribution(ctx, guild, 1, "u3", 200)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.True(t, res.Removed)
	assert.False(t, res.WasAlreadyComplete)
	assert.Equal(t, first.ID, res.Request.ID)
	assert.Equal(t, int64(500), res.Request.AmountSent)

	r, err := defense.Get(ctx, guild, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, r.ID, "position 1 is reused by the next request")

	_, err = defense.Get(ctx, guild, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	done, err := defense.RecentlyCompleted(ctx, guild, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, first.ID, done[0].RequestID)
	assert.Equal(t, 10, done[0].X)
	assert.Equal(t, 20, done[0].Y)
}

func TestReportContribution_PushCompletionStaysListed(t *testing.T) {
	ctx := context.Background()
	_, push, _ := newLedgers(t, 0)
	addAt(t, push, 10, 20, 1000)

	res, err := push.ReportContribution(ctx, guild, 1, "acc1", 1000)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.False(t, res.Removed)
	assert.False(t, res.WasAlreadyComplete)

	r, err := push.Get(ctx, guild, 1)
	require.NoError(t, err)
	assert.True(t, r.Completed)
	assert.Equal(t, int64(1000), r.AmountSent)

	res, err = push.ReportContribution(ctx, guild, 1, "acc2", 50)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.True(t, res.WasAlreadyComplete)
	assert.Equal(t, int64(1050), res.Request.AmountSent)
}

func TestReportContribution_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	defense, _, _ := newLedgers(t, 0)
	addAt(t, defense, 1, 1, 10)

	_, err := defense.ReportContribution(ctx, guild, 1, "u1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = defense.ReportContribution(ctx, guild, 7, "u1", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubtractContribution(t *testing.T) {
	ctx := context.Background()

	t.Run("removes a contributor that drops to zero", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		addAt(t, defense, 1, 1, 1000)
		_, err := defense.ReportContribution(ctx, guild, 1, "u1", 100)
		require.NoError(t, err)
		_, err = defense.ReportContribution(ctx, guild, 1, "u2", 50)
		require.NoError(t, err)

		r, err := defense.SubtractContribution(ctx, guild, 1, "u1", 100)
		require.NoError(t, err)
		assert.Equal(t, int64(50), r.AmountSent)
		assert.Equal(t, []models.Contributor{{Identity: "u2", Amount: 50}}, r.Contributors)
	})

	t.Run("floors the total at zero", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		addAt(t, defense, 1, 1, 1000)
		_, err := defense.ReportContribution(ctx, guild, 1, "u1", 10)
		require.NoError(t, err)

		r, err := defense.SubtractContribution(ctx, guild, 1, "u1", 500)
		require.NoError(t, err)
		assert.Equal(t, int64(0), r.AmountSent)
		assert.Empty(t, r.Contributors)
	})

	t.Run("clears the push completed flag", func(t *testing.T) {
		_, push, _ := newLedgers(t, 0)
		addAt(t, push, 1, 1, 100)
		_, err := push.ReportContribution(ctx, guild, 1, "acc", 100)
		require.NoError(t, err)

		r, err := push.SubtractContribution(ctx, guild, 1, "acc", 1)
		require.NoError(t, err)
		assert.False(t, r.Completed)
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	i64 := func(v int64) *int64 { return &v }
	str := func(v string) *string { return &v }

	t.Run("overwrites fields", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		addAt(t, defense, 1, 1, 1000)

		res, err := defense.Update(ctx, guild, 1, RequestPatch{AmountNeeded: i64(2000), Note: str("walls first")})
		require.NoError(t, err)
		assert.False(t, res.Removed)
		assert.Equal(t, int64(1000), res.Previous.AmountNeeded)

		r, err := defense.Get(ctx, guild, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2000), r.AmountNeeded)
		assert.Equal(t, "walls first", r.Note)
	})

	t.Run("defense completion by edit removes and archives", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		addAt(t, defense, 1, 1, 1000)

		res, err := defense.Update(ctx, guild, 1, RequestPatch{AmountSent: i64(1000)})
		require.NoError(t, err)
		assert.True(t, res.Completed)
		assert.True(t, res.Removed)

		list, err := defense.List(ctx, guild)
		require.NoError(t, err)
		assert.Empty(t, list)
		done, err := defense.RecentlyCompleted(ctx, guild, 0)
		require.NoError(t, err)
		assert.Len(t, done, 1)
	})

	t.Run("push recomputes completed", func(t *testing.T) {
		_, push, _ := newLedgers(t, 0)
		addAt(t, push, 1, 1, 1000)
		_, err := push.ReportContribution(ctx, guild, 1, "acc", 1000)
		require.NoError(t, err)

		res, err := push.Update(ctx, guild, 1, RequestPatch{AmountNeeded: i64(5000)})
		require.NoError(t, err)
		assert.False(t, res.Completed)

		r, err := push.Get(ctx, guild, 1)
		require.NoError(t, err)
		assert.False(t, r.Completed)
	})

	t.Run("rejects invalid thresholds", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		addAt(t, defense, 1, 1, 1000)
		_, err := defense.Update(ctx, guild, 1, RequestPatch{AmountNeeded: i64(0)})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = defense.Update(ctx, guild, 1, RequestPatch{AmountSent: i64(-1)})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestRemove_ShiftsLaterRequests(t *testing.T) {
	ctx := context.Background()
	defense, _, _ := newLedgers(t, 0)
	a := addAt(t, defense, 1, 1, 10)
	b := addAt(t, defense, 2, 2, 10)
	c := addAt(t, defense, 3, 3, 10)

	removed, err := defense.Remove(ctx, guild, 2)
	require.NoError(t, err)
	assert.Equal(t, b.ID, removed.ID)
	assert.Equal(t, []string{a.ID, c.ID}, keys(t, defense))

	_, err = defense.Remove(ctx, guild, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMove(t *testing.T) {
	ctx := context.Background()

	t.Run("moves first to last", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		a := addAt(t, defense, 1, 1, 10)
		b := addAt(t, defense, 2, 2, 10)
		c := addAt(t, defense, 3, 3, 10)

		moved, err := defense.Move(ctx, guild, 1, 3)
		require.NoError(t, err)
		assert.Equal(t, a.ID, moved.ID)
		assert.Equal(t, 3, moved.Position)
		assert.Equal(t, []string{b.ID, c.ID, a.ID}, keys(t, defense))
	})

	t.Run("round trip restores the order", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		for i := 0; i < 5; i++ {
			addAt(t, defense, i, i, 10)
		}
		before := keys(t, defense)

		for _, mv := range [][2]int{{1, 5}, {4, 2}, {3, 4}} {
			_, err := defense.Move(ctx, guild, mv[0], mv[1])
			require.NoError(t, err)
			_, err = defense.Move(ctx, guild, mv[1], mv[0])
			require.NoError(t, err)
			if diff := cmp.Diff(before, keys(t, defense)); diff != "" {
				t.Fatalf("order changed after move %v and back (-want +got):\n%s", mv, diff)
			}
		}
	})

	t.Run("rejects bad ranges", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		addAt(t, defense, 1, 1, 10)
		addAt(t, defense, 2, 2, 10)

		for _, mv := range [][2]int{{1, 1}, {0, 1}, {1, 3}, {3, 1}} {
			_, err := defense.Move(ctx, guild, mv[0], mv[1])
			assert.ErrorIs(t, err, ErrInvalidRange, "move %v", mv)
		}
	})
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("appends with contributors", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		addAt(t, defense, 1, 1, 10)
		snap := &models.Request{ID: "k-restored", X: 7, Y: 8, AmountNeeded: 300, AmountSent: 40,
			Contributors: []models.Contributor{{Identity: "u9", Amount: 40}}}

		pos, err := defense.Restore(ctx, guild, snap)
		require.NoError(t, err)
		assert.Equal(t, 2, pos)

		r, err := defense.Get(ctx, guild, 2)
		require.NoError(t, err)
		assert.Equal(t, "k-restored", r.ID)
		assert.Equal(t, snap.Contributors, r.Contributors)
	})

	t.Run("gets a fresh key when the old one is listed", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 0)
		orig := addAt(t, defense, 1, 1, 10)

		pos, err := defense.Restore(ctx, guild, orig)
		require.NoError(t, err)
		r, err := defense.Get(ctx, guild, pos)
		require.NoError(t, err)
		assert.NotEqual(t, orig.ID, r.ID)
	})

	t.Run("respects capacity", func(t *testing.T) {
		defense, _, _ := newLedgers(t, 2)
		addAt(t, defense, 1, 1, 10)
		addAt(t, defense, 2, 2, 10)

		_, err := defense.Restore(ctx, guild, &models.Request{X: 3, Y: 3, AmountNeeded: 10})
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assert.Len(t, keys(t, defense), 2)
	})
}

func TestReportContribution_ConcurrentReportsAreSerialized(t *testing.T) {
	ctx := context.Background()
	defense, _, _ := newLedgers(t, 0)
	addAt(t, defense, 1, 1, 1_000_000)

	const workers = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := defense.ReportContribution(ctx, guild, 1, "u1", 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	r, err := defense.Get(ctx, guild, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2*workers), r.AmountSent)
	assert.Equal(t, int64(2*workers), r.ContributionOf("u1"))
}

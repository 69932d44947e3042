package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/engine/internal/model"
)

// An unreachable Redis must degrade to the primary store, never fail reads
// or writes.
func TestCachedStore_UnavailableRedisFallsThrough(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	primary := NewMemoryStore()
	st := NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()

	u := &model.User{ID: "u1", Balance: decimal.NewFromInt(100), CreatedAt: base, UpdatedAt: base}
	require.NoError(t, st.CreateUser(ctx, u))

	p := newPosition("p1", "u1", "m1", model.OutcomeYes, base)
	require.NoError(t, st.Commit(ctx, &Mutation{Positions: []*model.Position{p}}))

	ps, err := st.ListPositions(ctx, "u1", model.StatusOpen)
	require.NoError(t, err)
	assert.Len(t, ps, 1)

	n, err := st.CountTrades(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	res, err := st.RecordResolution(ctx, &model.Resolution{EventID: "evt-m1", WinningOutcome: model.OutcomeYes, ResolvedAt: base})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeYes, res.WinningOutcome)

	got, err := st.GetResolution(ctx, "evt-m1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeYes, got.WinningOutcome)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "positions:u1:all", positionsKey("u1", ""))
	assert.Equal(t, "positions:u1:open", positionsKey("u1", model.StatusOpen))
	assert.Equal(t, "trades:count:u1", tradeCountKey("u1"))
	assert.Equal(t, "resolution:e1", resolutionKey("e1"))
}

package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/grant"
	"github.com/warp/loyalty-engine/ingest"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
)

var testNow = time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*ingest.Ingestor, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	rules := grant.NewMemoryRules()
	dir := store.NewDirectory()
	dir.Add(ledger.Member{ID: "m-1", CreatedAt: testNow.AddDate(-1, 0, 0), IsActive: true})

	eng := grant.NewEngine(mem, rules, dir, &ledger.KeyedMutex{}, zerolog.Nop())
	eng.Now = func() time.Time { return testNow }

	ctx := context.Background()
	require.NoError(t, eng.CreateRule(ctx, grant.GrantRule{
		ID:          "order-bonus",
		Name:        "order bonus",
		Trigger:     grant.TriggerEvent,
		EventKey:    grant.EventOrderComplete,
		PointType:   grant.PointsFixed,
		FixedPoints: 30,
		Expiry:      grant.ExpiryPolicy{Mode: grant.ExpiryDaysFromGrant, Days: 60},
		Audience:    grant.AudienceEventBoundMember,
	}))
	require.NoError(t, eng.EnableRule(ctx, "order-bonus"))

	return ingest.New(eng, mem, zerolog.Nop()), mem
}

func TestSubmit_GrantsOnFirstDelivery(t *testing.T) {
	ing, mem := setup(t)

	affected, err := ing.Submit(context.Background(), grant.Event{
		Type: grant.EventOrderComplete, MemberID: "m-1",
		OrderID: "o-1", Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	balance, _ := mem.MemberBalance(context.Background(), "m-1", testNow)
	assert.Equal(t, int64(30), balance)
}

func TestSubmit_ReplayReturnsOriginalCount(t *testing.T) {
	// GIVEN: an already-processed delivery
	// WHEN: the same delivery arrives again
	// THEN: the response reports the original affected count and no new lot

	ing, mem := setup(t)
	ev := grant.Event{
		Type: grant.EventOrderComplete, MemberID: "m-1",
		OrderID: "o-1", Amount: decimal.NewFromInt(100),
	}

	first, err := ing.Submit(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, 1, first)

	replay, err := ing.Submit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, replay, "replay must report the original count")

	balance, _ := mem.MemberBalance(context.Background(), "m-1", testNow)
	assert.Equal(t, int64(30), balance, "replay must not grant again")
}

func TestSubmit_DistinctOrdersAreDistinctDeliveries(t *testing.T) {
	ing, mem := setup(t)
	ctx := context.Background()

	for _, orderID := range []string{"o-1", "o-2"} {
		affected, err := ing.Submit(ctx, grant.Event{
			Type: grant.EventOrderComplete, MemberID: "m-1",
			OrderID: orderID, Amount: decimal.NewFromInt(100),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, affected)
	}

	balance, _ := mem.MemberBalance(ctx, "m-1", testNow)
	assert.Equal(t, int64(60), balance)
}

func TestSubmit_InvalidEventRejected(t *testing.T) {
	ing, _ := setup(t)
	_, err := ing.Submit(context.Background(), grant.Event{Type: grant.EventOrderComplete})
	assert.True(t, ledger.IsClientError(err), "got %v", err)
}

package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/grant"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/store/sqlite"
)

var testNow = time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLot(member string, points int64, expiresInDays int) ledger.PointLot {
	return ledger.PointLot{
		ID:              ledger.LotID(uuid.NewString()),
		MemberID:        ledger.MemberID(member),
		RuleID:          "rule-1",
		GrantKey:        uuid.NewString(),
		PointsGranted:   points,
		RemainingPoints: points,
		Reason:          "test grant",
		CreatedAt:       testNow,
		ExpiresAt:       testNow.AddDate(0, 0, expiresInDays),
	}
}

// =============================================================================
// LOTS
// =============================================================================

func TestAppendLot_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testLot("m-1", 100, 30)
	require.NoError(t, s.AppendLot(ctx, in))

	lots, err := s.EligibleLots(ctx, "m-1", testNow)
	require.NoError(t, err)
	require.Len(t, lots, 1)

	got := lots[0]
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, in.RuleID, got.RuleID)
	assert.Equal(t, in.GrantKey, got.GrantKey)
	assert.Equal(t, in.PointsGranted, got.PointsGranted)
	assert.Equal(t, in.RemainingPoints, got.RemainingPoints)
	assert.Equal(t, in.Reason, got.Reason)
	assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, in.ExpiresAt.Equal(got.ExpiresAt))
}

func TestAppendLot_DuplicateGrantKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testLot("m-1", 10, 30)
	require.NoError(t, s.AppendLot(ctx, first))

	dup := testLot("m-1", 10, 30)
	dup.GrantKey = first.GrantKey
	err := s.AppendLot(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicateGrant)

	exists, err := s.GrantKeyExists(ctx, first.GrantKey)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEligibleLots_OrderedAndFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	later := testLot("m-1", 10, 60)
	sooner := testLot("m-1", 20, 5)
	expired := testLot("m-1", 30, -1)
	drained := testLot("m-1", 40, 30)
	drained.RemainingPoints = 0
	for _, l := range []ledger.PointLot{later, sooner, expired, drained} {
		require.NoError(t, s.AppendLot(ctx, l))
	}

	lots, err := s.EligibleLots(ctx, "m-1", testNow)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, sooner.ID, lots[0].ID, "soonest expiry first")
	assert.Equal(t, later.ID, lots[1].ID)

	balance, err := s.MemberBalance(ctx, "m-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
}

func TestEligibleLots_SubSecondExpiryOrdering(t *testing.T) {
	// Expiries that differ only in the fractional second must still order
	// and filter correctly. Timestamps are compared as strings in SQL, so
	// a whole-second instant (fraction all zeros, as end-of-week and
	// fixed-date expiries produce) must not encode shorter than one with
	// a fraction.

	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC)

	onSecond := testLot("m-1", 10, 0)
	onSecond.ExpiresAt = base
	later := testLot("m-1", 20, 0)
	later.ExpiresAt = base.Add(500 * time.Millisecond)
	require.NoError(t, s.AppendLot(ctx, later))
	require.NoError(t, s.AppendLot(ctx, onSecond))

	lots, err := s.EligibleLots(ctx, "m-1", testNow)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, onSecond.ID, lots[0].ID, "whole-second expiry sorts before the later sub-second one")
	assert.Equal(t, later.ID, lots[1].ID)

	// between the two expiries only the later lot is still live
	mid := base.Add(100 * time.Millisecond)
	lots, err = s.EligibleLots(ctx, "m-1", mid)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, later.ID, lots[0].ID)

	balance, err := s.MemberBalance(ctx, "m-1", mid)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

func TestExpiringLots_Window(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testLot("m-1", 10, 5)
	out := testLot("m-1", 20, 60)
	require.NoError(t, s.AppendLot(ctx, in))
	require.NoError(t, s.AppendLot(ctx, out))

	lots, err := s.ExpiringLots(ctx, "m-1", testNow, testNow.AddDate(0, 0, 30))
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, in.ID, lots[0].ID)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func TestApplyRedemption_DecrementsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l1 := testLot("m-1", 100, 5)
	l2 := testLot("m-1", 50, 30)
	require.NoError(t, s.AppendLot(ctx, l1))
	require.NoError(t, s.AppendLot(ctx, l2))

	redID := ledger.RedemptionID(uuid.NewString())
	err := s.ApplyRedemption(ctx,
		ledger.Redemption{ID: redID, MemberID: "m-1", TotalUsedPoints: 120, CreatedAt: testNow},
		[]ledger.RedemptionItem{
			{RedemptionID: redID, LotID: l1.ID, UsedPoints: 100},
			{RedemptionID: redID, LotID: l2.ID, UsedPoints: 20},
		})
	require.NoError(t, err)

	balance, err := s.MemberBalance(ctx, "m-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
}

func TestApplyRedemption_OverdrawRollsBack(t *testing.T) {
	// A stale snapshot that would overdraw a lot must fail with a conflict
	// and leave every lot untouched.

	s := newTestStore(t)
	ctx := context.Background()

	l1 := testLot("m-1", 100, 5)
	l2 := testLot("m-1", 50, 30)
	require.NoError(t, s.AppendLot(ctx, l1))
	require.NoError(t, s.AppendLot(ctx, l2))

	redID := ledger.RedemptionID(uuid.NewString())
	err := s.ApplyRedemption(ctx,
		ledger.Redemption{ID: redID, MemberID: "m-1", TotalUsedPoints: 160, CreatedAt: testNow},
		[]ledger.RedemptionItem{
			{RedemptionID: redID, LotID: l1.ID, UsedPoints: 100},
			{RedemptionID: redID, LotID: l2.ID, UsedPoints: 60}, // more than l2 holds
		})
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

	// the first decrement must have been rolled back with the failed one
	balance, err := s.MemberBalance(ctx, "m-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

// =============================================================================
// BUDGET QUERIES
// =============================================================================

func TestGrantedTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testLot("m-1", 10, 30)
	b := testLot("m-1", 20, 30)
	c := testLot("m-2", 40, 30)
	other := testLot("m-1", 99, 30)
	other.RuleID = "rule-2"
	for _, l := range []ledger.PointLot{a, b, c, other} {
		require.NoError(t, s.AppendLot(ctx, l))
	}

	total, err := s.GrantedTotal(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), total)

	monthStart := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	used, err := s.GrantedToMemberInRange(ctx, "rule-1", "m-1", monthStart, monthEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(30), used)
}

// =============================================================================
// EVENT LOG
// =============================================================================

func TestEventLog_RecordAndReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, _, err := s.SeenEvent(ctx, "OrderCompleted|m-1|o-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.RecordEvent(ctx, "OrderCompleted|m-1|o-1", 2))

	seen, affected, err := s.SeenEvent(ctx, "OrderCompleted|m-1|o-1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 2, affected)
}

// =============================================================================
// RULES
// =============================================================================

func TestRules_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	budget := int64(1000)
	in := grant.GrantRule{
		ID:          "cashback",
		Name:        "order cashback",
		Status:      grant.StatusDraft,
		Trigger:     grant.TriggerEvent,
		EventKey:    grant.EventOrderComplete,
		PointType:   grant.PointsPercentageOfAmount,
		Percent:     decimal.NewFromFloat(2.5),
		TotalBudget: &budget,
		Expiry:      grant.ExpiryPolicy{Mode: grant.ExpiryDaysFromGrant, Days: 180},
		Audience:    grant.AudienceEventBoundMember,
		Conditions: []grant.Condition{
			{Kind: grant.ConditionMinOrderAmount, MinAmount: decimal.NewFromInt(50)},
		},
	}
	require.NoError(t, s.CreateRule(ctx, in))

	got, err := s.Rule(ctx, "cashback")
	require.NoError(t, err)
	assert.Equal(t, in.Name, got.Name)
	assert.Equal(t, grant.StatusDraft, got.Status)
	assert.True(t, in.Percent.Equal(got.Percent))
	require.NotNil(t, got.TotalBudget)
	assert.Equal(t, budget, *got.TotalBudget)
	require.Len(t, got.Conditions, 1)
	assert.True(t, got.Conditions[0].MinAmount.Equal(decimal.NewFromInt(50)))

	got.Status = grant.StatusEnabled
	require.NoError(t, s.UpdateRule(ctx, got))

	list, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, grant.StatusEnabled, list[0].Status)
}

func TestRules_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Rule(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrRuleNotFound)
}

func TestCreateRule_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := grant.GrantRule{
		ID: "r-1", Name: "first", Status: grant.StatusDraft,
		Trigger: grant.TriggerSchedule, Cadence: grant.CadenceDaily,
		PointType: grant.PointsFixed, FixedPoints: 5,
		Expiry:   grant.ExpiryPolicy{Mode: grant.ExpiryDaysFromGrant, Days: 30},
		Audience: grant.AudienceAllMembers,
	}
	require.NoError(t, s.CreateRule(ctx, rule))
	assert.Error(t, s.CreateRule(ctx, rule))
}

// =============================================================================
// MEMBERS
// =============================================================================

func TestMembers_UpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMember(ctx, ledger.Member{
		ID: "m-1", CreatedAt: testNow.AddDate(-1, 0, 0), IsActive: true,
		BirthMonth: time.March, BirthDay: 14,
	}))
	require.NoError(t, s.UpsertMember(ctx, ledger.Member{
		ID: "m-2", CreatedAt: testNow, IsActive: false,
	}))

	m, err := s.Member(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, time.March, m.BirthMonth)
	assert.Equal(t, 14, m.BirthDay)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ledger.MemberID("m-1"), active[0].ID)

	// deactivation through upsert
	require.NoError(t, s.UpsertMember(ctx, ledger.Member{
		ID: "m-1", CreatedAt: testNow.AddDate(-1, 0, 0), IsActive: false,
	}))
	active, err = s.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.Member(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)
}

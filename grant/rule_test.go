package grant_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/grant"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// VALIDATION
// =============================================================================

func validScheduleRule() grant.GrantRule {
	return grant.GrantRule{
		ID:          "r-1",
		Name:        "weekly drip",
		Status:      grant.StatusDraft,
		Trigger:     grant.TriggerSchedule,
		PointType:   grant.PointsFixed,
		FixedPoints: 10,
		Expiry:      grant.ExpiryPolicy{Mode: grant.ExpiryDaysFromGrant, Days: 30},
		Audience:    grant.AudienceAllMembers,
		Cadence:     grant.CadenceWeekly,
	}
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*grant.GrantRule)
		wantErr bool
	}{
		{"valid schedule rule", func(r *grant.GrantRule) {}, false},
		{"missing id", func(r *grant.GrantRule) { r.ID = "" }, true},
		{"missing name", func(r *grant.GrantRule) { r.Name = "" }, true},
		{"unknown trigger", func(r *grant.GrantRule) { r.Trigger = "cron" }, true},
		{"schedule rule with event key", func(r *grant.GrantRule) { r.EventKey = "RegistrationCompleted" }, true},
		{"schedule rule without cadence", func(r *grant.GrantRule) { r.Cadence = "" }, true},
		{"schedule rule with event-bound audience", func(r *grant.GrantRule) { r.Audience = grant.AudienceEventBoundMember }, true},
		{"event rule", func(r *grant.GrantRule) {
			r.Trigger = grant.TriggerEvent
			r.EventKey = "RegistrationCompleted"
			r.Audience = grant.AudienceEventBoundMember
			r.Cadence = ""
		}, false},
		{"event rule without event key", func(r *grant.GrantRule) {
			r.Trigger = grant.TriggerEvent
			r.Audience = grant.AudienceEventBoundMember
			r.Cadence = ""
		}, true},
		{"event rule with broad audience", func(r *grant.GrantRule) {
			r.Trigger = grant.TriggerEvent
			r.EventKey = "RegistrationCompleted"
			r.Cadence = ""
		}, true},
		{"event rule with cadence", func(r *grant.GrantRule) {
			r.Trigger = grant.TriggerEvent
			r.EventKey = "RegistrationCompleted"
			r.Audience = grant.AudienceEventBoundMember
		}, true},
		{"fixed points zero", func(r *grant.GrantRule) { r.FixedPoints = 0 }, true},
		{"random range inverted", func(r *grant.GrantRule) {
			r.PointType = grant.PointsRandomRange
			r.MinPoints = 10
			r.MaxPoints = 5
		}, true},
		{"random range valid", func(r *grant.GrantRule) {
			r.PointType = grant.PointsRandomRange
			r.MinPoints = 5
			r.MaxPoints = 10
		}, false},
		{"percentage on schedule trigger", func(r *grant.GrantRule) {
			r.PointType = grant.PointsPercentageOfAmount
			r.Percent = decimal.NewFromInt(5)
		}, true},
		{"percentage on event trigger", func(r *grant.GrantRule) {
			r.Trigger = grant.TriggerEvent
			r.EventKey = "OrderCompleted"
			r.Audience = grant.AudienceEventBoundMember
			r.Cadence = ""
			r.PointType = grant.PointsPercentageOfAmount
			r.Percent = decimal.NewFromInt(5)
		}, false},
		{"negative budget", func(r *grant.GrantRule) {
			budget := int64(-1)
			r.TotalBudget = &budget
		}, true},
		{"new members audience without days", func(r *grant.GrantRule) { r.Audience = grant.AudienceNewMembers }, true},
		{"expiry days zero", func(r *grant.GrantRule) { r.Expiry = grant.ExpiryPolicy{Mode: grant.ExpiryDaysFromGrant} }, true},
		{"unknown condition kind", func(r *grant.GrantRule) {
			r.Conditions = []grant.Condition{{Kind: "phase_of_moon"}}
		}, true},
		{"amount condition on schedule trigger", func(r *grant.GrantRule) {
			r.Conditions = []grant.Condition{{Kind: grant.ConditionMinOrderAmount, MinAmount: decimal.NewFromInt(50)}}
		}, true},
		{"amount condition on event trigger", func(r *grant.GrantRule) {
			r.Trigger = grant.TriggerEvent
			r.EventKey = "OrderCompleted"
			r.Audience = grant.AudienceEventBoundMember
			r.Cadence = ""
			r.Conditions = []grant.Condition{{Kind: grant.ConditionMinOrderAmount, MinAmount: decimal.NewFromInt(50)}}
		}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule := validScheduleRule()
			tc.mutate(&rule)
			err := rule.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, ledger.IsClientError(err), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestCanTransition(t *testing.T) {
	assert.True(t, grant.CanTransition(grant.StatusDraft, grant.StatusEnabled))
	assert.True(t, grant.CanTransition(grant.StatusEnabled, grant.StatusDisabled))
	assert.True(t, grant.CanTransition(grant.StatusDisabled, grant.StatusEnabled))

	assert.False(t, grant.CanTransition(grant.StatusDraft, grant.StatusDisabled))
	assert.False(t, grant.CanTransition(grant.StatusEnabled, grant.StatusDraft))
	assert.False(t, grant.CanTransition(grant.StatusDisabled, grant.StatusDraft))
}

// =============================================================================
// CADENCE OCCURRENCES
// =============================================================================

func TestCadenceOccurrenceKey(t *testing.T) {
	at := time.Date(2026, time.September, 1, 15, 30, 0, 0, time.UTC)

	assert.Equal(t, "2026-09-01", grant.CadenceDaily.OccurrenceKey(at))
	assert.Equal(t, "2026-W36", grant.CadenceWeekly.OccurrenceKey(at))
	assert.Equal(t, "2026-09", grant.CadenceMonthly.OccurrenceKey(at))

	// same ISO week across a day boundary
	monday := time.Date(2026, time.August, 31, 1, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, time.September, 6, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, grant.CadenceWeekly.OccurrenceKey(monday), grant.CadenceWeekly.OccurrenceKey(sunday))
}

// =============================================================================
// EXPIRY POLICIES
// =============================================================================

func TestExpiryPolicy_DaysFromGrant(t *testing.T) {
	p := grant.ExpiryPolicy{Mode: grant.ExpiryDaysFromGrant, Days: 90}
	grantedAt := time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, grantedAt.AddDate(0, 0, 90), p.ExpiresAt(grantedAt, time.UTC))
}

func TestExpiryPolicy_FixedDate(t *testing.T) {
	date := time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC)
	p := grant.ExpiryPolicy{Mode: grant.ExpiryFixedDate, Date: date}
	assert.Equal(t, date, p.ExpiresAt(time.Now(), time.UTC))
}

func TestExpiryPolicy_EndOfWeek(t *testing.T) {
	p := grant.ExpiryPolicy{Mode: grant.ExpiryEndOfWeek}

	// Tuesday Sep 1 2026 expires Monday Sep 7 at midnight
	tuesday := time.Date(2026, time.September, 1, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, time.September, 7, 0, 0, 0, 0, time.UTC), p.ExpiresAt(tuesday, time.UTC))

	// a grant on Monday lives until the following Monday
	monday := time.Date(2026, time.September, 7, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, time.September, 14, 0, 0, 0, 0, time.UTC), p.ExpiresAt(monday, time.UTC))

	// Sunday rolls into the very next day
	sunday := time.Date(2026, time.September, 6, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, time.September, 7, 0, 0, 0, 0, time.UTC), p.ExpiresAt(sunday, time.UTC))
}

func TestExpiryPolicy_EndOfWeekHonorsLocation(t *testing.T) {
	p := grant.ExpiryPolicy{Mode: grant.ExpiryEndOfWeek}
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// Sunday 23:00 UTC is already Monday in Tokyo
	sundayUTC := time.Date(2026, time.September, 6, 23, 0, 0, 0, time.UTC)
	got := p.ExpiresAt(sundayUTC, tokyo)
	assert.Equal(t, time.Date(2026, time.September, 14, 0, 0, 0, 0, tokyo), got)
}

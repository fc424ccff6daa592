/*
Package grant provides the rule-driven point grant engine.

PURPOSE:
  Evaluates grant rules against schedule ticks or ingested business events
  and writes new point lots, under lifetime budget and per-user monthly
  limit constraints, with idempotency guarantees.

KEY CONCEPTS IN THIS FILE (rule.go):
  - GrantRule: trigger, audience, amount, budget, limit, expiry for one
    automatic issuance policy
  - RuleStatus: Draft -> Enabled <-> Disabled, administrative action only
  - Cadence: schedule descriptor, also the idempotency bucket for ticks

VALIDATION:
  Rule definitions are a closed set of typed variants, validated completely
  at creation/update time. An Enabled rule can never fail evaluation with an
  "unknown condition" or "unknown point type".

SEE ALSO:
  - condition.go: Typed condition variants
  - engine.go: RunSchedule / HandleEvent
  - expiry.go: Expiry policy computation
*/
package grant

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// RULE STATUS - Draft -> Enabled <-> Disabled
// =============================================================================

type RuleStatus string

const (
	StatusDraft    RuleStatus = "draft"
	StatusEnabled  RuleStatus = "enabled"
	StatusDisabled RuleStatus = "disabled"
)

// allowedTransitions encodes the administrative state machine. There are no
// automatic transitions, and disabling never retracts issued lots.
var allowedTransitions = map[RuleStatus][]RuleStatus{
	StatusDraft:    {StatusEnabled},
	StatusEnabled:  {StatusDisabled},
	StatusDisabled: {StatusEnabled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to RuleStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// TRIGGERS, AMOUNTS, AUDIENCES
// =============================================================================

type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
)

type PointType string

const (
	// PointsFixed grants a constant amount.
	PointsFixed PointType = "fixed"

	// PointsRandomRange grants a uniform integer in [MinPoints, MaxPoints].
	PointsRandomRange PointType = "random_range"

	// PointsPercentageOfAmount grants floor(eventAmount * Percent / 100).
	// The amount comes from the triggering event; zero if absent.
	PointsPercentageOfAmount PointType = "percentage_of_amount"
)

type Audience string

const (
	AudienceAllMembers       Audience = "all_members"
	AudienceNewMembers       Audience = "new_members_within_days"
	AudienceBirthdayToday    Audience = "birthday_today"
	AudienceEventBoundMember Audience = "event_bound_member"
)

// Cadence describes how often a schedule-triggered rule runs. It also
// defines the idempotency bucket for scheduled grants: re-running a tick
// inside the same bucket never double-grants.
type Cadence string

const (
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

// OccurrenceKey returns the idempotency bucket for a tick at the given time.
func (c Cadence) OccurrenceKey(at time.Time) string {
	switch c {
	case CadenceWeekly:
		year, week := at.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case CadenceMonthly:
		return at.Format("2006-01")
	default:
		return at.Format("2006-01-02")
	}
}

// =============================================================================
// GRANT RULE
// =============================================================================

// GrantRule is a configured policy for automatic point issuance.
type GrantRule struct {
	ID     ledger.RuleID `json:"id"`
	Name   string        `json:"name"`
	Status RuleStatus    `json:"status"`

	Trigger TriggerType `json:"trigger"`

	// EventKey names the business event for event-triggered rules, e.g.
	// "RegistrationCompleted" or a custom event key.
	EventKey string `json:"eventKey,omitempty"`

	Conditions []Condition `json:"conditions,omitempty"`

	PointType   PointType       `json:"pointType"`
	FixedPoints int64           `json:"fixedPoints,omitempty"`
	MinPoints   int64           `json:"minPoints,omitempty"`
	MaxPoints   int64           `json:"maxPoints,omitempty"`
	Percent     decimal.Decimal `json:"percent,omitempty"`

	// TotalBudget is the lifetime cap on points this rule may ever issue.
	// nil means uncapped.
	TotalBudget *int64 `json:"totalBudget,omitempty"`

	// PerUserMonthlyLimit caps what one member may receive from this rule
	// in a calendar month. nil means unlimited.
	PerUserMonthlyLimit *int64 `json:"perUserMonthlyLimit,omitempty"`

	Expiry ExpiryPolicy `json:"expiry"`

	Audience Audience `json:"audience"`

	// NewMemberDays qualifies AudienceNewMembers: created within N days of now.
	NewMemberDays int `json:"newMemberDays,omitempty"`

	Cadence Cadence `json:"cadence,omitempty"`
}

// Validate rejects malformed definitions before the rule can ever be
// evaluated. Every variant field is checked here so evaluation never hits
// an unknown kind at runtime.
func (r GrantRule) Validate() error {
	if r.ID == "" {
		return &ledger.ValidationError{Field: "id", Message: "required"}
	}
	if r.Name == "" {
		return &ledger.ValidationError{Field: "name", Message: "required"}
	}

	switch r.Status {
	case StatusDraft, StatusEnabled, StatusDisabled:
	default:
		return &ledger.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", r.Status)}
	}

	switch r.Trigger {
	case TriggerSchedule:
		if r.EventKey != "" {
			return &ledger.ValidationError{Field: "eventKey", Message: "not allowed on schedule rules"}
		}
		if r.Audience == AudienceEventBoundMember {
			return &ledger.ValidationError{Field: "audience", Message: "event_bound_member requires an event trigger"}
		}
		switch r.Cadence {
		case CadenceDaily, CadenceWeekly, CadenceMonthly:
		default:
			return &ledger.ValidationError{Field: "cadence", Message: fmt.Sprintf("unknown cadence %q", r.Cadence)}
		}
	case TriggerEvent:
		if r.EventKey == "" {
			return &ledger.ValidationError{Field: "eventKey", Message: "required for event rules"}
		}
		if r.Audience != AudienceEventBoundMember {
			return &ledger.ValidationError{Field: "audience", Message: "event rules grant to the single event-bound member"}
		}
		if r.Cadence != "" {
			return &ledger.ValidationError{Field: "cadence", Message: "not allowed on event rules"}
		}
	default:
		return &ledger.ValidationError{Field: "trigger", Message: fmt.Sprintf("unknown trigger %q", r.Trigger)}
	}

	switch r.Audience {
	case AudienceAllMembers, AudienceBirthdayToday, AudienceEventBoundMember:
	case AudienceNewMembers:
		if r.NewMemberDays <= 0 {
			return &ledger.ValidationError{Field: "newMemberDays", Message: "must be positive"}
		}
	default:
		return &ledger.ValidationError{Field: "audience", Message: fmt.Sprintf("unknown audience %q", r.Audience)}
	}

	switch r.PointType {
	case PointsFixed:
		if r.FixedPoints <= 0 {
			return &ledger.ValidationError{Field: "fixedPoints", Message: "must be positive"}
		}
	case PointsRandomRange:
		if r.MinPoints <= 0 || r.MaxPoints < r.MinPoints {
			return &ledger.ValidationError{Field: "minPoints", Message: "need 0 < min <= max"}
		}
	case PointsPercentageOfAmount:
		if !r.Percent.IsPositive() {
			return &ledger.ValidationError{Field: "percent", Message: "must be positive"}
		}
		if r.Trigger != TriggerEvent {
			return &ledger.ValidationError{Field: "pointType", Message: "percentage_of_amount requires an event trigger"}
		}
	default:
		return &ledger.ValidationError{Field: "pointType", Message: fmt.Sprintf("unknown point type %q", r.PointType)}
	}

	if r.TotalBudget != nil && *r.TotalBudget < 0 {
		return &ledger.ValidationError{Field: "totalBudget", Message: "must not be negative"}
	}
	if r.PerUserMonthlyLimit != nil && *r.PerUserMonthlyLimit < 0 {
		return &ledger.ValidationError{Field: "perUserMonthlyLimit", Message: "must not be negative"}
	}

	if err := r.Expiry.Validate(); err != nil {
		return err
	}

	for _, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
		// Schedule sweeps evaluate with no order amount, so an amount
		// condition there could never pass.
		if c.Kind == ConditionMinOrderAmount && r.Trigger != TriggerEvent {
			return &ledger.ValidationError{Field: "conditions", Message: "min_order_amount requires an event trigger"}
		}
	}
	return nil
}

// =============================================================================
// RULE STORE
// =============================================================================

// RuleStore persists grant rule definitions.
type RuleStore interface {
	// CreateRule stores a new rule. Fails if the ID exists.
	CreateRule(ctx context.Context, r GrantRule) error

	// UpdateRule replaces an existing rule definition.
	UpdateRule(ctx context.Context, r GrantRule) error

	// Rule returns a rule by ID, or ledger.ErrRuleNotFound.
	Rule(ctx context.Context, id ledger.RuleID) (GrantRule, error)

	// ListRules returns all rules.
	ListRules(ctx context.Context) ([]GrantRule, error)
}

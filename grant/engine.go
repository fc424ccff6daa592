/*
engine.go - Grant rule evaluation

PURPOSE:
  Two idempotent entry points, independently invocable:
  - RunSchedule(ruleID): resolve the rule's audience and attempt one grant
    per qualifying member.
  - HandleEvent(event): attempt one grant to the event's member per
    matching Enabled event rule.

GRANT COMPUTATION, per (member, rule):
  1. Raw amount by point type (fixed / random range / percentage of amount)
  2. Clamp to remaining lifetime budget
  3. Clamp to the member's remaining monthly allowance
  4. Skip with no side effect if <= 0 after clamping
  5. Skip if the computed expiry would not be strictly after now
  6. Append one lot tagged with the rule and its grant key

IDEMPOTENCY:
  Each grant carries a key (rule, member, trigger). Order-bound events use
  the order ID; other events a synthetic key; scheduled grants the cadence
  occurrence bucket. A key that already exists skips the grant entirely, so
  redelivery and tick replay never double-grant.

CONCURRENCY:
  Budget and allowance accounting runs under a per-rule lock, the lot append
  under the per-member lock shared with the redemption engine. Lock order is
  rule then member. Overlapping schedule runs of one rule are rejected with
  ErrScheduleRunning.

FAILURE SEMANTICS:
  Each (member, rule) grant attempt is its own atomic unit. One member's
  failure is logged, recorded in the result, and does not abort the batch.
*/
package grant

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// EVENTS
// =============================================================================

// Well-known business event types. Custom events match rules through
// their CustomKey instead.
const (
	EventRegistration  = "RegistrationCompleted"
	EventFirstPurchase = "FirstPurchaseCompleted"
	EventOrderComplete = "OrderCompleted"
	EventCustom        = "Custom"
)

// Event is the transient input pushed in by the business; it is not
// persisted by this core.
type Event struct {
	Type     string
	MemberID ledger.MemberID

	// OrderID binds the grant's idempotency to one order, when present.
	OrderID string

	// Amount is the monetary order amount, for percentage rules.
	Amount decimal.Decimal

	// CustomKey names the event for Type == EventCustom.
	CustomKey string

	// At is the event time; the engine fills it with now when zero.
	At time.Time
}

// Key returns the rule-matching key for the event.
func (e Event) Key() string {
	if e.Type == EventCustom {
		return e.CustomKey
	}
	return e.Type
}

func (e Event) validate() error {
	if e.MemberID == "" {
		return &ledger.ValidationError{Field: "memberId", Message: "required"}
	}
	if e.Type == "" {
		return &ledger.ValidationError{Field: "eventType", Message: "required"}
	}
	if e.Type == EventCustom && e.CustomKey == "" {
		return &ledger.ValidationError{Field: "customEventKey", Message: "required for custom events"}
	}
	if e.Amount.IsNegative() {
		return &ledger.ValidationError{Field: "amount", Message: "must not be negative"}
	}
	return nil
}

// =============================================================================
// RESULTS
// =============================================================================

// Result reports one RunSchedule or HandleEvent invocation.
type Result struct {
	// Granted is the number of lots created.
	Granted int

	// Skipped counts attempts that ended with no lot and no error:
	// duplicate keys, exhausted budgets/limits, zero amounts, dead expiries.
	Skipped int

	// Failures lists members whose grant attempt failed. A failure never
	// aborts the rest of the batch.
	Failures []Failure
}

type Failure struct {
	MemberID ledger.MemberID
	Reason   string
}

// Estimate is one row of a dry-run preview.
type Estimate struct {
	MemberID ledger.MemberID
	Points   int64
}

// =============================================================================
// SCHEDULER CAPABILITY
// =============================================================================

// Scheduler is the capability interface a job-scheduling facility implements
// to drive RunSchedule. The engine does not own wall-clock time; any
// conforming scheduler can be plugged in.
type Scheduler interface {
	RegisterRecurring(ruleID ledger.RuleID, cadence Cadence, run func(context.Context)) error
	Cancel(ruleID ledger.RuleID)
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Ledger  ledger.Store
	Rules   RuleStore
	Members ledger.MemberDirectory

	// MemberLocks is shared with the redemption engine so grants and
	// redemptions for the same member are serialized.
	MemberLocks *ledger.KeyedMutex

	Retry    ledger.RetryPolicy
	Log      zerolog.Logger
	Now      func() time.Time
	Location *time.Location

	// RandBetween returns a uniform integer in [min, max].
	// Injectable for deterministic tests.
	RandBetween func(min, max int64) int64

	ruleLocks ledger.KeyedMutex
	runLocks  ledger.KeyedMutex
}

func NewEngine(store ledger.Store, rules RuleStore, members ledger.MemberDirectory, locks *ledger.KeyedMutex, log zerolog.Logger) *Engine {
	return &Engine{
		Ledger:      store,
		Rules:       rules,
		Members:     members,
		MemberLocks: locks,
		Retry:       ledger.DefaultRetry,
		Log:         log,
		Now:         time.Now,
		Location:    time.UTC,
		RandBetween: func(min, max int64) int64 { return min + rand.Int63n(max-min+1) },
	}
}

// =============================================================================
// SCHEDULE PATH
// =============================================================================

// RunSchedule evaluates a schedule-triggered rule against its audience.
// Draft and Disabled rules are inert: the call succeeds with an empty result.
// Overlapping runs of the same rule are rejected with ErrScheduleRunning.
func (e *Engine) RunSchedule(ctx context.Context, ruleID ledger.RuleID) (Result, error) {
	rule, err := e.Rules.Rule(ctx, ruleID)
	if err != nil {
		return Result{}, err
	}
	if rule.Trigger != TriggerSchedule {
		return Result{}, &ledger.ValidationError{Field: "ruleId", Message: "not a schedule-triggered rule"}
	}
	if rule.Status != StatusEnabled {
		e.Log.Debug().Str("rule", string(ruleID)).Str("status", string(rule.Status)).Msg("rule inert, skipping run")
		return Result{}, nil
	}

	runKey := "run:" + string(ruleID)
	if !e.runLocks.TryLock(runKey) {
		return Result{}, fmt.Errorf("rule %s: %w", ruleID, ledger.ErrScheduleRunning)
	}
	defer e.runLocks.Unlock(runKey)

	members, err := e.resolveAudience(ctx, rule)
	if err != nil {
		return Result{}, fmt.Errorf("resolve audience: %w", err)
	}

	now := e.Now()
	occurrence := "sched:" + rule.Cadence.OccurrenceKey(now.In(e.Location))

	var res Result
	for _, m := range members {
		if !e.conditionsMatch(rule, Event{At: now}, m) {
			res.Skipped++
			continue
		}
		created, err := e.grantOne(ctx, rule, m.ID, occurrence, Event{At: now})
		switch {
		case err != nil:
			// Isolated: one member's failure never stops the sweep.
			e.Log.Error().Str("rule", string(ruleID)).Str("member", string(m.ID)).Err(err).Msg("grant failed")
			res.Failures = append(res.Failures, Failure{MemberID: m.ID, Reason: err.Error()})
		case created:
			res.Granted++
		default:
			res.Skipped++
		}
	}

	e.Log.Info().
		Str("rule", string(ruleID)).
		Int("granted", res.Granted).
		Int("skipped", res.Skipped).
		Int("failed", len(res.Failures)).
		Msg("schedule run completed")
	return res, nil
}

// RunNow is the manual replay entry point; it goes through RunSchedule so
// operators and the scheduler share one code path.
func (e *Engine) RunNow(ctx context.Context, ruleID ledger.RuleID) (Result, error) {
	return e.RunSchedule(ctx, ruleID)
}

// =============================================================================
// EVENT PATH
// =============================================================================

// HandleEvent finds all Enabled event-triggered rules matching the event and
// attempts one grant to the named member per rule.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	if err := ev.validate(); err != nil {
		return Result{}, err
	}
	if ev.At.IsZero() {
		ev.At = e.Now()
	}

	member, err := e.Members.Member(ctx, ev.MemberID)
	if err != nil {
		return Result{}, fmt.Errorf("member %s: %w", ev.MemberID, err)
	}

	rules, err := e.Rules.ListRules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list rules: %w", err)
	}

	// The triggering identifier binds idempotency to the order when the
	// event carries one, and to the event key otherwise (so a lifecycle
	// event like registration grants at most once per member per rule).
	trigger := ev.OrderID
	if trigger == "" {
		trigger = "evt:" + ev.Key()
	}

	var res Result
	for _, rule := range rules {
		if rule.Status != StatusEnabled || rule.Trigger != TriggerEvent || rule.EventKey != ev.Key() {
			continue
		}
		if !e.conditionsMatch(rule, ev, member) {
			res.Skipped++
			continue
		}
		created, err := e.grantOne(ctx, rule, ev.MemberID, trigger, ev)
		switch {
		case err != nil:
			e.Log.Error().Str("rule", string(rule.ID)).Str("member", string(ev.MemberID)).Err(err).Msg("grant failed")
			res.Failures = append(res.Failures, Failure{MemberID: ev.MemberID, Reason: err.Error()})
		case created:
			res.Granted++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

// =============================================================================
// GRANT COMPUTATION
// =============================================================================

// grantKey builds the idempotency identifier for one (rule, member, trigger).
func grantKey(ruleID ledger.RuleID, memberID ledger.MemberID, trigger string) string {
	return fmt.Sprintf("%s|%s|%s", ruleID, memberID, trigger)
}

// grantOne runs one atomic grant attempt. Returns whether a lot was created;
// clamp-to-zero outcomes return (false, nil).
func (e *Engine) grantOne(ctx context.Context, rule GrantRule, memberID ledger.MemberID, trigger string, ev Event) (bool, error) {
	key := grantKey(rule.ID, memberID, trigger)

	// Budget and allowance reads must not race with another grant under the
	// same rule, or two attempts could jointly overspend the budget.
	budgetKey := "budget:" + string(rule.ID)
	e.ruleLocks.Lock(budgetKey)
	defer e.ruleLocks.Unlock(budgetKey)

	created := false
	err := e.Retry.Do(ctx, func() error {
		var err error
		created, err = e.grantOnce(ctx, rule, memberID, key, ev)
		return err
	})
	return created, err
}

func (e *Engine) grantOnce(ctx context.Context, rule GrantRule, memberID ledger.MemberID, key string, ev Event) (bool, error) {
	exists, err := e.Ledger.GrantKeyExists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check grant key: %w", err)
	}
	if exists {
		e.Log.Debug().Str("grantKey", key).Msg("duplicate grant key, skipping")
		return false, nil
	}

	amount := e.rawAmount(rule, ev)

	// Lifetime budget clamp.
	if rule.TotalBudget != nil {
		granted, err := e.Ledger.GrantedTotal(ctx, rule.ID)
		if err != nil {
			return false, fmt.Errorf("budget total: %w", err)
		}
		remaining := *rule.TotalBudget - granted
		if remaining <= 0 {
			e.Log.Info().Str("rule", string(rule.ID)).Msg("budget exhausted, no lot created")
			return false, nil
		}
		if amount > remaining {
			amount = remaining
		}
	}

	// Per-user monthly allowance clamp.
	now := e.Now()
	if rule.PerUserMonthlyLimit != nil {
		local := now.In(e.Location)
		monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, e.Location)
		monthEnd := monthStart.AddDate(0, 1, 0)

		used, err := e.Ledger.GrantedToMemberInRange(ctx, rule.ID, memberID, monthStart, monthEnd)
		if err != nil {
			return false, fmt.Errorf("monthly usage: %w", err)
		}
		allowance := *rule.PerUserMonthlyLimit - used
		if allowance <= 0 {
			e.Log.Info().Str("rule", string(rule.ID)).Str("member", string(memberID)).Msg("monthly limit exhausted, no lot created")
			return false, nil
		}
		if amount > allowance {
			amount = allowance
		}
	}

	if amount <= 0 {
		return false, nil
	}

	expiresAt := rule.Expiry.ExpiresAt(now, e.Location)
	if !expiresAt.After(now) {
		// Never create an already-expired lot.
		e.Log.Warn().Str("rule", string(rule.ID)).Time("expiresAt", expiresAt).Msg("computed expiry in the past, skipping grant")
		return false, nil
	}

	lot := ledger.PointLot{
		ID:              ledger.LotID(uuid.NewString()),
		MemberID:        memberID,
		RuleID:          rule.ID,
		GrantKey:        key,
		PointsGranted:   amount,
		RemainingPoints: amount,
		Reason:          rule.Name,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}

	e.MemberLocks.Lock(string(memberID))
	defer e.MemberLocks.Unlock(string(memberID))

	if err := e.Ledger.AppendLot(ctx, lot); err != nil {
		if errors.Is(err, ledger.ErrDuplicateGrant) {
			// Lost an idempotency race; same outcome as the earlier check.
			return false, nil
		}
		return false, fmt.Errorf("append lot: %w", err)
	}

	e.Log.Info().
		Str("rule", string(rule.ID)).
		Str("member", string(memberID)).
		Str("lot", string(lot.ID)).
		Int64("points", amount).
		Time("expiresAt", expiresAt).
		Msg("granted")
	return true, nil
}

func (e *Engine) rawAmount(rule GrantRule, ev Event) int64 {
	switch rule.PointType {
	case PointsRandomRange:
		return e.RandBetween(rule.MinPoints, rule.MaxPoints)
	case PointsPercentageOfAmount:
		return percentageOf(ev.Amount, rule.Percent)
	default:
		return rule.FixedPoints
	}
}

// percentageOf computes floor(amount * percent / 100) exactly.
func percentageOf(amount, percent decimal.Decimal) int64 {
	return amount.Mul(percent).Div(decimal.NewFromInt(100)).Floor().IntPart()
}

func (e *Engine) conditionsMatch(rule GrantRule, ev Event, m ledger.Member) bool {
	for _, c := range rule.Conditions {
		if !c.Matches(ev, m) {
			return false
		}
	}
	return true
}

// =============================================================================
// AUDIENCE RESOLUTION
// =============================================================================

func (e *Engine) resolveAudience(ctx context.Context, rule GrantRule) ([]ledger.Member, error) {
	members, err := e.Members.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := e.Now().In(e.Location)
	switch rule.Audience {
	case AudienceNewMembers:
		cutoff := now.AddDate(0, 0, -rule.NewMemberDays)
		var out []ledger.Member
		for _, m := range members {
			if m.CreatedAt.After(cutoff) {
				out = append(out, m)
			}
		}
		return out, nil

	case AudienceBirthdayToday:
		var out []ledger.Member
		for _, m := range members {
			if birthdayMatches(m, now) {
				out = append(out, m)
			}
		}
		return out, nil

	default:
		return members, nil
	}
}

// birthdayMatches compares profile birth month/day to today in the engine's
// timezone. Feb 29 birthdays match Feb 28 in non-leap years.
func birthdayMatches(m ledger.Member, today time.Time) bool {
	if m.BirthMonth == 0 || m.BirthDay == 0 {
		return false
	}
	if m.BirthMonth == today.Month() && m.BirthDay == today.Day() {
		return true
	}
	if m.BirthMonth == time.February && m.BirthDay == 29 &&
		today.Month() == time.February && today.Day() == 28 && !isLeapYear(today.Year()) {
		return true
	}
	return false
}

func isLeapYear(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// =============================================================================
// DRY-RUN PREVIEW
// =============================================================================

// EstimateTargets previews who a rule would reach and what each member would
// receive, with no mutation. Random-range amounts are previewed at the range
// midpoint; eventAmount feeds percentage rules when set. Both clamps apply,
// the lifetime budget and the per-member monthly allowance, so the preview
// matches what a real run would grant.
func (e *Engine) EstimateTargets(ctx context.Context, ruleID ledger.RuleID, sampleSize int, eventAmount *decimal.Decimal) ([]Estimate, error) {
	rule, err := e.Rules.Rule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if sampleSize <= 0 {
		return nil, &ledger.ValidationError{Field: "sampleSize", Message: "must be positive"}
	}

	members, err := e.resolveAudience(ctx, rule)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	if len(members) > sampleSize {
		members = members[:sampleSize]
	}

	amount := decimal.Zero
	if eventAmount != nil {
		amount = *eventAmount
	}
	ev := Event{Amount: amount, At: e.Now()}

	budgeted := rule.TotalBudget != nil
	var remainingBudget int64
	if budgeted {
		granted, err := e.Ledger.GrantedTotal(ctx, rule.ID)
		if err != nil {
			return nil, fmt.Errorf("budget total: %w", err)
		}
		remainingBudget = *rule.TotalBudget - granted
	}

	local := e.Now().In(e.Location)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, e.Location)
	monthEnd := monthStart.AddDate(0, 1, 0)

	var out []Estimate
	for _, m := range members {
		if !e.conditionsMatch(rule, ev, m) {
			continue
		}

		var raw int64
		if rule.PointType == PointsRandomRange {
			raw = (rule.MinPoints + rule.MaxPoints) / 2
		} else {
			raw = e.rawAmount(rule, ev)
		}

		// Same clamp order as a real grant: budget, then monthly allowance.
		if budgeted {
			if raw > remainingBudget {
				raw = remainingBudget
			}
			if raw < 0 {
				raw = 0
			}
		}
		if raw > 0 && rule.PerUserMonthlyLimit != nil {
			used, err := e.Ledger.GrantedToMemberInRange(ctx, rule.ID, m.ID, monthStart, monthEnd)
			if err != nil {
				return nil, fmt.Errorf("monthly usage: %w", err)
			}
			if allowance := *rule.PerUserMonthlyLimit - used; raw > allowance {
				raw = allowance
			}
			if raw < 0 {
				raw = 0
			}
		}
		if budgeted {
			remainingBudget -= raw
		}
		out = append(out, Estimate{MemberID: m.ID, Points: raw})
	}
	return out, nil
}

// =============================================================================
// RULE ADMINISTRATION
// =============================================================================

// CreateRule validates and stores a new rule. Rules start in Draft unless
// the definition says otherwise.
func (e *Engine) CreateRule(ctx context.Context, rule GrantRule) error {
	if rule.Status == "" {
		rule.Status = StatusDraft
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	return e.Rules.CreateRule(ctx, rule)
}

// UpdateRule replaces a rule's definition. Status never changes through
// update; use EnableRule/DisableRule.
func (e *Engine) UpdateRule(ctx context.Context, rule GrantRule) error {
	existing, err := e.Rules.Rule(ctx, rule.ID)
	if err != nil {
		return err
	}
	rule.Status = existing.Status
	if err := rule.Validate(); err != nil {
		return err
	}
	return e.Rules.UpdateRule(ctx, rule)
}

// EnableRule moves a rule to Enabled, enforcing the state machine.
func (e *Engine) EnableRule(ctx context.Context, id ledger.RuleID) error {
	return e.setStatus(ctx, id, StatusEnabled)
}

// DisableRule moves a rule to Disabled. Already-issued lots are untouched.
func (e *Engine) DisableRule(ctx context.Context, id ledger.RuleID) error {
	return e.setStatus(ctx, id, StatusDisabled)
}

func (e *Engine) setStatus(ctx context.Context, id ledger.RuleID, next RuleStatus) error {
	rule, err := e.Rules.Rule(ctx, id)
	if err != nil {
		return err
	}
	if rule.Status == next {
		return nil
	}
	if !CanTransition(rule.Status, next) {
		return &ledger.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("cannot transition %s -> %s", rule.Status, next),
		}
	}
	rule.Status = next
	return e.Rules.UpdateRule(ctx, rule)
}

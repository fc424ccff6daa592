/*
condition.go - Typed rule conditions

PURPOSE:
  A closed set of condition variants, one case per supported check, fully
  validated at rule-creation time. Replaces dynamic evaluation of untyped
  structured blobs: an Enabled rule can never fail with "unknown condition"
  at grant time.
*/
package grant

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/ledger"
)

type ConditionKind string

const (
	// ConditionMinOrderAmount passes when the triggering event carries an
	// order amount >= MinAmount. Used for spending-threshold rules.
	ConditionMinOrderAmount ConditionKind = "min_order_amount"

	// ConditionMemberActive passes only for active members.
	ConditionMemberActive ConditionKind = "member_active"

	// ConditionMemberTenureDays passes when the member registered at least
	// TenureDays before the event.
	ConditionMemberTenureDays ConditionKind = "member_tenure_days"
)

// Condition is one typed check. Only the fields for its Kind are meaningful.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	MinAmount  decimal.Decimal `json:"minAmount,omitempty"`
	TenureDays int             `json:"tenureDays,omitempty"`
}

func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionMinOrderAmount:
		if c.MinAmount.IsNegative() {
			return &ledger.ValidationError{Field: "minAmount", Message: "must not be negative"}
		}
	case ConditionMemberActive:
	case ConditionMemberTenureDays:
		if c.TenureDays <= 0 {
			return &ledger.ValidationError{Field: "tenureDays", Message: "must be positive"}
		}
	default:
		return &ledger.ValidationError{Field: "conditions", Message: fmt.Sprintf("unknown condition kind %q", c.Kind)}
	}
	return nil
}

// Matches evaluates the condition against a triggering event and the member
// it names. Kinds were validated at rule creation, so there is no
// unknown-kind error path here.
func (c Condition) Matches(ev Event, m ledger.Member) bool {
	switch c.Kind {
	case ConditionMinOrderAmount:
		return ev.Amount.GreaterThanOrEqual(c.MinAmount)
	case ConditionMemberActive:
		return m.IsActive
	case ConditionMemberTenureDays:
		return !m.CreatedAt.After(ev.At.AddDate(0, 0, -c.TenureDays))
	}
	return false
}

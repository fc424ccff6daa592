/*
expiry.go - Expiry policy computation

PURPOSE:
  Computes a lot's ExpiresAt from the rule's expiry policy. A grant whose
  computed expiry is not strictly after "now" is skipped - the engine never
  creates an already-expired lot.

END-OF-WEEK CONVENTION:
  The short-term "end of current week" mode needs a convention for where a
  week begins and which timezone governs it. Here: the week begins Monday,
  and a lot granted any time during a week expires at 00:00 of the following
  Monday in the engine's configured location.
*/
package grant

import (
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/ledger"
)

type ExpiryMode string

const (
	// ExpiryDaysFromGrant expires the lot N calendar days after the grant.
	ExpiryDaysFromGrant ExpiryMode = "days_from_grant"

	// ExpiryFixedDate expires the lot at a fixed instant.
	ExpiryFixedDate ExpiryMode = "fixed_date"

	// ExpiryEndOfWeek expires the lot at the start of the Monday after the
	// grant, in the engine's location.
	ExpiryEndOfWeek ExpiryMode = "end_of_week"
)

type ExpiryPolicy struct {
	Mode ExpiryMode `json:"mode"`
	Days int        `json:"days,omitempty"`
	Date time.Time  `json:"date,omitempty"`
}

func (p ExpiryPolicy) Validate() error {
	switch p.Mode {
	case ExpiryDaysFromGrant:
		if p.Days <= 0 {
			return &ledger.ValidationError{Field: "expiry.days", Message: "must be positive"}
		}
	case ExpiryFixedDate:
		if p.Date.IsZero() {
			return &ledger.ValidationError{Field: "expiry.date", Message: "required"}
		}
	case ExpiryEndOfWeek:
	default:
		return &ledger.ValidationError{Field: "expiry.mode", Message: fmt.Sprintf("unknown expiry mode %q", p.Mode)}
	}
	return nil
}

// ExpiresAt computes the expiry instant for a grant made at the given time.
func (p ExpiryPolicy) ExpiresAt(grantedAt time.Time, loc *time.Location) time.Time {
	switch p.Mode {
	case ExpiryFixedDate:
		return p.Date
	case ExpiryEndOfWeek:
		local := grantedAt.In(loc)
		// Days until next Monday; a grant on Monday expires the Monday after.
		days := (int(time.Monday) - int(local.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		next := local.AddDate(0, 0, days)
		return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, loc)
	default:
		return grantedAt.AddDate(0, 0, p.Days)
	}
}

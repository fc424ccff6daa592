/*
query.go - Read-only balance and expiry projections

PURPOSE:
  Current balance and soon-to-expire lots, derived from committed ledger
  state. No caching: reads always reflect the latest committed lots.
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Queries answers read-only questions about a member's points.
type Queries struct {
	Store Store
	Now   func() time.Time
}

func NewQueries(store Store) *Queries {
	return &Queries{Store: store, Now: time.Now}
}

// Balance returns sum(RemainingPoints) over the member's unexpired lots.
// Expired lots are excluded even when they still hold points.
func (q *Queries) Balance(ctx context.Context, memberID MemberID) (int64, error) {
	if memberID == "" {
		return 0, &ValidationError{Field: "memberId", Message: "required"}
	}
	return q.Store.MemberBalance(ctx, memberID, q.Now())
}

// ExpiringSoon returns the member's lots that still hold points and expire
// within the given number of days, soonest first.
func (q *Queries) ExpiringSoon(ctx context.Context, memberID MemberID, withinDays int) ([]ExpiringLot, error) {
	if memberID == "" {
		return nil, &ValidationError{Field: "memberId", Message: "required"}
	}
	if withinDays < 0 {
		return nil, &ValidationError{Field: "withinDays", Message: "must not be negative"}
	}

	now := q.Now()
	cutoff := now.AddDate(0, 0, withinDays)

	lots, err := q.Store.ExpiringLots(ctx, memberID, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load expiring lots: %w", err)
	}

	out := make([]ExpiringLot, 0, len(lots))
	for _, lot := range lots {
		out = append(out, ExpiringLot{
			LotID:           lot.ID,
			RemainingPoints: lot.RemainingPoints,
			ExpiresAt:       lot.ExpiresAt,
			Reason:          lot.Reason,
		})
	}
	return out, nil
}

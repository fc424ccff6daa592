/*
redeem.go - FIFO-by-expiry redemption engine

PURPOSE:
  Consumes a member's lots to satisfy a spend request, always exhausting
  the soonest-to-expire eligible lot first (ties broken by creation order).

GUARANTEES:
  - A balance can never go negative: the request is clamped to what is
    actually available, and asking for more than the balance is not an
    error - the result simply carries the smaller UsedPoints.
  - The whole spend is one atomic unit: all lot decrements and the
    redemption row commit together or not at all.
  - Concurrent redemptions for the same member are serialized; different
    members proceed in parallel.

FIFO PROPERTY:
  Given eligible lots A (expires sooner) and B, any redemption that can be
  satisfied by A alone consumes only A, never touching B.

SEE ALSO:
  - query.go: Balance and expiring-soon projections
  - store.go: ApplyRedemption atomicity contract
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// REDEEMER
// =============================================================================

// Redeemer executes spend transactions against the lot ledger.
type Redeemer struct {
	Store Store

	// MemberLocks serializes ledger mutation per member. Must be the same
	// instance the grant engine uses, so grants and redemptions for one
	// member never race.
	MemberLocks *KeyedMutex

	Retry RetryPolicy
	Log   zerolog.Logger
	Now   func() time.Time
}

// NewRedeemer creates a redeemer with default retry policy.
func NewRedeemer(store Store, locks *KeyedMutex, log zerolog.Logger) *Redeemer {
	return &Redeemer{
		Store:       store,
		MemberLocks: locks,
		Retry:       DefaultRetry,
		Log:         log,
		Now:         time.Now,
	}
}

// Redeem spends up to requested points from the member's eligible lots,
// soonest-expiring first. Returns the clamped actual spend; a zero-point
// outcome creates no Redemption record and is not an error.
func (r *Redeemer) Redeem(ctx context.Context, memberID MemberID, requested int64) (RedeemResult, error) {
	if memberID == "" {
		return RedeemResult{}, &ValidationError{Field: "memberId", Message: "required"}
	}
	if requested < 0 {
		return RedeemResult{}, &ValidationError{Field: "requestedPoints", Message: "must not be negative"}
	}

	r.MemberLocks.Lock(string(memberID))
	defer r.MemberLocks.Unlock(string(memberID))

	var result RedeemResult
	err := r.Retry.Do(ctx, func() error {
		var err error
		result, err = r.redeemOnce(ctx, memberID, requested)
		return err
	})
	if err != nil {
		return RedeemResult{}, err
	}
	return result, nil
}

func (r *Redeemer) redeemOnce(ctx context.Context, memberID MemberID, requested int64) (RedeemResult, error) {
	now := r.Now()

	lots, err := r.Store.EligibleLots(ctx, memberID, now)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("load eligible lots: %w", err)
	}

	var available int64
	for _, lot := range lots {
		available += lot.RemainingPoints
	}

	target := requested
	if available < target {
		target = available
	}
	if target <= 0 {
		// Nothing to spend. No Redemption row, not an error.
		r.Log.Debug().
			Str("member", string(memberID)).
			Int64("requested", requested).
			Msg("redeem clamped to zero")
		return RedeemResult{NewBalance: available}, nil
	}

	red := Redemption{
		ID:              RedemptionID(uuid.NewString()),
		MemberID:        memberID,
		TotalUsedPoints: target,
		CreatedAt:       now,
	}

	// Walk soonest-expiring first.
	var items []RedemptionItem
	stillNeeded := target
	for _, lot := range lots {
		if stillNeeded == 0 {
			break
		}
		take := lot.RemainingPoints
		if take > stillNeeded {
			take = stillNeeded
		}
		items = append(items, RedemptionItem{
			RedemptionID: red.ID,
			LotID:        lot.ID,
			UsedPoints:   take,
		})
		stillNeeded -= take
	}

	if err := r.Store.ApplyRedemption(ctx, red, items); err != nil {
		if IsRetryable(err) {
			r.Log.Warn().
				Str("member", string(memberID)).
				Err(err).
				Msg("redemption conflict, retrying")
		}
		return RedeemResult{}, fmt.Errorf("apply redemption: %w", err)
	}

	result := RedeemResult{
		UsedPoints: target,
		NewBalance: available - target,
		Items:      make([]RedeemedLot, 0, len(items)),
	}
	for _, it := range items {
		result.Items = append(result.Items, RedeemedLot{LotID: it.LotID, UsedPoints: it.UsedPoints})
	}

	r.Log.Info().
		Str("member", string(memberID)).
		Str("redemption", string(red.ID)).
		Int64("used", target).
		Int64("balance", result.NewBalance).
		Int("lots", len(items)).
		Msg("redeemed")

	return result, nil
}

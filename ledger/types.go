/*
Package ledger provides the core loyalty points ledger.

PURPOSE:
  This package contains the append-only lot ledger and the algorithms built
  directly on top of it: FIFO-by-expiry redemption and the balance/expiry
  projections. Points are always granted as lots - each lot carries its own
  expiry and its own independently tracked remaining balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - PointLot: One grant of points with expiry and remaining balance
  - Redemption / RedemptionItem: One spend transaction and the lots it drew from
  - Member: Read-only view of a member from the external directory
  - Member/Rule/Lot IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Append-only: Lots and redemptions are never deleted. The single mutable
     field in the whole model is PointLot.RemainingPoints, which only decreases.
  2. Derived balances: Balance is always computed from lots - there is no
     separate balance field that can drift.
  3. Type Safety: Strong typing for IDs prevents mixing member/rule/lot IDs.
  4. Auditability: Every lot records its originating rule and grant key.

SEE ALSO:
  - store.go: Persistence interface
  - redeem.go: FIFO-by-expiry redemption engine
  - query.go: Balance and expiring-soon projections
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type RuleID string
type LotID string
type RedemptionID string

// =============================================================================
// POINT LOT - One grant of points with its own expiry
// =============================================================================

// PointLot records a single grant. PointsGranted is immutable;
// RemainingPoints starts equal to it and only ever decreases.
//
// INVARIANT: 0 <= RemainingPoints <= PointsGranted, at all times.
//
// A lot becomes inert once RemainingPoints == 0 or ExpiresAt has passed,
// but it stays in storage for audit.
type PointLot struct {
	ID       LotID
	MemberID MemberID

	// RuleID is the originating grant rule, kept as an explicit field so
	// budget and per-user-limit accounting are direct lookups.
	RuleID RuleID

	// GrantKey is the idempotency identifier for this grant:
	// (rule, member, triggering identifier). Unique across all lots.
	GrantKey string

	PointsGranted   int64
	RemainingPoints int64

	Reason    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Eligible reports whether the lot can still be drawn from at the given time.
func (l PointLot) Eligible(now time.Time) bool {
	return l.RemainingPoints > 0 && l.ExpiresAt.After(now)
}

// =============================================================================
// REDEMPTION - One spend transaction, possibly drawing from multiple lots
// =============================================================================

type Redemption struct {
	ID              RedemptionID
	MemberID        MemberID
	TotalUsedPoints int64
	CreatedAt       time.Time
}

// RedemptionItem records how many points one redemption took from one lot.
//
// INVARIANTS:
//   - sum(items.UsedPoints for a redemption) == redemption.TotalUsedPoints
//   - sum(items.UsedPoints for a lot) == lot.PointsGranted - lot.RemainingPoints
type RedemptionItem struct {
	RedemptionID RedemptionID
	LotID        LotID
	UsedPoints   int64
}

// RedeemResult is returned to the checkout flow. UsedPoints is the clamped
// actual spend - asking for more than the balance is not an error.
type RedeemResult struct {
	UsedPoints int64
	NewBalance int64
	Items      []RedeemedLot
}

type RedeemedLot struct {
	LotID      LotID
	UsedPoints int64
}

// ExpiringLot is one entry of the expiring-soon projection.
type ExpiringLot struct {
	LotID           LotID
	RemainingPoints int64
	ExpiresAt       time.Time
	Reason          string
}

// =============================================================================
// MEMBER DIRECTORY - External collaborator, read-only
// =============================================================================

// Member is the read-only view the engine needs from the member directory.
type Member struct {
	ID         MemberID
	CreatedAt  time.Time
	IsActive   bool
	BirthMonth time.Month
	BirthDay   int
}

// MemberDirectory is owned elsewhere; the engine only reads from it.
type MemberDirectory interface {
	// Member returns a member by ID, or ErrMemberNotFound.
	Member(ctx context.Context, id MemberID) (Member, error)

	// ListActive returns all active members. Used for scheduled sweeps.
	ListActive(ctx context.Context) ([]Member, error)
}

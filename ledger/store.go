/*
store.go - Persistence interface for the points ledger

PURPOSE:
  Defines the narrow interface between ledger logic and the database.
  Different implementations can use SQLite or in-memory storage; the
  engines above never see the persistence technology.

APPEND-ONLY CONTRACT:
  - AppendLot() is the only way a lot comes into existence.
  - ApplyRedemption() is the only mutation, and it only ever decrements
    RemainingPoints on lots. No other field is overwritten once written.
  - No Delete methods exist.

IDEMPOTENCY:
  Every lot carries a grant key. AppendLot rejects a duplicate key with
  ErrDuplicateGrant, so a redelivered event can never double-grant.

OPTIMISTIC CONCURRENCY:
  ApplyRedemption decrements lots against the snapshot the caller read.
  If another writer drained a lot in between, the whole redemption fails
  with ErrConcurrencyConflict and nothing is committed.

IMPLEMENTATIONS:
  - store/sqlite: production store
  - ledger/store: in-memory store for tests and dev
*/
package ledger

import (
	"context"
	"time"
)

// Store handles persistence of lots, redemptions and redemption items.
type Store interface {
	// AppendLot persists a new lot. Returns ErrDuplicateGrant if a lot with
	// the same grant key already exists.
	AppendLot(ctx context.Context, lot PointLot) error

	// GrantKeyExists reports whether a lot with this grant key exists.
	GrantKeyExists(ctx context.Context, key string) (bool, error)

	// EligibleLots returns the member's lots with RemainingPoints > 0 and
	// ExpiresAt > now, ordered by (ExpiresAt ASC, CreatedAt ASC).
	EligibleLots(ctx context.Context, memberID MemberID, now time.Time) ([]PointLot, error)

	// ExpiringLots returns eligible lots with ExpiresAt <= cutoff, same order.
	ExpiringLots(ctx context.Context, memberID MemberID, now, cutoff time.Time) ([]PointLot, error)

	// MemberBalance returns sum(RemainingPoints) over the member's
	// unexpired lots.
	MemberBalance(ctx context.Context, memberID MemberID, now time.Time) (int64, error)

	// ApplyRedemption atomically decrements each item's lot by its UsedPoints
	// and records the redemption with its items. Fails with
	// ErrConcurrencyConflict (committing nothing) if any lot no longer has
	// the points the caller saw.
	ApplyRedemption(ctx context.Context, red Redemption, items []RedemptionItem) error

	// GrantedTotal returns sum(PointsGranted) over all lots created by the
	// rule, for lifetime budget accounting.
	GrantedTotal(ctx context.Context, ruleID RuleID) (int64, error)

	// GrantedToMemberInRange returns sum(PointsGranted) over the rule's lots
	// for one member with CreatedAt in [from, to), for monthly limits.
	GrantedToMemberInRange(ctx context.Context, ruleID RuleID, memberID MemberID, from, to time.Time) (int64, error)
}

// EventLog records which external event deliveries have been processed.
// Separate from the lot ledger: grant keys are what actually prevent
// double-grants; the event log exists so a redelivery reports the same
// affected count as the original delivery.
type EventLog interface {
	// SeenEvent returns whether the delivery key was processed before, and
	// the affected count recorded for it.
	SeenEvent(ctx context.Context, key string) (bool, int, error)

	// RecordEvent stores the delivery key with its affected count.
	// Recording an already-seen key is a no-op.
	RecordEvent(ctx context.Context, key string, affected int) error
}

// Package store provides in-memory implementations of the ledger interfaces,
// used for tests and the dev server.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory ledger.Store and ledger.EventLog
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	lots      map[ledger.MemberID][]*ledger.PointLot
	byID      map[ledger.LotID]*ledger.PointLot
	grantKeys map[string]bool

	redemptions map[ledger.RedemptionID]ledger.Redemption
	items       []ledger.RedemptionItem

	events map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		lots:        make(map[ledger.MemberID][]*ledger.PointLot),
		byID:        make(map[ledger.LotID]*ledger.PointLot),
		grantKeys:   make(map[string]bool),
		redemptions: make(map[ledger.RedemptionID]ledger.Redemption),
		events:      make(map[string]int),
	}
}

var _ ledger.Store = (*Memory)(nil)
var _ ledger.EventLog = (*Memory)(nil)

// AppendLot adds a new lot. Append-only.
func (m *Memory) AppendLot(_ context.Context, lot ledger.PointLot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lot.GrantKey != "" && m.grantKeys[lot.GrantKey] {
		return ledger.ErrDuplicateGrant
	}

	stored := lot
	lots := append(m.lots[lot.MemberID], &stored)

	// Keep each member's lots in (ExpiresAt, CreatedAt) order on insert,
	// so reads never sort.
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].ExpiresAt.Equal(lots[j].ExpiresAt) {
			return lots[i].ExpiresAt.Before(lots[j].ExpiresAt)
		}
		return lots[i].CreatedAt.Before(lots[j].CreatedAt)
	})
	m.lots[lot.MemberID] = lots
	m.byID[lot.ID] = &stored

	if lot.GrantKey != "" {
		m.grantKeys[lot.GrantKey] = true
	}
	return nil
}

func (m *Memory) GrantKeyExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grantKeys[key], nil
}

func (m *Memory) EligibleLots(_ context.Context, memberID ledger.MemberID, now time.Time) ([]ledger.PointLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.PointLot
	for _, lot := range m.lots[memberID] {
		if lot.Eligible(now) {
			out = append(out, *lot)
		}
	}
	return out, nil
}

func (m *Memory) ExpiringLots(_ context.Context, memberID ledger.MemberID, now, cutoff time.Time) ([]ledger.PointLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.PointLot
	for _, lot := range m.lots[memberID] {
		if lot.Eligible(now) && !lot.ExpiresAt.After(cutoff) {
			out = append(out, *lot)
		}
	}
	return out, nil
}

func (m *Memory) MemberBalance(_ context.Context, memberID ledger.MemberID, now time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, lot := range m.lots[memberID] {
		if lot.Eligible(now) {
			total += lot.RemainingPoints
		}
	}
	return total, nil
}

// ApplyRedemption decrements lots and records the redemption atomically.
// All-or-nothing: conflicts are detected before anything is written.
func (m *Memory) ApplyRedemption(_ context.Context, red ledger.Redemption, items []ledger.RedemptionItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every decrement against current state first.
	for _, it := range items {
		lot, ok := m.byID[it.LotID]
		if !ok {
			return ledger.ErrLotNotFound
		}
		if lot.RemainingPoints < it.UsedPoints {
			return &ledger.ConflictError{LotID: it.LotID}
		}
	}

	for _, it := range items {
		m.byID[it.LotID].RemainingPoints -= it.UsedPoints
	}
	m.redemptions[red.ID] = red
	m.items = append(m.items, items...)
	return nil
}

func (m *Memory) GrantedTotal(_ context.Context, ruleID ledger.RuleID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, lot := range m.byID {
		if lot.RuleID == ruleID {
			total += lot.PointsGranted
		}
	}
	return total, nil
}

func (m *Memory) GrantedToMemberInRange(_ context.Context, ruleID ledger.RuleID, memberID ledger.MemberID, from, to time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, lot := range m.lots[memberID] {
		if lot.RuleID != ruleID {
			continue
		}
		if lot.CreatedAt.Before(from) || !lot.CreatedAt.Before(to) {
			continue
		}
		total += lot.PointsGranted
	}
	return total, nil
}

// =============================================================================
// EVENT LOG
// =============================================================================

func (m *Memory) SeenEvent(_ context.Context, key string) (bool, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	affected, ok := m.events[key]
	return ok, affected, nil
}

func (m *Memory) RecordEvent(_ context.Context, key string, affected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[key]; !ok {
		m.events[key] = affected
	}
	return nil
}

// =============================================================================
// AUDIT HELPERS - Used by invariant tests
// =============================================================================

// Lot returns a copy of the lot by ID.
func (m *Memory) Lot(id ledger.LotID) (ledger.PointLot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lot, ok := m.byID[id]
	if !ok {
		return ledger.PointLot{}, false
	}
	return *lot, true
}

// Redemptions returns all recorded redemptions.
func (m *Memory) Redemptions() []ledger.Redemption {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Redemption, 0, len(m.redemptions))
	for _, r := range m.redemptions {
		out = append(out, r)
	}
	return out
}

// Items returns all recorded redemption items.
func (m *Memory) Items() []ledger.RedemptionItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.RedemptionItem(nil), m.items...)
}

// =============================================================================
// MEMORY DIRECTORY - In-memory ledger.MemberDirectory
// =============================================================================

type Directory struct {
	mu      sync.RWMutex
	members map[ledger.MemberID]ledger.Member
	order   []ledger.MemberID
}

func NewDirectory() *Directory {
	return &Directory{members: make(map[ledger.MemberID]ledger.Member)}
}

var _ ledger.MemberDirectory = (*Directory)(nil)

// Add registers or replaces a member.
func (d *Directory) Add(m ledger.Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.members[m.ID]; !ok {
		d.order = append(d.order, m.ID)
	}
	d.members[m.ID] = m
}

func (d *Directory) Member(_ context.Context, id ledger.MemberID) (ledger.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[id]
	if !ok {
		return ledger.Member{}, ledger.ErrMemberNotFound
	}
	return m, nil
}

// ListActive returns active members in registration order, so sweeps
// process members deterministically.
func (d *Directory) ListActive(_ context.Context) ([]ledger.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []ledger.Member
	for _, id := range d.order {
		if m := d.members[id]; m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

// rulestore.go - In-memory RuleStore for tests and the dev server.
package grant

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/loyalty-engine/ledger"
)

type MemoryRules struct {
	mu    sync.RWMutex
	rules map[ledger.RuleID]GrantRule
}

func NewMemoryRules() *MemoryRules {
	return &MemoryRules{rules: make(map[ledger.RuleID]GrantRule)}
}

var _ RuleStore = (*MemoryRules)(nil)

func (s *MemoryRules) CreateRule(_ context.Context, r GrantRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return &ledger.ValidationError{Field: "id", Message: "rule already exists"}
	}
	s.rules[r.ID] = r
	return nil
}

func (s *MemoryRules) UpdateRule(_ context.Context, r GrantRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return ledger.ErrRuleNotFound
	}
	s.rules[r.ID] = r
	return nil
}

func (s *MemoryRules) Rule(_ context.Context, id ledger.RuleID) (GrantRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return GrantRule{}, ledger.ErrRuleNotFound
	}
	return r, nil
}

func (s *MemoryRules) ListRules(_ context.Context) ([]GrantRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GrantRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

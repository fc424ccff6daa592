/*
scheduler.go - Recurring grant schedule runner

PURPOSE:
  A ticker-driven implementation of the grant.Scheduler capability. The
  engine never owns wall-clock time: any conforming job facility (cron,
  cloud scheduler) can drive RunSchedule instead; this one exists so the
  server runs rules out of the box.

DESIGN:
  - One goroutine per registered rule, ticking at a short check interval
    for every cadence. The engine's occurrence-bucket grant keys absorb
    the extra ticks, and a coarse per-cadence ticker would drift past
    calendar boundaries (a 30-day ticker skips short months entirely).
  - Overlap protection lives in the engine (per-rule run lock), so a slow
    sweep simply causes the next tick to come back ErrScheduleRunning
  - Cancel stops a single rule; Stop tears everything down

USAGE:
  sched := NewRecurringScheduler(log)
  sched.RegisterRecurring(rule.ID, rule.Cadence, func(ctx) { engine.RunSchedule(ctx, rule.ID) })
  defer sched.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/loyalty-engine/grant"
	"github.com/warp/loyalty-engine/ledger"
)

// DefaultCheckInterval is how often registered rules are re-checked. Every
// cadence ticks at this rate; the occurrence bucket in the grant keys decides
// whether a tick actually grants, so frequent checks are harmless and a
// calendar boundary is never missed.
const DefaultCheckInterval = time.Hour

// RecurringScheduler runs registered rules on their cadence.
type RecurringScheduler struct {
	Log zerolog.Logger

	// CheckInterval overrides DefaultCheckInterval when positive.
	CheckInterval time.Duration

	mu      sync.Mutex
	entries map[ledger.RuleID]chan struct{}
	wg      sync.WaitGroup
}

var _ grant.Scheduler = (*RecurringScheduler)(nil)

func NewRecurringScheduler(log zerolog.Logger) *RecurringScheduler {
	return &RecurringScheduler{
		Log:     log,
		entries: make(map[ledger.RuleID]chan struct{}),
	}
}

// RegisterRecurring starts periodically running the rule.
// Re-registering a rule replaces its previous registration.
func (s *RecurringScheduler) RegisterRecurring(ruleID ledger.RuleID, cadence grant.Cadence, run func(context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stop, ok := s.entries[ruleID]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	s.entries[ruleID] = stop

	interval := s.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	s.wg.Add(1)
	go s.loop(ruleID, interval, run, stop)

	s.Log.Info().
		Str("rule", string(ruleID)).
		Str("cadence", string(cadence)).
		Dur("checkInterval", interval).
		Msg("schedule registered")
	return nil
}

// Cancel stops the rule's recurring runs.
func (s *RecurringScheduler) Cancel(ruleID ledger.RuleID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stop, ok := s.entries[ruleID]; ok {
		close(stop)
		delete(s.entries, ruleID)
		s.Log.Info().Str("rule", string(ruleID)).Msg("schedule cancelled")
	}
}

// Stop cancels all registrations and waits for running sweeps to finish.
func (s *RecurringScheduler) Stop() {
	s.mu.Lock()
	for id, stop := range s.entries {
		close(stop)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *RecurringScheduler) loop(ruleID ledger.RuleID, interval time.Duration, run func(context.Context), stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run once on registration; grant keys make replays harmless.
	run(context.Background())

	for {
		select {
		case <-ticker.C:
			run(context.Background())
		case <-stop:
			return
		}
	}
}

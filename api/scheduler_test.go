package api

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/grant"
)

func TestRecurringScheduler_RunsOnceOnRegistration(t *testing.T) {
	s := NewRecurringScheduler(zerolog.Nop())
	defer s.Stop()

	ran := make(chan struct{})
	err := s.RegisterRecurring("r-1", grant.CadenceDaily, func(context.Context) {
		close(ran)
	})
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("registered rule never ran")
	}
}

func TestRecurringScheduler_ChecksAllCadencesFrequently(t *testing.T) {
	// Every cadence ticks at the check interval, monthly included. A ticker
	// at the cadence length would drift past calendar boundaries and a
	// short month's occurrence would never run; the occurrence buckets in
	// the grant keys make frequent re-checks harmless.

	s := NewRecurringScheduler(zerolog.Nop())
	s.CheckInterval = 5 * time.Millisecond
	defer s.Stop()

	var runs atomic.Int64
	require.NoError(t, s.RegisterRecurring("monthly", grant.CadenceMonthly, func(context.Context) {
		runs.Add(1)
	}))

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
}

func TestRecurringScheduler_CancelStopsRuns(t *testing.T) {
	s := NewRecurringScheduler(zerolog.Nop())
	defer s.Stop()

	var runs atomic.Int64
	require.NoError(t, s.RegisterRecurring("r-1", grant.CadenceDaily, func(context.Context) {
		runs.Add(1)
	}))

	// wait for the registration run, then cancel
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	s.Cancel("r-1")

	before := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, runs.Load(), "cancelled rule must not run again")
}

func TestRecurringScheduler_ReregisterReplaces(t *testing.T) {
	s := NewRecurringScheduler(zerolog.Nop())
	defer s.Stop()

	var first, second atomic.Int64
	require.NoError(t, s.RegisterRecurring("r-1", grant.CadenceDaily, func(context.Context) { first.Add(1) }))
	assert.Eventually(t, func() bool { return first.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.RegisterRecurring("r-1", grant.CadenceDaily, func(context.Context) { second.Add(1) }))
	assert.Eventually(t, func() bool { return second.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	firstCount := first.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, firstCount, first.Load(), "replaced registration must stop ticking")
}

/*
Package ingest receives external business events and routes them into the
grant engine, de-duplicating deliveries on the way in.

PURPOSE:
  Event sources deliver at-least-once, often concurrently. The ingestor
  recognizes a replayed delivery and reports the same affected count as the
  original processing, without re-evaluating rules. The grant keys inside
  the engine are what actually prevent double-grants; the delivery log here
  only keeps replay responses stable and cheap.

DELIVERY KEY:
  (eventType, memberId, orderId-or-customKey). Two deliveries with the same
  key are the same event.
*/
package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/loyalty-engine/grant"
	"github.com/warp/loyalty-engine/ledger"
)

// Ingestor is the front door for business events.
type Ingestor struct {
	Engine *grant.Engine
	Events ledger.EventLog
	Log    zerolog.Logger
}

func New(engine *grant.Engine, events ledger.EventLog, log zerolog.Logger) *Ingestor {
	return &Ingestor{Engine: engine, Events: events, Log: log}
}

// Submit processes one event delivery and returns the number of lots it
// produced. A recognized replay returns the originally recorded count and
// touches nothing.
func (i *Ingestor) Submit(ctx context.Context, ev grant.Event) (int, error) {
	key := deliveryKey(ev)

	seen, affected, err := i.Events.SeenEvent(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("check delivery: %w", err)
	}
	if seen {
		i.Log.Debug().Str("delivery", key).Int("affected", affected).Msg("duplicate event delivery")
		return affected, nil
	}

	res, err := i.Engine.HandleEvent(ctx, ev)
	if err != nil {
		return 0, err
	}

	if err := i.Events.RecordEvent(ctx, key, res.Granted); err != nil {
		// The grants themselves are already idempotent; a lost delivery
		// record only means a replay re-walks the rule list.
		i.Log.Warn().Str("delivery", key).Err(err).Msg("failed to record event delivery")
	}
	return res.Granted, nil
}

func deliveryKey(ev grant.Event) string {
	ref := ev.OrderID
	if ref == "" {
		ref = ev.CustomKey
	}
	return fmt.Sprintf("%s|%s|%s", ev.Type, ev.MemberID, ref)
}

package monitor

import (
	"context"
	"time"
)

// PurgeExpired removes events older than their category's retention window and
// returns how many were removed. Permanent events are kept. When an archive is
// configured it is purged with the same cutoffs.
func (e *Engine) PurgeExpired(ctx context.Context) int {
	now := e.now()
	e.drainMu.Lock()
	e.logMu.Lock()
	kept := e.events[:0]
	removed := 0
	for _, ev := range e.events {
		if e.expired(ev, now) {
			delete(e.byID, ev.ID)
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	clear(e.events[len(kept):])
	e.events = kept
	if removed > 0 {
		e.byUser = make(map[string][]*AuditEvent)
		for _, ev := range kept {
			if ev.UserID != "" {
				e.byUser[ev.UserID] = append(e.byUser[ev.UserID], ev)
			}
		}
	}
	e.logMu.Unlock()
	e.releaseDrain(ctx)

	if removed > 0 {
		e.logger.Info("audit events purged", "count", removed)
	}
	if e.archive != nil {
		for _, c := range []RetentionCategory{RetentionShort, RetentionMedium, RetentionLong} {
			w, _ := e.cfg.Retention.Window(c)
			n, err := e.archive.PurgeEvents(ctx, c, now.Add(-w))
			if err != nil {
				e.logger.Error("archive purge failed", "category", string(c), "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("archived events purged", "category", string(c), "count", n)
			}
		}
	}
	return removed
}

func (e *Engine) expired(ev *AuditEvent, now time.Time) bool {
	w, ok := e.cfg.Retention.Window(ev.RetentionCategory)
	if !ok {
		return false
	}
	return now.Sub(ev.Timestamp) > w
}

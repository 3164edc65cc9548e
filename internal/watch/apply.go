package watch

import (
	"context"
	"fmt"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/preference"
	"remindd/internal/recurrence"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

func (l *Loop) apply(ctx context.Context, sh *shard, t task) error {
	c := t.change
	log := l.log.With(logx.Owner(c.OwnerID))

	if c.Kind == preference.Remove {
		// keep a tombstone so an upsert read before the delete stays stale
		if last, ok := sh.revs[c.OwnerID]; !ok || c.At.After(last) {
			sh.revs[c.OwnerID] = c.At
		}
		return l.purge(ctx, log, c.OwnerID, "removed")
	}
	if c.Kind != preference.Upsert || c.Pref == nil {
		return fmt.Errorf("malformed change %s", c.Kind)
	}

	p := *c.Pref
	if last, ok := sh.revs[c.OwnerID]; ok && !t.force && p.UpdatedAt.Before(last) {
		l.stale.Add(1)
		log.Debug("stale preference dropped", logx.Time("updated_at", p.UpdatedAt), logx.Time("applied", last))
		return nil
	}

	if !p.Active() {
		if err := l.purge(ctx, log, c.OwnerID, "inactive"); err != nil {
			return err
		}
		sh.revs[c.OwnerID] = p.UpdatedAt
		return nil
	}

	if off := p.Rule.SubHourOffset(); off != 0 {
		log.Warn("sub-hour timezone offset truncated to whole hours",
			logx.Int("offset_minutes", p.Rule.TimezoneOffsetMinutes), logx.Int("ignored_minutes", off))
	}
	horizon := l.Horizon()
	res := recurrence.Resolve(l.cfg.Now(), p.Rule, horizon)
	occs := l.occurrences(p, res.Slots)
	if err := l.withRetry(ctx, func() error { return l.store.ReplaceAll(ctx, c.OwnerID, occs) }); err != nil {
		return fmt.Errorf("replace occurrences: %w", err)
	}
	sh.revs[c.OwnerID] = p.UpdatedAt
	l.applied.Add(1)
	log.Info("occurrences regenerated", logx.Int("count", len(occs)), logx.Int("skipped", res.Skipped), logx.Int("horizon_weeks", horizon))
	l.bus.Publish(eventbus.Event{Type: eventbus.OwnerRegenerated, OwnerID: c.OwnerID, Data: len(occs)})
	return nil
}

func (l *Loop) occurrences(p preference.Preference, slots []recurrence.Slot) []storage.Occurrence {
	title := p.Title
	if title == "" {
		title = l.cfg.DefaultTitle
	}
	out := make([]storage.Occurrence, 0, len(slots))
	for _, s := range slots {
		out = append(out, storage.Occurrence{
			ID:           s.Key(p.OwnerID),
			OwnerID:      p.OwnerID,
			Weekday:      int(s.Weekday),
			WeekIndex:    s.WeekIndex,
			ScheduledFor: s.At,
			PushAddress:  p.PushAddress,
			Title:        title,
			Message:      p.Message,
			State:        storage.StatePending,
		})
	}
	return out
}

func (l *Loop) purge(ctx context.Context, log logx.Logger, owner, why string) error {
	var n int64
	err := l.withRetry(ctx, func() error {
		var err error
		n, err = l.store.PurgeOwner(ctx, owner)
		return err
	})
	if err != nil {
		return fmt.Errorf("purge owner: %w", err)
	}
	l.purged.Add(1)
	log.Info("occurrences purged", logx.String("reason", why), logx.Int64("deleted", n))
	l.bus.Publish(eventbus.Event{Type: eventbus.OwnerPurged, OwnerID: owner, Data: n})
	return nil
}

func (l *Loop) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= l.cfg.StoreRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == l.cfg.StoreRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * l.cfg.RetryDelay):
		}
	}
	return err
}

type Snapshot struct {
	Running      bool   `json:"running"`
	Shards       int    `json:"shards"`
	HorizonWeeks int    `json:"horizon_weeks"`
	Applied      uint64 `json:"applied"`
	Purged       uint64 `json:"purged"`
	Stale        uint64 `json:"stale"`
	Failed       uint64 `json:"failed"`
	LastError    string `json:"last_error,omitempty"`
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	s := Snapshot{Running: l.running, Shards: l.cfg.Shards}
	l.mu.Unlock()
	s.HorizonWeeks = l.Horizon()
	s.Applied = l.applied.Load()
	s.Purged = l.purged.Load()
	s.Stale = l.stale.Load()
	s.Failed = l.failed.Load()
	if p := l.lastErr.Load(); p != nil {
		s.LastError = *p
	}
	return s
}

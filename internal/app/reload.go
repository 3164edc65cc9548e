package app

import (
	"context"
	"strings"

	"remindd/internal/config"
	logx "remindd/pkg/logx"
)

// reloadLoop applies hot-reloaded config. Logging, dispatch tuning,
// recurrence horizon and retention apply live; storage, preferences,
// gateway and ops changes need a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config, lastApplied *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts: keep only the latest config
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart {
		a.log.Warn("some changed sections only take effect after a restart", logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if p := a.pipe; p != nil {
		if ds, err := next.Dispatch.Settings(); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			p.poller.Apply(mapDispatchConfig(ds))
			switch {
			case !ds.Enabled && p.dispatchEnabled:
				p.sched.Remove(jobDispatch)
				a.log.Info("dispatch disabled via config")
			case ds.Enabled && (!p.dispatchEnabled || ds.Every != p.dispatchEvery):
				if err := p.scheduleDispatch(ds.Every); err != nil {
					a.log.Warn("dispatch reschedule failed", logx.Err(err))
				}
			}
			p.dispatchEnabled = ds.Enabled
		}

		if rs, err := next.Retention.Settings(); err != nil {
			a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
		} else {
			p.sweeper.SetWindow(rs.Window)
			if rs.Schedule != p.retentionSpec {
				if err := p.scheduleRetention(rs.Schedule); err != nil {
					a.log.Warn("retention reschedule failed", logx.Err(err))
				}
			}
		}

		if h := next.Recurrence.HorizonOrDefault(); h != p.watch.Horizon() {
			p.watch.SetHorizon(h)
			a.sup.Go0("watch.resync_all", func(c context.Context) { a.resyncAll(c) })
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// resyncAll regenerates every owner, e.g. after the horizon changed.
func (a *App) resyncAll(ctx context.Context) {
	p := a.pipe
	owners, err := p.source.Owners()
	if err != nil {
		a.log.Warn("resync: list owners failed", logx.Err(err))
		return
	}
	failed := 0
	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		if err := p.watch.Resync(ctx, owner); err != nil {
			failed++
			a.log.Warn("resync failed", logx.Owner(owner), logx.Err(err))
		}
	}
	a.log.Info("resynced all owners", logx.Int("owners", len(owners)), logx.Int("failed", failed))
}

package app

import (
	"context"
	"strings"

	"covidbot/internal/config"
	"covidbot/pkg/logx"
)

// reloadLoop applies published configs until ctx is done. Sections that
// cannot change at runtime are logged and left as they are.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if rl, err := mapRateLimits(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous limits", logx.Err(err))
	} else {
		a.batch.Apply(rl.Broadcast, rl.Window)
		a.inter.Apply(rl.Interactive, rl.Window)
	}
	a.disp.Apply(mapDeliveryConfig(newCfg))
	a.producer.SetGraphs(newCfg.Delivery.Graphs)

	a.sched.Apply(mapSchedulerConfig(newCfg))
	if err := a.scheduleReports(newCfg); err != nil {
		a.log.Warn("invalid report schedule; keeping previous", logx.Err(err))
	}

	a.debug.Reconfigure(ctx, mapDebugConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/heartflow/internal/config"
	"github.com/stellarlinkco/heartflow/internal/cron"
)

const (
	dailyTickJob = "heartflow-daily-tick"
	autosaveJob  = "heartflow-autosave"
)

// ensureJobs registers the daily tick and, with affinity on, the autosave.
func (g *Gateway) ensureJobs() error {
	have := make(map[string]bool)
	for _, job := range g.cron.ListJobs() {
		have[job.Payload.Action] = true
	}

	if !have[cron.ActionDailyTick] {
		expr := strings.TrimSpace(g.cfg.Affinity.DailyTick)
		if expr == "" {
			expr = config.DefaultDailyTickExpr
		}
		if _, err := g.cron.AddJob(dailyTickJob, cron.Cron(expr), cron.Payload{Action: cron.ActionDailyTick}); err != nil {
			return fmt.Errorf("add daily tick: %w", err)
		}
	}
	if g.cfg.Affinity.Enabled && !have[cron.ActionAutosave] {
		if _, err := g.cron.AddJob(autosaveJob, cron.Every(g.cfg.AutosaveInterval()), cron.Payload{Action: cron.ActionAutosave}); err != nil {
			return fmt.Errorf("add autosave: %w", err)
		}
	}
	return nil
}

func (g *Gateway) runJob(job cron.CronJob) (string, error) {
	switch job.Payload.Action {
	case cron.ActionDailyTick:
		g.engine.DailyTick()
		return "ticked", nil
	case cron.ActionAutosave:
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := g.engine.SaveIfDirty(ctx); err != nil {
			return "", err
		}
		return "saved", nil
	default:
		return "", fmt.Errorf("unknown job action %q", job.Payload.Action)
	}
}

package app

import (
	"context"
	"strings"
	"time"

	"nudge/internal/config"
	"nudge/internal/maintenance"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

// Maintenance job names.
const (
	JobRegistrySweep = "registry.sweep"
	JobDebounceEvict = "debounce.evict"
	JobStatsSnapshot = "stats.snapshot"
)

func sweepSchedule(cfg *Config) string {
	if s := strings.TrimSpace(cfg.Maintenance.Sweep); s != "" {
		return s
	}
	return config.DefaultSweep
}

func statsSchedule(cfg *Config) string {
	if s := strings.TrimSpace(cfg.Maintenance.Stats); s != "" {
		return s
	}
	return config.DefaultStats
}

func (a *App) registerJobs(cfg *Config) error {
	jobs := []maintenance.Job{
		{Name: JobRegistrySweep, Schedule: sweepSchedule(cfg), Timeout: 30 * time.Second, Run: a.sweepRegistry},
		{Name: JobDebounceEvict, Schedule: sweepSchedule(cfg), Timeout: 30 * time.Second, Run: a.evictCoalescer},
	}
	// Snapshots only go somewhere when storage is on.
	if a.store != nil {
		jobs = append(jobs, maintenance.Job{
			Name: JobStatsSnapshot, Schedule: statsSchedule(cfg), Timeout: 10 * time.Second, Run: a.snapshotStats,
		})
	}
	for _, j := range jobs {
		if err := a.maint.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// rescheduleJobs applies new schedules after a reload. Failures keep the old
// schedule.
func (a *App) rescheduleJobs(cfg *Config) {
	a.maint.SetTimezone(cfg.Maintenance.Timezone)
	resched := func(name, spec string) {
		if err := a.maint.Reschedule(name, spec); err != nil {
			a.log.Warn("reschedule failed; keeping previous", logx.String("job", name), logx.Err(err))
		}
	}
	resched(JobRegistrySweep, sweepSchedule(cfg))
	resched(JobDebounceEvict, sweepSchedule(cfg))
	if a.store != nil {
		resched(JobStatsSnapshot, statsSchedule(cfg))
	}
}

func (a *App) sweepRegistry(context.Context) error {
	start := time.Now()
	n := a.reg.SweepExpired(start)
	if n > 0 {
		a.log.Debug("registry sweep", logx.Int("removed", n), logx.Duration("took", time.Since(start)))
	}
	return nil
}

func (a *App) evictCoalescer(context.Context) error {
	if n := a.coal.Evict(time.Now()); n > 0 {
		a.log.Debug("coalescer evict", logx.Int("evicted", n), logx.Int("remaining", a.coal.Stats().Entries))
	}
	return nil
}

func (a *App) snapshotStats(ctx context.Context) error {
	st := a.reg.Stats()
	return a.store.AppendStats(ctx, storage.StatsSnapshot{
		At:            time.Now().UTC(),
		Instance:      a.instance,
		Channels:      st.Channels,
		Subscriptions: st.Subscriptions,
		Counters:      a.metrics.Values(),
	})
}

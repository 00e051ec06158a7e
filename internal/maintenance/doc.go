// Package maintenance runs the relay's periodic housekeeping (expiry sweep,
// coalescer eviction, stats snapshots) on robfig/cron schedules.
//
// Schedules may be cron expressions, "@every" descriptors, Go durations or
// HH:MM intervals; see ParseSchedule.
package maintenance

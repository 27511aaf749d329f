// Package scheduler triggers named jobs from cron expressions or fixed
// intervals (robfig/cron). A job never runs concurrently with itself: a tick
// that arrives while the previous run is active is skipped and counted.
package scheduler

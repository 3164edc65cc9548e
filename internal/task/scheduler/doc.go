// Package scheduler triggers periodic jobs (the dispatch poller and the
// retention sweeper) from cron specs or fixed intervals.
//
// Jobs run in-process with a per-run timeout. A job that is still running
// when its next trigger fires is skipped, never queued.
package scheduler

// Package scheduler is the trigger engine.
//
// It keeps an in-memory index of every persisted job, sleeps until the
// earliest next_run_time and hands each due occurrence to the task engine.
// The scheduler is responsible only for:
//   - validating and persisting job definitions (cron and interval triggers)
//   - computing next fire times
//   - enqueueing firings, subject to max_instances, coalesce and misfire grace
//
// What a firing does is up to the RunFunc given to New.
package scheduler

// Package scheduler turns "deliver at T" into durable engine jobs and keeps
// the cron registry for recurring broadcasts.
//
// The scheduler owns no execution: it computes delays, allocates job ids and
// enqueues into the task engine. Cron entries fire in the configured
// timezone and hand the scheduled instant to their FireFunc.
package scheduler

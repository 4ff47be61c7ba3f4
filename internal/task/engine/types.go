package engine

import (
	"context"
	"encoding/json"
	"time"
)

// State is the lifecycle state of a durable job.
//
// A waiting job whose RunAt is in the future is reported as "delayed" by
// Stats; it is stored as waiting.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateRemoved   State = "removed"
)

const maxBackoff = 24 * time.Hour

// RetryPolicy is the per-job retry budget. Attempt n+1 runs Backoff*2^(n-1)
// after attempt n failed.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Delay returns the wait before the attempt following the failed attempt n.
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Job is an enqueue request.
//
// ID is optional; an explicit ID makes Enqueue idempotent (a second job with
// the same ID is ignored). Payload is marshaled to JSON.
type Job struct {
	ID      string
	Kind    string
	Payload any
	Delay   time.Duration
	Retry   RetryPolicy
}

// Record is the durable row behind a job.
type Record struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Payload     []byte        `json:"payload,omitempty"`
	State       State         `json:"state"`
	RunAt       time.Time     `json:"run_at"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	LeaseUntil  time.Time     `json:"lease_until,omitzero"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// Policy returns the retry policy stored with the job.
func (r Record) Policy() RetryPolicy {
	return RetryPolicy{MaxAttempts: r.MaxAttempts, Backoff: r.Backoff}
}

// Stats counts jobs of one kind per state.
type Stats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is the durable backend of the engine.
//
// ClaimJobs must be exclusive: a job is handed to at most one caller per
// lease. Jobs whose lease expired while active are claimable again.
// ExtendLease renews the lease of the claim identified by (id, attempt) and
// reports false once that claim is gone. CompleteJob, RetryJob, DeferJob and
// FailJob only apply to active jobs. DeferJob returns the job to waiting and
// gives back the attempt its claim counted.
type Queue interface {
	InsertJob(ctx context.Context, rec Record) (inserted bool, err error)
	ClaimJobs(ctx context.Context, kind string, now time.Time, lease time.Duration, limit int) ([]Record, error)
	ExtendLease(ctx context.Context, id string, attempt int, until, now time.Time) (bool, error)
	DeferJob(ctx context.Context, id string, runAt time.Time, now time.Time) error
	CompleteJob(ctx context.Context, id string, now time.Time) error
	RetryJob(ctx context.Context, id string, runAt time.Time, lastErr string, now time.Time) error
	FailJob(ctx context.Context, id string, lastErr string, now time.Time) error
	RemoveJob(ctx context.Context, id string, now time.Time) (bool, error)
	GetJob(ctx context.Context, id string) (Record, error)
	CountJobs(ctx context.Context, kind string, now time.Time) (Stats, error)
}

// Meta describes the job a handler is running.
type Meta struct {
	ID          string
	Kind        string
	Payload     []byte
	Attempt     int
	MaxAttempts int
	RunAt       time.Time
}

// Decode unmarshals the JSON payload into v.
func (m Meta) Decode(v any) error { return json.Unmarshal(m.Payload, v) }

// LastAttempt reports whether a failure now is final.
func (m Meta) LastAttempt() bool { return m.Attempt >= m.MaxAttempts }

type Handler func(ctx context.Context, job Meta) error

// HandlerOptions tune the consumer of one job kind.
type HandlerOptions struct {
	// RatePerSec caps job starts per second. 0 means unlimited.
	RatePerSec float64
	// Concurrency caps in-flight jobs. Default 1.
	Concurrency int
	// Timeout bounds one handler run. 0 means none.
	Timeout time.Duration
	// CircuitTrip is the number of consecutive retryable failures that
	// pause claiming. 0 means 5; negative disables the breaker.
	CircuitTrip int
}

// Config controls polling and leasing.
//
// Defaults (when zero):
//   - PollInterval: 1s
//   - Lease: 5m
//   - HistorySize: 200
//   - StatsInterval: 15s
type Config struct {
	PollInterval  time.Duration
	Lease         time.Duration
	HistorySize   int
	StatsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 15 * time.Second
	}
	return c
}

// HistoryItem records one handler execution.
type HistoryItem struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Attempt   int           `json:"attempt"`
	Duration  time.Duration `json:"duration,omitempty"`
	NextRunAt time.Time     `json:"next_run_at,omitzero"`
	Error     string        `json:"error,omitempty"`
}

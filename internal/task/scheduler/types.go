package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"letterbox/internal/eventbus"
	"letterbox/internal/task/engine"
	logx "letterbox/pkg/logx"
)

// Job kinds.
const (
	KindDeliver   = "letter.deliver"
	KindBroadcast = "broadcast.send"
)

// DefaultImmediateThreshold is the window in which a due instant runs now.
const DefaultImmediateThreshold = 60 * time.Second

// DefaultRetry is the retry budget of delivery and broadcast jobs.
var DefaultRetry = engine.RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Second}

// Config controls the scheduler.
type Config struct {
	Enabled            bool
	Timezone           string // IANA TZ for cron entries, e.g. "Europe/Berlin"
	ImmediateThreshold time.Duration
	Retry              engine.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.ImmediateThreshold <= 0 {
		c.ImmediateThreshold = DefaultImmediateThreshold
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if c.Retry.Backoff <= 0 {
		c.Retry.Backoff = DefaultRetry.Backoff
	}
	return c
}

// DeliveryPayload is the body of a letter.deliver job.
type DeliveryPayload struct {
	LetterID string `json:"letterId"`
}

// JobHandle identifies an enqueued job.
type JobHandle struct {
	ID    string        `json:"id"`
	Kind  string        `json:"kind"`
	RunAt time.Time     `json:"runAt"`
	Delay time.Duration `json:"delay"`
}

// Enqueuer is the part of the task engine the scheduler drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, j engine.Job) (string, error)
	Remove(ctx context.Context, id string) (bool, error)
	Job(ctx context.Context, id string) (engine.Record, error)
	Stats(ctx context.Context, kind string) (engine.Stats, error)
	Kinds() []string
}

// RepeatKey identifies a cron registration. Changing the cron expression of
// a schedule yields a different key.
type RepeatKey struct {
	ScheduleID string
	Cron       string
}

// FireFunc runs when a repeat is due; at is the scheduled instant.
type FireFunc func(ctx context.Context, key RepeatKey, at time.Time) error

type RepeatInfo struct {
	ScheduleID string    `json:"scheduleId"`
	Cron       string    `json:"cron"`
	Next       time.Time `json:"next,omitzero"`
	Prev       time.Time `json:"prev,omitzero"`
}

type repeatDef struct {
	key     RepeatKey
	sched   cron.Schedule
	fire    FireFunc
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	q   Enqueuer

	parser  cron.Parser
	c       *cron.Cron
	ctx     context.Context
	repeats map[RepeatKey]*repeatDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	now func() time.Time
}

type Snapshot struct {
	Enabled  bool         `json:"enabled"`
	Running  bool         `json:"running"`
	Timezone string       `json:"timezone"`
	Repeats  []RepeatInfo `json:"repeats"`
}

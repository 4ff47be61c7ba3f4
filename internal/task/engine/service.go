package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"letterbox/internal/eventbus"
	"letterbox/internal/metrics"
	rtsup "letterbox/internal/runtime/supervisor"
	logx "letterbox/pkg/logx"
)

// Service runs durable jobs from a Queue. One consume loop per registered
// kind claims due jobs, runs the handler and records the outcome.
type Service struct {
	mu        sync.Mutex
	cfg       Config
	q         Queue
	log       logx.Logger
	bus       eventbus.Bus
	consumers map[string]*consumer
	sup       *rtsup.Supervisor

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

type consumer struct {
	kind string
	h    Handler
	opts HandlerOptions
	lim  *rate.Limiter
	sem  chan struct{}
	wake chan struct{}
	cb   *circuit
}

func New(cfg Config, q Queue, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		q:         q,
		log:       log,
		bus:       bus,
		consumers: map[string]*consumer{},
		now:       time.Now,
	}
}

// Apply swaps polling settings; running loops pick them up on their next cycle.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Handle registers the consumer of kind. Registering after Start starts its loop.
func (s *Service) Handle(kind string, h Handler, opts HandlerOptions) {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		return
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	c := &consumer{
		kind: kind,
		h:    h,
		opts: opts,
		lim:  lim,
		sem:  make(chan struct{}, opts.Concurrency),
		wake: make(chan struct{}, 1),
		cb:   newCircuit(opts.CircuitTrip),
	}

	s.mu.Lock()
	s.consumers[kind] = c
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		s.startConsumer(sup, c)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// a failing consumer must not take the process down
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	cs := make([]*consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		cs = append(cs, c)
	}
	s.mu.Unlock()

	for _, c := range cs {
		s.startConsumer(sup, c)
	}
	sup.GoRestart("jobs.stats", s.statsLoop)

	s.log.Info("task engine started", logx.Int("kinds", len(cs)))
}

func (s *Service) startConsumer(sup *rtsup.Supervisor, c *consumer) {
	sup.GoRestart("consume."+c.kind, func(ctx context.Context) error {
		return s.consume(ctx, sup, c)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
}

// Stop cancels the consume loops and waits for in-flight handlers.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Enqueue stores a job. It returns the job ID, which is j.ID when set.
// Enqueueing an ID that already exists is a no-op.
func (s *Service) Enqueue(ctx context.Context, j Job) (string, error) {
	kind := strings.TrimSpace(j.Kind)
	if kind == "" {
		return "", ErrKindMissing
	}
	id := strings.TrimSpace(j.ID)
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return "", fmt.Errorf("job %s: payload: %w", kind, err)
	}

	now := s.now().UTC()
	rec := Record{
		ID:          id,
		Kind:        kind,
		Payload:     payload,
		State:       StateWaiting,
		RunAt:       now.Add(max(j.Delay, 0)),
		MaxAttempts: max(j.Retry.MaxAttempts, 1),
		Backoff:     max(j.Retry.Backoff, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inserted, err := s.q.InsertJob(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("job %s: enqueue: %w", kind, err)
	}
	if !inserted {
		s.log.Debug("job already enqueued", logx.String("id", id), logx.String("kind", kind))
		return id, nil
	}

	metrics.JobsEnqueued.WithLabelValues(kind).Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.JobEnqueued, Time: now, Data: JobEvent{ID: id, Kind: kind, NextRunAt: rec.RunAt}})
	s.log.Debug("job enqueued", logx.String("id", id), logx.String("kind", kind), logx.Time("run_at", rec.RunAt))

	if !rec.RunAt.After(now) {
		s.wakeKind(kind)
	}
	return id, nil
}

func (s *Service) wakeKind(kind string) {
	s.mu.Lock()
	c := s.consumers[kind]
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Remove deletes a job that has not started. It reports false when the job
// is running, finished or unknown.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := s.q.RemoveJob(ctx, id, s.now().UTC())
	if err != nil {
		return false, err
	}
	if removed {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobRemoved, Data: JobEvent{ID: id}})
	}
	return removed, nil
}

func (s *Service) Job(ctx context.Context, id string) (Record, error) {
	return s.q.GetJob(ctx, id)
}

func (s *Service) Stats(ctx context.Context, kind string) (Stats, error) {
	return s.q.CountJobs(ctx, kind, s.now().UTC())
}

// Kinds lists registered job kinds.
func (s *Service) Kinds() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.consumers))
	for k := range s.consumers {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// History returns the most recent executions, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) record(item HistoryItem) {
	size := s.config().HistorySize
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) statsLoop(ctx context.Context) error {
	for {
		for _, kind := range s.Kinds() {
			st, err := s.Stats(ctx, kind)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				s.log.Debug("queue stats failed", logx.String("kind", kind), logx.Err(err))
				continue
			}
			metrics.QueueDepth.WithLabelValues(kind, "waiting").Set(float64(st.Waiting))
			metrics.QueueDepth.WithLabelValues(kind, "delayed").Set(float64(st.Delayed))
			metrics.QueueDepth.WithLabelValues(kind, "active").Set(float64(st.Active))
			metrics.QueueDepth.WithLabelValues(kind, "failed").Set(float64(st.Failed))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config().StatsInterval):
		}
	}
}

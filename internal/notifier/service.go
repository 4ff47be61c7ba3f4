package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"letterbox/internal/eventbus"
	"letterbox/internal/metrics"
	rtsup "letterbox/internal/runtime/supervisor"
	logx "letterbox/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Bus event types.
const (
	EventQueued  = "notifier.queued"
	EventStored  = "notifier.stored"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventFailed  = "notifier.failed"
)

const historySize = 300

type job struct {
	n   Notification
	key string
}

// Service is an async notification pipeline: queue, worker pool, retry and
// dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store Store
	cfg   Config

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:   log,
		bus:   bus,
		store: store,
		now:   time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// DedupKey identifies a notification across job retries.
func DedupKey(n Notification) string {
	return strings.Join([]string{string(n.Type), n.LetterID, n.OwnerID}, "|")
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps retry settings. Worker and queue sizes apply on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifications are best-effort; a dead worker must not stop delivery
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("notifier worker exited unexpectedly")
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Emit queues n for persistence. It never blocks; a full queue drops n.
// Notifications without an owner are ignored.
func (s *Service) Emit(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(n.OwnerID) == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := DedupKey(n)
	select {
	case q <- job{n: n, key: key}:
		s.bus.Publish(eventbus.Event{Type: EventQueued, Data: Event{Key: key, Type: n.Type, At: s.now()}})
		return nil
	default:
		metrics.Notifications.WithLabelValues("dropped").Inc()
		s.bus.Publish(eventbus.Event{Type: EventDropped, Data: Event{Key: key, Type: n.Type, At: s.now(), Error: ErrQueueFull.Error()}})
		return ErrQueueFull
	}
}

func (s *Service) List(ctx context.Context, ownerID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListNotifications(ctx, ownerID, limit)
}

func (s *Service) UnreadCount(ctx context.Context, ownerID string) (int, error) {
	return s.store.CountUnread(ctx, ownerID)
}

func (s *Service) MarkRead(ctx context.Context, id, ownerID string) (bool, error) {
	return s.store.MarkRead(ctx, id, ownerID, s.now().UTC())
}

func (s *Service) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	return s.store.MarkAllRead(ctx, ownerID, s.now().UTC())
}

// Snapshot returns recent outcomes, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(j job, outcome string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), OwnerID: j.n.OwnerID, Type: j.n.Type, LetterID: j.n.LetterID, Outcome: outcome})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.storeWithRetry(ctx, j)
		}
	}
}

func (s *Service) storeWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.now().UTC()
	rec := Record{
		ID:        uuid.NewString(),
		OwnerID:   j.n.OwnerID,
		Type:      j.n.Type,
		Title:     j.n.Title,
		Message:   j.n.Message,
		LetterID:  j.n.LetterID,
		Channel:   ChannelInApp,
		DedupKey:  j.key,
		CreatedAt: now,
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		inserted, err := s.store.InsertNotification(cctx, rec)
		cancel()
		if err == nil {
			outcome := "stored"
			ev := EventStored
			if !inserted {
				outcome, ev = "deduped", EventDeduped
			}
			metrics.Notifications.WithLabelValues(outcome).Inc()
			s.appendHistory(j, outcome)
			s.bus.Publish(eventbus.Event{Type: ev, Data: Event{Key: j.key, Type: j.n.Type, At: s.now()}})
			s.log.Debug("notification "+outcome, logx.String("owner", j.n.OwnerID), logx.String("type", string(j.n.Type)), logx.String("letter", j.n.LetterID))
			return
		}
		lastErr = err
		s.log.Debug("notification store failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	metrics.Notifications.WithLabelValues("failed").Inc()
	s.appendHistory(j, "failed")
	s.bus.Publish(eventbus.Event{Type: EventFailed, Data: Event{Key: j.key, Type: j.n.Type, At: s.now(), Error: lastErr.Error()}})
	s.log.Warn("notification dropped after retries", logx.Err(lastErr), logx.String("owner", j.n.OwnerID), logx.String("type", string(j.n.Type)))
}

// retryDelay is base*2^(attempt-1) with 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

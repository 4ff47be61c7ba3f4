package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"letterbox/internal/eventbus"
	"letterbox/internal/metrics"
	rtsup "letterbox/internal/runtime/supervisor"
	logx "letterbox/pkg/logx"
)

const bookkeepingTimeout = 10 * time.Second

// consume claims due jobs of one kind until ctx is done. Each claimed job
// runs in its own supervised goroutine, bounded by the consumer semaphore.
func (s *Service) consume(ctx context.Context, sup *rtsup.Supervisor, c *consumer) error {
	for {
		if until := c.cb.until(s.now()); !until.IsZero() {
			s.log.Debug("consumer paused: circuit open", logx.String("kind", c.kind), logx.Time("until", until))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Until(until)):
			}
			continue
		}
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		if err := c.lim.Wait(ctx); err != nil {
			<-c.sem
			return nil
		}

		cfg := s.config()
		recs, err := s.q.ClaimJobs(ctx, c.kind, s.now().UTC(), cfg.Lease, 1)
		if err != nil {
			<-c.sem
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim %s: %w", c.kind, err)
		}
		if len(recs) == 0 {
			<-c.sem
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
			case <-time.After(cfg.PollInterval):
			}
			continue
		}

		rec := recs[0]
		sup.Go("exec."+c.kind, func(ctx context.Context) error {
			defer func() { <-c.sem }()
			s.execOne(ctx, c, rec)
			return nil
		})
	}
}

func (s *Service) execOne(ctx context.Context, c *consumer, rec Record) {
	start := s.now().UTC()
	meta := Meta{
		ID:          rec.ID,
		Kind:        rec.Kind,
		Payload:     rec.Payload,
		Attempt:     rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		RunAt:       rec.RunAt,
	}
	log := s.log.With(logx.String("job", rec.ID), logx.String("kind", rec.Kind), logx.Int("attempt", rec.Attempts))
	log.Debug("job.started", logx.Duration("queue_delay", start.Sub(rec.RunAt)))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: start, Data: JobEvent{ID: rec.ID, Kind: rec.Kind, Attempt: rec.Attempts}})

	leaseCtx, dropLease := context.WithCancel(ctx)
	defer dropLease()
	stopLease := s.keepLease(leaseCtx, dropLease, rec, log)
	runCtx := leaseCtx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(leaseCtx, c.opts.Timeout)
		defer cancel()
	}
	err := s.runHandler(runCtx, c.h, meta, log)
	lost := stopLease()

	finish := s.now().UTC()
	dur := finish.Sub(start)
	metrics.JobDuration.WithLabelValues(rec.Kind).Observe(dur.Seconds())

	// Outcome bookkeeping must survive shutdown of the consume context.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	ev := JobEvent{ID: rec.ID, Kind: rec.Kind, Attempt: rec.Attempts, Duration: dur}
	item := HistoryItem{ID: rec.ID, Kind: rec.Kind, Attempt: rec.Attempts, Started: start, Duration: dur}

	after, postponed := IsPostponed(err)
	switch {
	case lost:
		// another consumer owns the job now; its outcome wins
		item.Outcome = "lost"
		if err != nil {
			item.Error = err.Error()
		}
		log.Warn("job.lease_lost", logx.Duration("dur", dur))

	case err == nil:
		c.cb.record(finish, false)
		item.Outcome = "completed"
		if qerr := s.q.CompleteJob(bctx, rec.ID, finish); qerr != nil {
			log.Error("job complete failed", logx.Err(qerr))
		}
		log.Debug("job.completed", logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Time: finish, Data: ev})

	case postponed || ctx.Err() != nil:
		// Not a failure: the job ran early, or shutdown interrupted it.
		item.Outcome = "deferred"
		item.Error = err.Error()
		next := finish.Add(min(after, maxBackoff))
		ev.Error = item.Error
		ev.NextRunAt = next
		if qerr := s.q.DeferJob(bctx, rec.ID, next, finish); qerr != nil {
			log.Error("job defer failed", logx.Err(qerr))
		}
		log.Info("job.deferred", logx.Err(err), logx.Time("next_run_at", next))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobRetry, Time: finish, Data: ev})

	case IsNoRetry(err) || rec.Attempts >= rec.MaxAttempts:
		item.Outcome = "failed"
		item.Error = err.Error()
		ev.Error = item.Error
		if qerr := s.q.FailJob(bctx, rec.ID, item.Error, finish); qerr != nil {
			log.Error("job fail failed", logx.Err(qerr))
		}
		log.Warn("job.failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("max_attempts", rec.MaxAttempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Time: finish, Data: ev})

	default:
		// an explicit retry hint is flow control, not an outage
		var ra RetryAfterError
		if !errors.As(err, &ra) {
			c.cb.record(finish, true)
		}
		item.Outcome = "retry"
		item.Error = err.Error()
		next := finish.Add(retryDelay(rec.Policy(), rec.Attempts, err))
		ev.Error = item.Error
		ev.NextRunAt = next
		if qerr := s.q.RetryJob(bctx, rec.ID, next, item.Error, finish); qerr != nil {
			log.Error("job retry failed", logx.Err(qerr))
		}
		log.Info("job.retry", logx.Err(err), logx.Time("next_run_at", next))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobRetry, Time: finish, Data: ev})
	}

	metrics.JobsProcessed.WithLabelValues(rec.Kind, item.Outcome).Inc()
	s.record(item)
}

// keepLease renews the claim on rec every third of the lease while the
// handler runs. When the claim is lost it cancels the handler through drop.
// The returned func stops renewing and reports whether the claim was lost.
func (s *Service) keepLease(ctx context.Context, drop context.CancelFunc, rec Record, log logx.Logger) func() bool {
	lease := s.config().Lease
	done := make(chan struct{})
	var lost atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(max(lease/3, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
			}
			now := s.now().UTC()
			ok, err := s.q.ExtendLease(ctx, rec.ID, rec.Attempts, now.Add(lease), now)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					log.Warn("job lease renew failed", logx.Err(err))
				}
			case !ok:
				lost.Store(true)
				drop()
				return
			}
		}
	}()
	return func() bool {
		close(done)
		wg.Wait()
		return lost.Load()
	}
}

// runHandler converts handler panics into errors so one bad job can't kill the loop.
func (s *Service) runHandler(ctx context.Context, h Handler, meta Meta, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return h(ctx, meta)
}

func retryDelay(p RetryPolicy, attempt int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return min(ra.RetryAfter(), maxBackoff)
	}
	return p.Delay(attempt)
}

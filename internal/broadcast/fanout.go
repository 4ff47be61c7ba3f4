package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"letterbox/internal/eventbus"
	"letterbox/internal/mailer"
	"letterbox/internal/metrics"
	"letterbox/internal/task/engine"
	"letterbox/internal/task/scheduler"
	logx "letterbox/pkg/logx"
)

const progressTimeout = 5 * time.Second

// Registrar is the engine surface the consumer registers on.
type Registrar interface {
	Handle(kind string, h engine.Handler, opts engine.HandlerOptions)
}

// Register installs the broadcast.send consumer.
func (s *Service) Register(r Registrar) {
	cfg := s.config()
	r.Handle(scheduler.KindBroadcast, s.Handle, engine.HandlerOptions{
		RatePerSec:  cfg.RatePerSec,
		Concurrency: 1,
		Timeout:     cfg.Timeout,
		// recipient failures never fail the job, so the circuit stays closed
		CircuitTrip: -1,
	})
}

// Handle fans one broadcast out to its audience. Individual send failures
// are counted, never returned: the job completes once every recipient was
// tried. Failing to resolve the audience is retried, and an interrupted
// fan-out returns the interruption so the job runs again. Addresses already
// mailed by an earlier run of the same job are skipped.
func (s *Service) Handle(ctx context.Context, job engine.Meta) error {
	var m Message
	if err := job.Decode(&m); err != nil {
		return engine.NoRetry(fmt.Errorf("broadcast payload: %w", err))
	}
	if err := m.validate(); err != nil {
		return engine.NoRetry(err)
	}
	log := s.log.With(logx.String("job", job.ID), logx.String("type", string(m.Type)), logx.Int("attempt", job.Attempt))

	recipients, err := s.Recipients(ctx, m.Type)
	if err != nil {
		return err
	}
	done, err := s.progress.BroadcastSentTo(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("broadcast progress: %w", err)
	}
	pending := recipients
	if len(done) > 0 {
		seen := make(map[string]struct{}, len(done))
		for _, e := range done {
			seen[addrKey(e)] = struct{}{}
		}
		pending = make([]Recipient, 0, len(recipients))
		for _, r := range recipients {
			if _, ok := seen[addrKey(r.Email)]; !ok {
				pending = append(pending, r)
			}
		}
	}
	resumed := len(recipients) - len(pending)

	start := s.now().UTC()
	st := &JobStatus{
		ID:         job.ID,
		Type:       m.Type,
		Subject:    m.Subject,
		ScheduleID: m.ScheduleID,
		Total:      len(recipients),
		Sent:       resumed,
		Resumed:    resumed,
		Attempt:    job.Attempt,
		StartedAt:  start,
		Running:    true,
	}
	s.startStatus(st)
	if len(pending) == 0 {
		if len(recipients) == 0 {
			log.Warn("broadcast has no recipients")
		}
		s.finish(log, s.finishStatus(job.ID, start))
		return nil
	}

	mail := mailer.BroadcastMail{Subject: m.Subject, Message: m.Message, Date: start}
	if m.DeliveryDate != nil {
		mail.Date = m.DeliveryDate.UTC()
	}
	if a := m.Action; a != nil {
		mail.Action = &mailer.Action{IntroText: a.IntroText, ButtonText: a.ButtonText, URL: a.URL}
	}

	cfg := s.config()
	total := (len(pending) + cfg.BatchSize - 1) / cfg.BatchSize
	log.Info("broadcast.started", logx.Int("recipients", len(pending)), logx.Int("resumed", resumed), logx.Int("batches", total))

	for i := 0; i < len(pending); i += cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return s.interrupted(log, job.ID, len(pending)-i, err)
		}
		batch := pending[i:min(i+cfg.BatchSize, len(pending))]
		log.Debug("broadcast batch", logx.Int("batch", i/cfg.BatchSize+1), logx.Int("of", total), logx.Int("size", len(batch)))
		s.sendBatch(ctx, log, job.ID, m.Type, batch, mail)

		if i+cfg.BatchSize < len(pending) {
			if err := s.sleep(ctx, cfg.BatchPause); err != nil {
				return s.interrupted(log, job.ID, len(pending)-i-len(batch), err)
			}
		}
	}

	s.finish(log, s.finishStatus(job.ID, s.now().UTC()))
	return nil
}

func (s *Service) interrupted(log logx.Logger, jobID string, remaining int, err error) error {
	st := s.finishStatus(jobID, s.now().UTC())
	log.Warn("broadcast interrupted", logx.Err(err), logx.Int("remaining", remaining), logx.Int("sent", st.Sent))
	return fmt.Errorf("broadcast interrupted with %d recipients left: %w", remaining, err)
}

// sendBatch sends to every recipient of batch concurrently and waits for all.
func (s *Service) sendBatch(ctx context.Context, log logx.Logger, jobID string, a Audience, batch []Recipient, mail mailer.BroadcastMail) {
	var wg sync.WaitGroup
	for _, r := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.sendOne(ctx, r, mail); err != nil {
				metrics.BroadcastSends.WithLabelValues(string(a), "failed").Inc()
				s.markFail(jobID, r.Email)
				log.Error("broadcast send failed", logx.Email("to", r.Email), logx.Err(err))
				return
			}
			metrics.BroadcastSends.WithLabelValues(string(a), "sent").Inc()
			s.markSent(jobID)
			s.remember(ctx, log, jobID, r.Email)
		}()
	}
	wg.Wait()
}

// remember records a sent address. It outlives ctx so a send that completed
// during shutdown is still recorded.
func (s *Service) remember(ctx context.Context, log logx.Logger, jobID, email string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressTimeout)
	defer cancel()
	if err := s.progress.MarkBroadcastSent(ctx, jobID, email, s.now().UTC()); err != nil {
		log.Warn("broadcast progress not saved", logx.Email("to", email), logx.Err(err))
	}
}

func (s *Service) sendOne(ctx context.Context, r Recipient, mail mailer.BroadcastMail) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.send.SendBroadcast(ctx, r.Email, r.Name, mail)
}

func (s *Service) finish(log logx.Logger, st JobStatus) {
	dur := st.DoneAt.Sub(st.StartedAt)
	fields := []logx.Field{
		logx.Int("total", st.Total),
		logx.Int("sent", st.Sent),
		logx.Int("failed", st.Failed),
		logx.Duration("dur", dur),
	}
	if st.Failed > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast.finished", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Time: st.DoneAt, Data: st})
}

package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"letterbox/internal/task/engine"
	logx "letterbox/pkg/logx"
)

// DelayFor returns the wait before a job due at at. Instants within the
// immediate threshold, or in the past, run now.
func DelayFor(now, at time.Time, threshold time.Duration) time.Duration {
	d := at.Sub(now)
	if d <= threshold {
		return 0
	}
	return d
}

// NewDeliveryJobID allocates the job id of one delivery attempt chain:
// letter:<id>:<unix ms>:<nonce>. The nonce keeps a letter rescheduled back to
// an earlier instant from colliding with the cancelled job of that instant.
func NewDeliveryJobID(letterID string, at time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("letter:%s:%d:%s", letterID, at.UTC().UnixMilli(), hex.EncodeToString(b[:]))
}

// ScheduleDelivery enqueues a delivery job for letterID at at under a fresh id.
func (s *Service) ScheduleDelivery(ctx context.Context, letterID string, at time.Time) (JobHandle, error) {
	return s.EnqueueDelivery(ctx, NewDeliveryJobID(letterID, at), letterID, at)
}

// EnqueueDelivery enqueues a delivery job under a pre-allocated id. It is
// idempotent: a job that already exists under jobID is left alone.
func (s *Service) EnqueueDelivery(ctx context.Context, jobID, letterID string, at time.Time) (JobHandle, error) {
	if strings.TrimSpace(letterID) == "" {
		return JobHandle{}, fmt.Errorf("schedule delivery: letter id required")
	}
	cfg := s.config()
	now := s.now().UTC()
	delay := DelayFor(now, at, cfg.ImmediateThreshold)

	id, err := s.q.Enqueue(ctx, engine.Job{
		ID:      jobID,
		Kind:    KindDeliver,
		Payload: DeliveryPayload{LetterID: letterID},
		Delay:   delay,
		Retry:   cfg.Retry,
	})
	if err != nil {
		return JobHandle{}, fmt.Errorf("schedule delivery %s: %w", letterID, err)
	}
	s.log.Debug("delivery scheduled", logx.String("letter", letterID), logx.String("job", id), logx.Duration("delay", delay))
	return JobHandle{ID: id, Kind: KindDeliver, RunAt: now.Add(delay), Delay: delay}, nil
}

// ScheduleBroadcast enqueues a broadcast.send job. A nil at runs it now.
// An empty jobID lets the engine assign one.
func (s *Service) ScheduleBroadcast(ctx context.Context, jobID string, payload any, at *time.Time) (JobHandle, error) {
	cfg := s.config()
	now := s.now().UTC()
	var delay time.Duration
	if at != nil {
		delay = DelayFor(now, *at, cfg.ImmediateThreshold)
	}
	id, err := s.q.Enqueue(ctx, engine.Job{
		ID:      jobID,
		Kind:    KindBroadcast,
		Payload: payload,
		Delay:   delay,
		Retry:   cfg.Retry,
	})
	if err != nil {
		return JobHandle{}, fmt.Errorf("schedule broadcast: %w", err)
	}
	return JobHandle{ID: id, Kind: KindBroadcast, RunAt: now.Add(delay), Delay: delay}, nil
}

// Cancel removes a pending job. It reports whether the job was removed; a
// job that already ran, is running or never existed is left as is. Errors
// are logged, not returned.
func (s *Service) Cancel(ctx context.Context, jobID string) bool {
	if strings.TrimSpace(jobID) == "" {
		return false
	}
	removed, err := s.q.Remove(ctx, jobID)
	if err != nil {
		s.log.Warn("cancel job failed", logx.String("job", jobID), logx.Err(err))
		return false
	}
	if removed {
		s.log.Debug("job cancelled", logx.String("job", jobID))
	}
	return removed
}

func (s *Service) JobStatus(ctx context.Context, jobID string) (engine.Record, error) {
	return s.q.Job(ctx, jobID)
}

// QueueStats returns per-kind counts for every registered kind.
func (s *Service) QueueStats(ctx context.Context) (map[string]engine.Stats, error) {
	out := map[string]engine.Stats{}
	for _, kind := range s.q.Kinds() {
		st, err := s.q.Stats(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("queue stats %s: %w", kind, err)
		}
		out[kind] = st
	}
	return out, nil
}

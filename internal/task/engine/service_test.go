package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"letterbox/internal/eventbus"
	logx "letterbox/pkg/logx"
)

func newTestService(t *testing.T) (*Service, *MemQueue) {
	t.Helper()
	return newTestServiceWith(t, Config{PollInterval: 10 * time.Millisecond, Lease: time.Minute})
}

func newTestServiceWith(t *testing.T, cfg Config) (*Service, *MemQueue) {
	t.Helper()
	q := NewMemQueue()
	s := New(cfg, q, logx.Nop(), eventbus.New())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, q
}

func waitState(t *testing.T, q *MemQueue, id string, want State) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = q.GetJob(context.Background(), id)
		return err == nil && rec.State == want
	}, 3*time.Second, 5*time.Millisecond)
	return rec
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Second}
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 20*time.Second, p.Delay(3))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(2))
	assert.Equal(t, maxBackoff, RetryPolicy{Backoff: time.Hour}.Delay(40))
}

func TestEnqueueRunsHandler(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	type payload struct {
		LetterID string `json:"letterId"`
	}
	got := make(chan payload, 1)
	s.Handle("letter.deliver", func(ctx context.Context, job Meta) error {
		var p payload
		assert.NoError(t, job.Decode(&p))
		assert.Equal(t, 1, job.Attempt)
		got <- p
		return nil
	}, HandlerOptions{})
	s.Start(context.Background())

	id, err := s.Enqueue(context.Background(), Job{Kind: "letter.deliver", Payload: payload{LetterID: "l1"}})
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, "l1", p.LetterID)
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
	rec := waitState(t, q, id, StateCompleted)
	assert.NotNil(t, rec.FinishedAt)
	require.Eventually(t, func() bool { return len(s.History()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "completed", s.History()[0].Outcome)
}

func TestEnqueueIsIdempotentByID(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	for range 2 {
		id, err := s.Enqueue(context.Background(), Job{ID: "fixed", Kind: "k", Delay: time.Hour})
		require.NoError(t, err)
		assert.Equal(t, "fixed", id)
	}
	st, err := q.CountJobs(context.Background(), "k", time.Now())
	require.NoError(t, err)
	assert.Equal(t, Stats{Delayed: 1}, st)
}

func TestRetryThenFail(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	var calls atomic.Int32
	s.Handle("k", func(ctx context.Context, job Meta) error {
		calls.Add(1)
		return errors.New("smtp down")
	}, HandlerOptions{})
	s.Start(context.Background())

	id, err := s.Enqueue(context.Background(), Job{Kind: "k", Retry: RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}})
	require.NoError(t, err)

	rec := waitState(t, q, id, StateFailed)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, "smtp down", rec.LastError)
}

func TestNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	var calls atomic.Int32
	s.Handle("k", func(ctx context.Context, job Meta) error {
		calls.Add(1)
		return NoRetry(errors.New("gone"))
	}, HandlerOptions{})
	s.Start(context.Background())

	id, err := s.Enqueue(context.Background(), Job{Kind: "k", Retry: RetryPolicy{MaxAttempts: 5}})
	require.NoError(t, err)

	waitState(t, q, id, StateFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPanicIsRetried(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	var calls atomic.Int32
	s.Handle("k", func(ctx context.Context, job Meta) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, HandlerOptions{})
	s.Start(context.Background())

	id, err := s.Enqueue(context.Background(), Job{Kind: "k", Retry: RetryPolicy{MaxAttempts: 2}})
	require.NoError(t, err)
	rec := waitState(t, q, id, StateCompleted)
	assert.Equal(t, 2, rec.Attempts)
}

func TestRemoveWaitingJob(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	id, err := s.Enqueue(context.Background(), Job{Kind: "k", Delay: time.Hour})
	require.NoError(t, err)

	removed, err := s.Remove(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.Remove(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, removed)

	rec, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateRemoved, rec.State)
}

func TestDelayedJobWaits(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	var calls atomic.Int32
	s.Handle("k", func(ctx context.Context, job Meta) error {
		calls.Add(1)
		return nil
	}, HandlerOptions{})
	s.Start(context.Background())

	id, err := s.Enqueue(context.Background(), Job{Kind: "k", Delay: 150 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	waitState(t, q, id, StateCompleted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrencyLimit(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	var inflight, peak atomic.Int32
	var mu sync.Mutex
	s.Handle("k", func(ctx context.Context, job Meta) error {
		n := inflight.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return nil
	}, HandlerOptions{Concurrency: 2})
	s.Start(context.Background())

	var ids []string
	for range 6 {
		id, err := s.Enqueue(context.Background(), Job{Kind: "k"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitState(t, q, id, StateCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	t.Parallel()

	q := NewMemQueue()
	ctx := context.Background()
	now := time.Now()
	_, err := q.InsertJob(ctx, Record{ID: "j", Kind: "k", State: StateWaiting, RunAt: now, MaxAttempts: 3})
	require.NoError(t, err)

	first, err := q.ClaimJobs(ctx, "k", now, time.Second, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := q.ClaimJobs(ctx, "k", now, time.Second, 1)
	require.NoError(t, err)
	assert.Empty(t, again, "claim is exclusive while the lease holds")

	later, err := q.ClaimJobs(ctx, "k", now.Add(2*time.Second), time.Second, 1)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, 2, later[0].Attempts)
}

func TestEnqueueRequiresKind(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	_, err := s.Enqueue(context.Background(), Job{})
	assert.ErrorIs(t, err, ErrKindMissing)
}

func TestRateLimitSpacesStarts(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	var mu sync.Mutex
	var starts []time.Time
	s.Handle("letter.deliver", func(ctx context.Context, job Meta) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	}, HandlerOptions{RatePerSec: 1, Concurrency: 3})

	var ids []string
	for range 3 {
		id, err := s.Enqueue(context.Background(), Job{Kind: "letter.deliver"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	s.Start(context.Background())
	for _, id := range ids {
		require.Eventually(t, func() bool {
			rec, err := q.GetJob(context.Background(), id)
			return err == nil && rec.State == StateCompleted
		}, 5*time.Second, 10*time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 900*time.Millisecond, "start %d", i)
	}
}

func TestPostponeKeepsAttempt(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	var calls atomic.Int32
	s.Handle("k", func(ctx context.Context, job Meta) error {
		if calls.Add(1) < 4 {
			return Postpone(time.Millisecond, errors.New("not due"))
		}
		assert.Equal(t, 1, job.Attempt)
		return nil
	}, HandlerOptions{CircuitTrip: 1})
	s.Start(context.Background())

	id, err := s.Enqueue(context.Background(), Job{Kind: "k", Retry: RetryPolicy{MaxAttempts: 1}})
	require.NoError(t, err)

	rec := waitState(t, q, id, StateCompleted)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 1, rec.Attempts)
}

func TestRetryAfterDoesNotOpenCircuit(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	var calls atomic.Int32
	s.Handle("k", func(ctx context.Context, job Meta) error {
		if calls.Add(1) < 3 {
			return RetryAfter(errors.New("slow down"), time.Millisecond)
		}
		return nil
	}, HandlerOptions{CircuitTrip: 1})
	s.Start(context.Background())

	id, err := s.Enqueue(context.Background(), Job{Kind: "k", Retry: RetryPolicy{MaxAttempts: 3}})
	require.NoError(t, err)

	// an open circuit would pause the kind for 5s
	rec := waitState(t, q, id, StateCompleted)
	assert.Equal(t, 3, rec.Attempts)
}

func TestLeaseIsRenewedWhileRunning(t *testing.T) {
	t.Parallel()

	s, q := newTestServiceWith(t, Config{PollInterval: 10 * time.Millisecond, Lease: 150 * time.Millisecond})
	started := make(chan struct{})
	release := make(chan struct{})
	s.Handle("broadcast.send", func(ctx context.Context, job Meta) error {
		close(started)
		<-release
		return nil
	}, HandlerOptions{})
	s.Start(context.Background())

	id, err := s.Enqueue(context.Background(), Job{Kind: "broadcast.send"})
	require.NoError(t, err)
	<-started

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		recs, err := q.ClaimJobs(context.Background(), "broadcast.send", time.Now(), time.Minute, 1)
		require.NoError(t, err)
		require.Empty(t, recs, "job claimable while its handler runs")
		time.Sleep(15 * time.Millisecond)
	}
	close(release)

	rec := waitState(t, q, id, StateCompleted)
	assert.Equal(t, 1, rec.Attempts)
}

func TestLostLeaseCancelsHandler(t *testing.T) {
	t.Parallel()

	s, q := newTestServiceWith(t, Config{PollInterval: 10 * time.Millisecond, Lease: 30 * time.Millisecond})
	started := make(chan struct{})
	cancelled := make(chan struct{})
	s.Handle("k", func(ctx context.Context, job Meta) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, HandlerOptions{})
	s.Start(context.Background())

	id, err := s.Enqueue(context.Background(), Job{Kind: "k", Retry: RetryPolicy{MaxAttempts: 3}})
	require.NoError(t, err)
	<-started

	// a second consumer takes the job over
	recs, err := q.ClaimJobs(context.Background(), "k", time.Now().Add(time.Hour), time.Hour, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	select {
	case <-cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("handler kept running after losing its claim")
	}
	require.Eventually(t, func() bool {
		h := s.History()
		return len(h) == 1 && h[0].Outcome == "lost"
	}, time.Second, 5*time.Millisecond)

	rec, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestShutdownReturnsJobWithoutChargingAttempt(t *testing.T) {
	t.Parallel()

	s, q := newTestService(t)
	started := make(chan struct{})
	s.Handle("k", func(ctx context.Context, job Meta) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, HandlerOptions{})
	s.Start(context.Background())

	id, err := s.Enqueue(context.Background(), Job{Kind: "k", Retry: RetryPolicy{MaxAttempts: 1}})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	rec, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, rec.State)
	assert.Equal(t, 0, rec.Attempts)
}

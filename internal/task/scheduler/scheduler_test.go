package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"letterbox/internal/eventbus"
	"letterbox/internal/task/engine"
	logx "letterbox/pkg/logx"
)

func newTestScheduler(t *testing.T, cfg Config) (*Service, *engine.Service, *engine.MemQueue) {
	t.Helper()
	q := engine.NewMemQueue()
	eng := engine.New(engine.Config{PollInterval: 10 * time.Millisecond}, q, logx.Nop(), eventbus.Nop())
	s := New(cfg, eng, logx.Nop(), eventbus.New())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, eng, q
}

func TestDelayFor(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		at   time.Time
		want time.Duration
	}{
		{"past", now.Add(-time.Hour), 0},
		{"now", now, 0},
		{"within threshold", now.Add(59 * time.Second), 0},
		{"at threshold", now.Add(60 * time.Second), 0},
		{"beyond threshold", now.Add(61 * time.Second), 61 * time.Second},
		{"next week", now.Add(7 * 24 * time.Hour), 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DelayFor(now, tt.at, DefaultImmediateThreshold))
		})
	}
}

func TestNewDeliveryJobID(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewDeliveryJobID("l1", at)
	b := NewDeliveryJobID("l1", at)
	assert.True(t, strings.HasPrefix(a, "letter:l1:1772366400000:"), a)
	assert.NotEqual(t, a, b)
}

func TestScheduleDeliveryEnqueues(t *testing.T) {
	t.Parallel()

	s, _, q := newTestScheduler(t, Config{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	h, err := s.ScheduleDelivery(ctx, "l1", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, KindDeliver, h.Kind)
	assert.Equal(t, 2*time.Hour, h.Delay)

	rec, err := q.GetJob(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateWaiting, rec.State)
	assert.Equal(t, 3, rec.MaxAttempts)
	assert.Equal(t, 5*time.Second, rec.Backoff)
	assert.JSONEq(t, `{"letterId":"l1"}`, string(rec.Payload))

	h2, err := s.ScheduleDelivery(ctx, "l2", now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, h2.Delay)

	_, err = s.ScheduleDelivery(ctx, " ", now)
	assert.Error(t, err)
}

func TestEnqueueDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	s, eng, _ := newTestScheduler(t, Config{})
	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	id := NewDeliveryJobID("l1", at)

	for i := 0; i < 3; i++ {
		h, err := s.EnqueueDelivery(ctx, id, "l1", at)
		require.NoError(t, err)
		assert.Equal(t, id, h.ID)
	}
	st, err := eng.Stats(ctx, KindDeliver)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Delayed)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	s, _, q := newTestScheduler(t, Config{})
	ctx := context.Background()

	h, err := s.ScheduleDelivery(ctx, "l1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, s.Cancel(ctx, h.ID))
	assert.False(t, s.Cancel(ctx, h.ID), "second cancel is a no-op")
	assert.False(t, s.Cancel(ctx, "missing"))
	assert.False(t, s.Cancel(ctx, ""))

	rec, err := q.GetJob(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRemoved, rec.State)
}

func TestScheduleBroadcastAndStats(t *testing.T) {
	t.Parallel()

	s, eng, _ := newTestScheduler(t, Config{})
	eng.Handle(KindBroadcast, func(context.Context, engine.Meta) error { return nil }, engine.HandlerOptions{})
	eng.Handle(KindDeliver, func(context.Context, engine.Meta) error { return nil }, engine.HandlerOptions{})
	ctx := context.Background()

	later := time.Now().Add(time.Hour)
	h, err := s.ScheduleBroadcast(ctx, "b1", map[string]string{"type": "general"}, &later)
	require.NoError(t, err)
	assert.Equal(t, "b1", h.ID)
	_, err = s.ScheduleBroadcast(ctx, "", map[string]string{"type": "personal"}, nil)
	require.NoError(t, err)

	rec, err := s.JobStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, KindBroadcast, rec.Kind)

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.Stats{Waiting: 1, Delayed: 1}, stats[KindBroadcast])
	assert.Equal(t, engine.Stats{}, stats[KindDeliver])
}

func TestNormalizeCron(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0 9 * * 1", want: "0 9 * * 1"},
		{in: "0 30 9 * * 1", want: "0 30 9 * * 1"},
		{in: "@daily", want: "@daily"},
		{in: "cron:@hourly", want: "@hourly"},
		{in: "55m", want: "@every 55m0s"},
		{in: "02:30", want: "@every 2h30m0s"},
		{in: "every:00:50", want: "@every 50m0s"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeCron(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateCron(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateCron("*/5 * * * *"))
	assert.NoError(t, ValidateCron("@weekly"))
	assert.Error(t, ValidateCron("61 * * * *"))
	assert.Error(t, ValidateCron("* * *"))
}

func TestScheduledInstant(t *testing.T) {
	t.Parallel()

	sched, err := cronParser.Parse("0 9 * * *")
	require.NoError(t, err)
	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, due, scheduledInstant(sched, due.Add(350*time.Millisecond)))
	assert.Equal(t, due, scheduledInstant(sched, due.Add(20*time.Second)))

	every, err := cronParser.Parse("@every 10s")
	require.NoError(t, err)
	assert.Equal(t, due, scheduledInstant(every, due.Add(400*time.Millisecond)))

	_, ok := every.(cron.ConstantDelaySchedule)
	assert.True(t, ok)
}

func TestRepeatJobID(t *testing.T) {
	t.Parallel()

	at := time.Unix(1772366400, 0)
	a := RepeatJobID(RepeatKey{ScheduleID: "s1", Cron: "0 9 * * *"}, at)
	b := RepeatJobID(RepeatKey{ScheduleID: "s1", Cron: "0 10 * * *"}, at)
	assert.True(t, strings.HasPrefix(a, "repeat:s1:"))
	assert.True(t, strings.HasSuffix(a, ":1772366400"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, RepeatJobID(RepeatKey{ScheduleID: "s1", Cron: "0 9 * * *"}, at))
}

func TestInstallRepeatFires(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, Config{Enabled: true, Timezone: "Europe/Berlin"})
	var mu sync.Mutex
	var fired []time.Time
	key := RepeatKey{ScheduleID: "s1", Cron: "* * * * * *"}
	require.NoError(t, s.InstallRepeat(key, func(_ context.Context, k RepeatKey, at time.Time) error {
		assert.Equal(t, key, k)
		mu.Lock()
		fired = append(fired, at)
		mu.Unlock()
		return nil
	}))
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) > 0
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	at := fired[0]
	mu.Unlock()
	assert.Equal(t, time.UTC, at.Location())
	assert.Equal(t, at, at.Truncate(time.Second))

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "Europe/Berlin", snap.Timezone)
	require.Len(t, snap.Repeats, 1)
	assert.False(t, snap.Repeats[0].Next.IsZero())
}

func TestInstallRepeatRejectsBadCron(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, Config{Enabled: true})
	noop := func(context.Context, RepeatKey, time.Time) error { return nil }
	assert.Error(t, s.InstallRepeat(RepeatKey{ScheduleID: "s1", Cron: "nope"}, noop))
	assert.Error(t, s.InstallRepeat(RepeatKey{Cron: "@daily"}, noop))
	assert.Empty(t, s.Repeats())
}

func TestRemoveRepeat(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, Config{Enabled: true})
	s.Start(context.Background())
	noop := func(context.Context, RepeatKey, time.Time) error { return nil }
	k1 := RepeatKey{ScheduleID: "s1", Cron: "@daily"}
	k2 := RepeatKey{ScheduleID: "s1", Cron: "@weekly"}
	k3 := RepeatKey{ScheduleID: "s2", Cron: "@daily"}
	for _, k := range []RepeatKey{k1, k2, k3} {
		require.NoError(t, s.InstallRepeat(k, noop))
	}
	require.Len(t, s.Repeats(), 3)

	assert.True(t, s.RemoveRepeat(k3))
	assert.False(t, s.RemoveRepeat(k3))
	assert.Equal(t, 2, s.RemoveSchedule("s1"))
	assert.Empty(t, s.Repeats())
}

func TestDisabledDoesNotRun(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, Config{Enabled: false})
	noop := func(context.Context, RepeatKey, time.Time) error { return nil }
	require.NoError(t, s.InstallRepeat(RepeatKey{ScheduleID: "s1", Cron: "@daily"}, noop))
	s.Start(context.Background())

	snap := s.Snapshot()
	assert.False(t, snap.Running)
	require.Len(t, snap.Repeats, 1)
	assert.True(t, snap.Repeats[0].Next.IsZero())

	s.Apply(Config{Enabled: true})
	snap = s.Snapshot()
	assert.True(t, snap.Running)
	assert.False(t, snap.Repeats[0].Next.IsZero())
}

func TestApplyTimezoneRestarts(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, Config{Enabled: true, Timezone: "UTC"})
	noop := func(context.Context, RepeatKey, time.Time) error { return nil }
	require.NoError(t, s.InstallRepeat(RepeatKey{ScheduleID: "s1", Cron: "0 9 * * *"}, noop))
	s.Start(context.Background())
	before := s.Repeats()[0].Next

	s.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"})
	after := s.Repeats()[0].Next
	assert.Equal(t, "Asia/Tokyo", s.Snapshot().Timezone)
	assert.Equal(t, 9, after.Hour())
	assert.NotEqual(t, before.UTC(), after.UTC())
}

package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"letterbox/internal/eventbus"
	logx "letterbox/pkg/logx"
)

type memStore struct {
	mu      sync.Mutex
	rows    map[string]Record
	failFor int
	calls   int
}

func newMemStore() *memStore { return &memStore{rows: map[string]Record{}} }

func (m *memStore) InsertNotification(_ context.Context, r Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failFor {
		return false, errors.New("db down")
	}
	if _, ok := m.rows[r.DedupKey]; ok {
		return false, nil
	}
	m.rows[r.DedupKey] = r
	return true, nil
}

func (m *memStore) ListNotifications(_ context.Context, ownerID string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.rows {
		if r.OwnerID == ownerID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) CountUnread(_ context.Context, ownerID string) (int, error) {
	recs, _ := m.ListNotifications(context.Background(), ownerID, 1000)
	n := 0
	for _, r := range recs {
		if r.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *memStore) MarkRead(_ context.Context, id, ownerID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.rows {
		if r.ID == id && r.OwnerID == ownerID {
			r.ReadAt = &at
			m.rows[k] = r
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkAllRead(_ context.Context, ownerID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, r := range m.rows {
		if r.OwnerID == ownerID && r.ReadAt == nil {
			r.ReadAt = &at
			m.rows[k] = r
			n++
		}
	}
	return n, nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func startService(t *testing.T, st Store, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, st, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEmitPersists(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	s := startService(t, st, Config{})
	n := Notification{OwnerID: "u1", Type: LetterDelivered, Title: "Letter Delivered", Message: "ok", LetterID: "l1"}
	require.NoError(t, s.Emit(context.Background(), n))

	require.Eventually(t, func() bool { return st.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	recs, err := s.List(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ChannelInApp, recs[0].Channel)
	assert.Equal(t, "LETTER_DELIVERED|l1|u1", recs[0].DedupKey)
}

func TestEmitDedupsRedeliveredJob(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	s := startService(t, st, Config{Workers: 1})
	n := Notification{OwnerID: "u1", Type: LetterDelivered, LetterID: "l1"}
	require.NoError(t, s.Emit(context.Background(), n))
	require.NoError(t, s.Emit(context.Background(), n))

	require.Eventually(t, func() bool { return len(s.Snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, st.len())
	assert.Equal(t, "deduped", s.Snapshot()[1].Outcome)
}

func TestEmitRetriesStoreErrors(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.failFor = 2
	s := startService(t, st, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})
	require.NoError(t, s.Emit(context.Background(), Notification{OwnerID: "u1", Type: System}))
	require.Eventually(t, func() bool { return st.len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestEmitIgnoresGuestLetters(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	s := startService(t, st, Config{})
	require.NoError(t, s.Emit(context.Background(), Notification{Type: LetterDelivered, LetterID: "l1"}))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, st.len())
}

func TestEmitDisabledAndStopped(t *testing.T) {
	t.Parallel()

	off := New(Config{}, newMemStore(), logx.Nop(), nil)
	assert.ErrorIs(t, off.Emit(context.Background(), Notification{OwnerID: "u"}), ErrDisabled)

	s := New(Config{Enabled: true}, newMemStore(), logx.Nop(), nil)
	assert.ErrorIs(t, s.Emit(context.Background(), Notification{OwnerID: "u"}), ErrStopped)
}

func TestMarkRead(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	s := startService(t, st, Config{})
	require.NoError(t, s.Emit(context.Background(), Notification{OwnerID: "u1", Type: LetterScheduled, LetterID: "a"}))
	require.NoError(t, s.Emit(context.Background(), Notification{OwnerID: "u1", Type: LetterDelivered, LetterID: "a"}))
	require.Eventually(t, func() bool { return st.len() == 2 }, 2*time.Second, 5*time.Millisecond)

	n, err := s.UnreadCount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	marked, err := s.MarkAllRead(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	n, err = s.UnreadCount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, time.Second)
	}
}

package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemQueue is an in-process Queue. It backs tests and dry runs; jobs do not
// survive a restart.
type MemQueue struct {
	mu   sync.Mutex
	jobs map[string]*Record
}

func NewMemQueue() *MemQueue {
	return &MemQueue{jobs: map[string]*Record{}}
}

func (q *MemQueue) InsertJob(_ context.Context, rec Record) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[rec.ID]; ok {
		return false, nil
	}
	cp := rec
	q.jobs[rec.ID] = &cp
	return true, nil
}

func claimable(r *Record, kind string, now time.Time) bool {
	if r.Kind != kind {
		return false
	}
	switch r.State {
	case StateWaiting:
		return !r.RunAt.After(now)
	case StateActive:
		return r.LeaseUntil.Before(now)
	default:
		return false
	}
}

func (q *MemQueue) ClaimJobs(_ context.Context, kind string, now time.Time, lease time.Duration, limit int) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Record
	for _, r := range q.jobs {
		if claimable(r, kind, now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Record, 0, len(due))
	for _, r := range due {
		r.State = StateActive
		r.Attempts++
		r.LeaseUntil = now.Add(lease)
		r.UpdatedAt = now
		out = append(out, *r)
	}
	return out, nil
}

func (q *MemQueue) ExtendLease(_ context.Context, id string, attempt int, until, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.jobs[id]
	if !ok || r.State != StateActive || r.Attempts != attempt {
		return false, nil
	}
	r.LeaseUntil = until
	r.UpdatedAt = now
	return true, nil
}

func (q *MemQueue) finish(id string, now time.Time, fn func(r *Record)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if r.State != StateActive {
		return nil
	}
	fn(r)
	r.UpdatedAt = now
	r.LeaseUntil = time.Time{}
	return nil
}

func (q *MemQueue) CompleteJob(_ context.Context, id string, now time.Time) error {
	return q.finish(id, now, func(r *Record) {
		r.State = StateCompleted
		r.FinishedAt = &now
	})
}

func (q *MemQueue) RetryJob(_ context.Context, id string, runAt time.Time, lastErr string, now time.Time) error {
	return q.finish(id, now, func(r *Record) {
		r.State = StateWaiting
		r.RunAt = runAt
		r.LastError = lastErr
	})
}

func (q *MemQueue) DeferJob(_ context.Context, id string, runAt time.Time, now time.Time) error {
	return q.finish(id, now, func(r *Record) {
		r.State = StateWaiting
		r.RunAt = runAt
		r.Attempts = max(r.Attempts-1, 0)
	})
}

func (q *MemQueue) FailJob(_ context.Context, id string, lastErr string, now time.Time) error {
	return q.finish(id, now, func(r *Record) {
		r.State = StateFailed
		r.LastError = lastErr
		r.FinishedAt = &now
	})
}

func (q *MemQueue) RemoveJob(_ context.Context, id string, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.jobs[id]
	if !ok || r.State != StateWaiting {
		return false, nil
	}
	r.State = StateRemoved
	r.UpdatedAt = now
	r.FinishedAt = &now
	return true, nil
}

func (q *MemQueue) GetJob(_ context.Context, id string) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.jobs[id]
	if !ok {
		return Record{}, ErrJobNotFound
	}
	return *r, nil
}

func (q *MemQueue) CountJobs(_ context.Context, kind string, now time.Time) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st Stats
	for _, r := range q.jobs {
		if kind != "" && r.Kind != kind {
			continue
		}
		switch r.State {
		case StateWaiting:
			if r.RunAt.After(now) {
				st.Delayed++
			} else {
				st.Waiting++
			}
		case StateActive:
			st.Active++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		}
	}
	return st, nil
}

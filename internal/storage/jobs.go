package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"letterbox/internal/task/engine"
)

// JobStore is the durable engine queue. A claim is a conditional UPDATE, so
// at most one consumer holds a job; an active job whose lease expired is
// claimable again.
type JobStore struct {
	d *DB
}

const jobCols = `id, kind, payload, status, run_at, attempts, max_attempts, backoff_ms, lease_until, last_error, created_at, updated_at, finished_at`

type jobRow struct {
	ID          string `db:"id"`
	Kind        string `db:"kind"`
	Payload     []byte `db:"payload"`
	Status      string `db:"status"`
	RunAt       int64  `db:"run_at"`
	Attempts    int    `db:"attempts"`
	MaxAttempts int    `db:"max_attempts"`
	BackoffMS   int64  `db:"backoff_ms"`
	LeaseUntil  int64  `db:"lease_until"`
	LastError   string `db:"last_error"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
	FinishedAt  *int64 `db:"finished_at"`
}

func (r jobRow) toRecord() engine.Record {
	rec := engine.Record{
		ID:          r.ID,
		Kind:        r.Kind,
		Payload:     r.Payload,
		State:       engine.State(r.Status),
		RunAt:       fromMS(r.RunAt),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Backoff:     time.Duration(r.BackoffMS) * time.Millisecond,
		LastError:   r.LastError,
		CreatedAt:   fromMS(r.CreatedAt),
		UpdatedAt:   fromMS(r.UpdatedAt),
		FinishedAt:  ptrMS(r.FinishedAt),
	}
	if r.LeaseUntil > 0 {
		rec.LeaseUntil = fromMS(r.LeaseUntil)
	}
	return rec
}

func (s *JobStore) InsertJob(ctx context.Context, rec engine.Record) (bool, error) {
	db := s.d.db
	res, err := db.ExecContext(ctx, db.Rebind(`INSERT INTO jobs (`+jobCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		rec.ID, rec.Kind, rec.Payload, string(rec.State), ms(rec.RunAt), rec.Attempts, rec.MaxAttempts,
		rec.Backoff.Milliseconds(), 0, rec.LastError, ms(rec.CreatedAt), ms(rec.UpdatedAt), nullMS(rec.FinishedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const claimable = `((status = 'waiting' AND run_at <= ?) OR (status = 'active' AND lease_until < ?))`

func (s *JobStore) ClaimJobs(ctx context.Context, kind string, now time.Time, lease time.Duration, limit int) ([]engine.Record, error) {
	db := s.d.db
	if limit <= 0 {
		limit = 1
	}
	n := ms(now)

	var ids []string
	if err := db.SelectContext(ctx, &ids, db.Rebind(`SELECT id FROM jobs WHERE kind = ? AND `+claimable+`
		ORDER BY run_at, id LIMIT ?`), kind, n, n, limit); err != nil {
		return nil, err
	}

	out := make([]engine.Record, 0, len(ids))
	for _, id := range ids {
		res, err := db.ExecContext(ctx, db.Rebind(`UPDATE jobs
			SET status = 'active', attempts = attempts + 1, lease_until = ?, updated_at = ?
			WHERE id = ? AND `+claimable),
			ms(now.Add(lease)), n, id, n, n)
		if err != nil {
			return out, err
		}
		if c, _ := res.RowsAffected(); c != 1 {
			// another consumer won the claim
			continue
		}
		rec, err := s.GetJob(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *JobStore) ExtendLease(ctx context.Context, id string, attempt int, until, now time.Time) (bool, error) {
	db := s.d.db
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE jobs SET lease_until = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND attempts = ?`), ms(until), ms(now), id, attempt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// finish applies a terminal or retry transition to an active job.
func (s *JobStore) finish(ctx context.Context, id, set string, args ...any) error {
	db := s.d.db
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE jobs SET `+set+`, lease_until = 0 WHERE id = ? AND status = 'active'`),
		append(args, id)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *JobStore) CompleteJob(ctx context.Context, id string, now time.Time) error {
	return s.finish(ctx, id, `status = 'completed', updated_at = ?, finished_at = ?`, ms(now), ms(now))
}

func (s *JobStore) RetryJob(ctx context.Context, id string, runAt time.Time, lastErr string, now time.Time) error {
	return s.finish(ctx, id, `status = 'waiting', run_at = ?, last_error = ?, updated_at = ?`, ms(runAt), lastErr, ms(now))
}

func (s *JobStore) DeferJob(ctx context.Context, id string, runAt time.Time, now time.Time) error {
	return s.finish(ctx, id, `status = 'waiting', run_at = ?, attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END, updated_at = ?`,
		ms(runAt), ms(now))
}

func (s *JobStore) FailJob(ctx context.Context, id string, lastErr string, now time.Time) error {
	return s.finish(ctx, id, `status = 'failed', last_error = ?, updated_at = ?, finished_at = ?`, lastErr, ms(now), ms(now))
}

func (s *JobStore) RemoveJob(ctx context.Context, id string, now time.Time) (bool, error) {
	db := s.d.db
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE jobs SET status = 'removed', updated_at = ?, finished_at = ?
		WHERE id = ? AND status = 'waiting'`), ms(now), ms(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *JobStore) GetJob(ctx context.Context, id string) (engine.Record, error) {
	db := s.d.db
	var row jobRow
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT `+jobCols+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Record{}, engine.ErrJobNotFound
	}
	if err != nil {
		return engine.Record{}, err
	}
	return row.toRecord(), nil
}

func (s *JobStore) CountJobs(ctx context.Context, kind string, now time.Time) (engine.Stats, error) {
	db := s.d.db
	q := `SELECT status, CASE WHEN status = 'waiting' AND run_at > ? THEN 1 ELSE 0 END AS delayed, COUNT(*) AS n
		FROM jobs`
	args := []any{ms(now)}
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` GROUP BY status, delayed`

	var rows []struct {
		Status  string `db:"status"`
		Delayed int    `db:"delayed"`
		N       int    `db:"n"`
	}
	if err := db.SelectContext(ctx, &rows, db.Rebind(q), args...); err != nil {
		return engine.Stats{}, err
	}
	var st engine.Stats
	for _, r := range rows {
		switch engine.State(r.Status) {
		case engine.StateWaiting:
			if r.Delayed == 1 {
				st.Delayed += r.N
			} else {
				st.Waiting += r.N
			}
		case engine.StateActive:
			st.Active += r.N
		case engine.StateCompleted:
			st.Completed += r.N
		case engine.StateFailed:
			st.Failed += r.N
		}
	}
	return st, nil
}

// PruneJobs deletes finished jobs older than before, along with the
// broadcast progress of jobs that no longer exist.
func (s *JobStore) PruneJobs(ctx context.Context, before time.Time) (int, error) {
	db := s.d.db
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'removed') AND finished_at < ?`), ms(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM broadcast_sends
		WHERE NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.id = broadcast_sends.job_id)`); err != nil {
		return int(n), err
	}
	return int(n), nil
}

var _ engine.Queue = (*JobStore)(nil)

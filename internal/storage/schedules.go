package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"letterbox/internal/broadcast"
	"letterbox/internal/letter"
)

const scheduleCols = `id, name, type, subject, message, action_json, cron, is_active, created_at, updated_at`

type scheduleRow struct {
	ID         string  `db:"id"`
	Name       string  `db:"name"`
	Type       string  `db:"type"`
	Subject    string  `db:"subject"`
	Message    string  `db:"message"`
	ActionJSON *string `db:"action_json"`
	Cron       string  `db:"cron"`
	IsActive   bool    `db:"is_active"`
	CreatedAt  int64   `db:"created_at"`
	UpdatedAt  int64   `db:"updated_at"`
}

func (r scheduleRow) toSchedule() (broadcast.Schedule, error) {
	s := broadcast.Schedule{
		ID:        r.ID,
		Name:      r.Name,
		Type:      broadcast.Audience(r.Type),
		Subject:   r.Subject,
		Message:   r.Message,
		Cron:      r.Cron,
		IsActive:  r.IsActive,
		CreatedAt: fromMS(r.CreatedAt),
		UpdatedAt: fromMS(r.UpdatedAt),
	}
	if r.ActionJSON != nil && *r.ActionJSON != "" {
		var a broadcast.ActionButton
		if err := json.Unmarshal([]byte(*r.ActionJSON), &a); err != nil {
			return s, fmt.Errorf("schedule %s: action: %w", r.ID, err)
		}
		s.Action = &a
	}
	return s, nil
}

func actionJSON(a *broadcast.ActionButton) (*string, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	v := string(b)
	return &v, nil
}

func scheduleNotFound(id string) error { return &letter.NotFoundError{Kind: "schedule", ID: id} }

func (d *DB) CreateSchedule(ctx context.Context, s broadcast.Schedule) error {
	aj, err := actionJSON(s.Action)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, d.db.Rebind(`INSERT INTO broadcast_schedules (`+scheduleCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.Name, string(s.Type), s.Subject, s.Message, aj, s.Cron, s.IsActive, ms(s.CreatedAt), ms(s.UpdatedAt))
	return err
}

func (d *DB) GetSchedule(ctx context.Context, id string) (broadcast.Schedule, error) {
	var row scheduleRow
	err := d.db.GetContext(ctx, &row, d.db.Rebind(`SELECT `+scheduleCols+` FROM broadcast_schedules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return broadcast.Schedule{}, scheduleNotFound(id)
	}
	if err != nil {
		return broadcast.Schedule{}, err
	}
	return row.toSchedule()
}

func (d *DB) ListSchedules(ctx context.Context, activeOnly bool) ([]broadcast.Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM broadcast_schedules`
	var args []any
	if activeOnly {
		q += ` WHERE is_active = ?`
		args = append(args, true)
	}
	q += ` ORDER BY created_at, id`
	var rows []scheduleRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]broadcast.Schedule, 0, len(rows))
	for _, r := range rows {
		s, err := r.toSchedule()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *DB) UpdateSchedule(ctx context.Context, s broadcast.Schedule) error {
	aj, err := actionJSON(s.Action)
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`UPDATE broadcast_schedules
		SET name = ?, type = ?, subject = ?, message = ?, action_json = ?, cron = ?, is_active = ?, updated_at = ?
		WHERE id = ?`),
		s.Name, string(s.Type), s.Subject, s.Message, aj, s.Cron, s.IsActive, ms(s.UpdatedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return scheduleNotFound(s.ID)
	}
	return nil
}

func (d *DB) DeleteSchedule(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`DELETE FROM broadcast_schedules WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return scheduleNotFound(id)
	}
	return nil
}

// VerifiedUsers lists users with a verified address.
func (d *DB) VerifiedUsers(ctx context.Context) ([]broadcast.Recipient, error) {
	var out []broadcast.Recipient
	err := d.db.SelectContext(ctx, &out, d.db.Rebind(
		`SELECT email, COALESCE(name, '') AS name FROM users WHERE verified = ? ORDER BY email`), true)
	return out, err
}

func (d *DB) Waitlist(ctx context.Context) ([]broadcast.Recipient, error) {
	var out []broadcast.Recipient
	err := d.db.SelectContext(ctx, &out, `SELECT email, COALESCE(name, '') AS name FROM waitlist ORDER BY created_at, email`)
	return out, err
}

// UpsertUser writes an audience user. The users table is owned by the
// account system; this feeds imports and tests.
func (d *DB) UpsertUser(ctx context.Context, id, email, name string, verified bool) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`INSERT INTO users (id, email, name, verified) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, name = excluded.name, verified = excluded.verified`),
		id, strings.TrimSpace(email), nullStr(name), verified)
	return err
}

// Owner resolves the sender identity of an authenticated letter.
func (d *DB) Owner(ctx context.Context, id string) (letter.Owner, error) {
	var o letter.Owner
	err := d.db.GetContext(ctx, &o, d.db.Rebind(`SELECT id, email, COALESCE(name, '') AS name FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return letter.Owner{}, &letter.NotFoundError{Kind: "user", ID: id}
	}
	return o, err
}

// AddToWaitlist records an address once; later calls are no-ops.
func (d *DB) AddToWaitlist(ctx context.Context, email, name string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`INSERT INTO waitlist (email, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (email) DO NOTHING`), strings.TrimSpace(email), nullStr(name), ms(at))
	return err
}

var (
	_ broadcast.Store     = (*DB)(nil)
	_ broadcast.Audiences = (*DB)(nil)
	_ letter.Owners       = (*DB)(nil)
)

package storage

import (
	"context"
	"strings"
	"time"
)

// BroadcastSentTo lists the addresses a broadcast job already mailed.
func (d *DB) BroadcastSentTo(ctx context.Context, jobID string) ([]string, error) {
	var out []string
	err := d.db.SelectContext(ctx, &out, d.db.Rebind(`SELECT email FROM broadcast_sends WHERE job_id = ? ORDER BY email`), jobID)
	return out, err
}

// MarkBroadcastSent records that jobID mailed email. Repeats are ignored.
func (d *DB) MarkBroadcastSent(ctx context.Context, jobID, email string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`INSERT INTO broadcast_sends (job_id, email, sent_at)
		VALUES (?, ?, ?) ON CONFLICT (job_id, email) DO NOTHING`),
		jobID, strings.ToLower(strings.TrimSpace(email)), ms(at))
	return err
}

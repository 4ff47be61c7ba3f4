package storage

import (
	"context"
	"time"

	"letterbox/internal/notifier"
)

type notificationRow struct {
	ID        string  `db:"id"`
	OwnerID   string  `db:"owner_id"`
	Type      string  `db:"type"`
	Title     string  `db:"title"`
	Message   string  `db:"message"`
	LetterID  *string `db:"letter_id"`
	Channel   string  `db:"channel"`
	DedupKey  string  `db:"dedup_key"`
	CreatedAt int64   `db:"created_at"`
	ReadAt    *int64  `db:"read_at"`
}

// InsertNotification reports false when the dedup key already exists.
func (d *DB) InsertNotification(ctx context.Context, r notifier.Record) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`INSERT INTO notifications
		(id, owner_id, type, title, message, letter_id, channel, dedup_key, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (dedup_key) DO NOTHING`),
		r.ID, r.OwnerID, string(r.Type), r.Title, r.Message, nullStr(r.LetterID), r.Channel, r.DedupKey,
		ms(r.CreatedAt), nullMS(r.ReadAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (d *DB) ListNotifications(ctx context.Context, ownerID string, limit int) ([]notifier.Record, error) {
	var rows []notificationRow
	err := d.db.SelectContext(ctx, &rows, d.db.Rebind(`SELECT id, owner_id, type, title, message, letter_id, channel, dedup_key, created_at, read_at
		FROM notifications WHERE owner_id = ? ORDER BY created_at DESC, id LIMIT ?`), ownerID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]notifier.Record, len(rows))
	for i, r := range rows {
		out[i] = notifier.Record{
			ID:        r.ID,
			OwnerID:   r.OwnerID,
			Type:      notifier.Type(r.Type),
			Title:     r.Title,
			Message:   r.Message,
			LetterID:  strOf(r.LetterID),
			Channel:   r.Channel,
			DedupKey:  r.DedupKey,
			CreatedAt: fromMS(r.CreatedAt),
			ReadAt:    ptrMS(r.ReadAt),
		}
	}
	return out, nil
}

func (d *DB) CountUnread(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := d.db.GetContext(ctx, &n, d.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE owner_id = ? AND read_at IS NULL`), ownerID)
	return n, err
}

func (d *DB) MarkRead(ctx context.Context, id, ownerID string, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`UPDATE notifications SET read_at = ? WHERE id = ? AND owner_id = ? AND read_at IS NULL`),
		ms(at), id, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (d *DB) MarkAllRead(ctx context.Context, ownerID string, at time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`UPDATE notifications SET read_at = ? WHERE owner_id = ? AND read_at IS NULL`),
		ms(at), ownerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ notifier.Store = (*DB)(nil)

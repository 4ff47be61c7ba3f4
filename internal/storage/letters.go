package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"letterbox/internal/letter"
)

const letterCols = `id, owner_id, sender_email, sender_name, recipient_email, recipient_name,
	subject, content, delivery_at, status, delivered_at, is_public, is_guest, job_id, created_at, updated_at`

type letterRow struct {
	ID             string  `db:"id"`
	OwnerID        *string `db:"owner_id"`
	SenderEmail    string  `db:"sender_email"`
	SenderName     string  `db:"sender_name"`
	RecipientEmail string  `db:"recipient_email"`
	RecipientName  string  `db:"recipient_name"`
	Subject        string  `db:"subject"`
	Content        string  `db:"content"`
	DeliveryAt     int64   `db:"delivery_at"`
	Status         string  `db:"status"`
	DeliveredAt    *int64  `db:"delivered_at"`
	IsPublic       bool    `db:"is_public"`
	IsGuest        bool    `db:"is_guest"`
	JobID          *string `db:"job_id"`
	CreatedAt      int64   `db:"created_at"`
	UpdatedAt      int64   `db:"updated_at"`
}

func (r letterRow) toLetter() letter.Letter {
	return letter.Letter{
		ID:             r.ID,
		OwnerID:        strOf(r.OwnerID),
		SenderEmail:    r.SenderEmail,
		SenderName:     r.SenderName,
		RecipientEmail: r.RecipientEmail,
		RecipientName:  r.RecipientName,
		Subject:        r.Subject,
		Content:        r.Content,
		DeliveryAt:     fromMS(r.DeliveryAt),
		Status:         letter.Status(r.Status),
		DeliveredAt:    ptrMS(r.DeliveredAt),
		IsPublic:       r.IsPublic,
		IsGuest:        r.IsGuest,
		JobID:          strOf(r.JobID),
		CreatedAt:      fromMS(r.CreatedAt),
		UpdatedAt:      fromMS(r.UpdatedAt),
	}
}

type attachmentRow struct {
	ID       string `db:"id"`
	LetterID string `db:"letter_id"`
	Position int    `db:"position"`
	FileURL  string `db:"file_url"`
	Kind     string `db:"kind"`
}

func letterNotFound(id string) error { return &letter.NotFoundError{Kind: "letter", ID: id} }

// CreateLetter inserts l with its attachments. The guest tracking row and the
// draft replacement happen in the same transaction.
func (d *DB) CreateLetter(ctx context.Context, l letter.Letter, opts letter.CreateOptions) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		if g := strings.TrimSpace(opts.GuestEmail); g != "" {
			res, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO guest_tracking (guest_email, recipient_email, letter_id, created_at)
				 VALUES (?, ?, ?, ?) ON CONFLICT (guest_email) DO NOTHING`),
				strings.ToLower(g), l.RecipientEmail, l.ID, ms(l.CreatedAt))
			if err != nil {
				return fmt.Errorf("guest tracking: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return letter.ErrGuestLimit
			}
		}

		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO letters (`+letterCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			l.ID, nullStr(l.OwnerID), l.SenderEmail, l.SenderName, l.RecipientEmail, l.RecipientName,
			l.Subject, l.Content, ms(l.DeliveryAt), string(l.Status), nullMS(l.DeliveredAt),
			l.IsPublic, l.IsGuest, nullStr(l.JobID), ms(l.CreatedAt), ms(l.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert letter: %w", err)
		}
		if err := insertAttachments(ctx, tx, l.ID, l.Attachments); err != nil {
			return err
		}

		if draft := strings.TrimSpace(opts.ReplaceDraftID); draft != "" {
			res, err := tx.ExecContext(ctx, tx.Rebind(
				`DELETE FROM letters WHERE id = ? AND owner_id = ? AND status = ?`),
				draft, l.OwnerID, string(letter.StatusDraft))
			if err != nil {
				return fmt.Errorf("replace draft: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &letter.NotFoundError{Kind: "draft", ID: draft}
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM attachments WHERE letter_id = ?`), draft); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertAttachments(ctx context.Context, tx *sqlx.Tx, letterID string, atts []letter.Attachment) error {
	q := tx.Rebind(`INSERT INTO attachments (id, letter_id, position, file_url, kind) VALUES (?, ?, ?, ?, ?)`)
	for i, a := range atts {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, q, id, letterID, i, a.URL, string(a.Kind)); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	return nil
}

func (d *DB) GetLetter(ctx context.Context, id string) (letter.Letter, error) {
	var row letterRow
	err := d.db.GetContext(ctx, &row, d.db.Rebind(`SELECT `+letterCols+` FROM letters WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return letter.Letter{}, letterNotFound(id)
	}
	if err != nil {
		return letter.Letter{}, err
	}
	out := []letter.Letter{row.toLetter()}
	if err := d.loadAttachments(ctx, d.db, out); err != nil {
		return letter.Letter{}, err
	}
	return out[0], nil
}

func (d *DB) FindLetters(ctx context.Context, f letter.Filter) ([]letter.Letter, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where, args = append(where, "owner_id = ?"), append(args, f.OwnerID)
	}
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, string(f.Status))
	}
	if f.RecipientEmail != "" {
		where, args = append(where, "LOWER(recipient_email) = ?"), append(args, strings.ToLower(f.RecipientEmail))
	}
	if f.SenderEmail != "" {
		where, args = append(where, "LOWER(sender_email) = ?"), append(args, strings.ToLower(f.SenderEmail))
	}
	q := `SELECT ` + letterCols + ` FROM letters`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, max(f.Offset, 0))
	}

	var rows []letterRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]letter.Letter, len(rows))
	for i, r := range rows {
		out[i] = r.toLetter()
	}
	if err := d.loadAttachments(ctx, d.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DB) loadAttachments(ctx context.Context, q sqlx.QueryerContext, ls []letter.Letter) error {
	if len(ls) == 0 {
		return nil
	}
	ids := make([]string, len(ls))
	idx := make(map[string]int, len(ls))
	for i, l := range ls {
		ids[i] = l.ID
		idx[l.ID] = i
	}
	query, args, err := sqlx.In(`SELECT id, letter_id, position, file_url, kind FROM attachments
		WHERE letter_id IN (?) ORDER BY letter_id, position`, ids)
	if err != nil {
		return err
	}
	var rows []attachmentRow
	if err := sqlx.SelectContext(ctx, q, &rows, d.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	for _, r := range rows {
		i := idx[r.LetterID]
		ls[i].Attachments = append(ls[i].Attachments, letter.Attachment{ID: r.ID, URL: r.FileURL, Kind: letter.AttachmentKind(r.Kind)})
	}
	return nil
}

func (d *DB) UpdateStatus(ctx context.Context, id string, to letter.Status, deliveredAt *time.Time) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(
		`UPDATE letters SET status = ?, delivered_at = ?, updated_at = ? WHERE id = ?`),
		string(to), nullMS(deliveredAt), ms(d.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return letterNotFound(id)
	}
	return nil
}

func (d *DB) UpdateStatusIf(ctx context.Context, id string, from []letter.Status, jobID string, to letter.Status, deliveredAt *time.Time) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("update status: no source states")
	}
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	q, args, err := sqlx.In(`UPDATE letters SET status = ?, delivered_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?) AND COALESCE(job_id, '') = ?`,
		string(to), nullMS(deliveredAt), ms(d.now()), id, states, jobID)
	if err != nil {
		return false, err
	}
	res, err := d.db.ExecContext(ctx, d.db.Rebind(q), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (d *DB) UpdateDraft(ctx context.Context, id string, p letter.DraftPatch) (letter.Letter, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Subject != nil {
		set("subject", *p.Subject)
	}
	if p.Content != nil {
		set("content", *p.Content)
	}
	if p.RecipientEmail != nil {
		set("recipient_email", *p.RecipientEmail)
	}
	if p.RecipientName != nil {
		set("recipient_name", *p.RecipientName)
	}
	if p.DeliveryAt != nil {
		set("delivery_at", ms(*p.DeliveryAt))
	}
	if p.IsPublic != nil {
		set("is_public", *p.IsPublic)
	}
	set("updated_at", ms(d.now()))

	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE letters SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`),
			append(args, id, string(letter.StatusDraft))...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return d.draftMiss(ctx, tx, id)
		}
		if p.Attachments != nil {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM attachments WHERE letter_id = ?`), id); err != nil {
				return err
			}
			return insertAttachments(ctx, tx, id, *p.Attachments)
		}
		return nil
	})
	if err != nil {
		return letter.Letter{}, err
	}
	return d.GetLetter(ctx, id)
}

// draftMiss explains why a draft-only update touched nothing.
func (d *DB) draftMiss(ctx context.Context, tx *sqlx.Tx, id string) error {
	var status string
	err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM letters WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return letterNotFound(id)
	}
	if err != nil {
		return err
	}
	return letter.ErrNotDraft
}

func (d *DB) Reschedule(ctx context.Context, id string, at time.Time, isPublic *bool, jobID string) (letter.Letter, error) {
	q := `UPDATE letters SET status = ?, delivery_at = ?, delivered_at = NULL, job_id = ?, updated_at = ?`
	args := []any{string(letter.StatusScheduled), ms(at), nullStr(jobID), ms(d.now())}
	if isPublic != nil {
		q += `, is_public = ?`
		args = append(args, *isPublic)
	}
	q += ` WHERE id = ?`
	res, err := d.db.ExecContext(ctx, d.db.Rebind(q), append(args, id)...)
	if err != nil {
		return letter.Letter{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return letter.Letter{}, letterNotFound(id)
	}
	return d.GetLetter(ctx, id)
}

func (d *DB) SetJobID(ctx context.Context, id, jobID string) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`UPDATE letters SET job_id = ?, updated_at = ? WHERE id = ?`),
		nullStr(jobID), ms(d.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return letterNotFound(id)
	}
	return nil
}

func (d *DB) DeleteLetter(ctx context.Context, id string) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM attachments WHERE letter_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM letters WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return letterNotFound(id)
		}
		return nil
	})
}

// ForEachLetter pages through all letters by creation time.
func (d *DB) ForEachLetter(ctx context.Context, fn func(letter.Letter) error) error {
	const page = 200
	var (
		afterAt int64 = -1
		afterID string
	)
	for {
		var rows []letterRow
		err := d.db.SelectContext(ctx, &rows, d.db.Rebind(`SELECT `+letterCols+` FROM letters
			WHERE created_at > ? OR (created_at = ? AND id > ?)
			ORDER BY created_at, id LIMIT ?`), afterAt, afterAt, afterID, page)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		batch := make([]letter.Letter, len(rows))
		for i, r := range rows {
			batch[i] = r.toLetter()
		}
		if err := d.loadAttachments(ctx, d.db, batch); err != nil {
			return err
		}
		for _, l := range batch {
			if err := fn(l); err != nil {
				return err
			}
		}
		last := rows[len(rows)-1]
		afterAt, afterID = last.CreatedAt, last.ID
	}
}

func (d *DB) UpdateContent(ctx context.Context, l letter.Letter) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE letters SET subject = ?, content = ?, updated_at = ? WHERE id = ?`),
			l.Subject, l.Content, ms(d.now()), l.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return letterNotFound(l.ID)
		}
		q := tx.Rebind(`UPDATE attachments SET file_url = ? WHERE id = ? AND letter_id = ?`)
		for _, a := range l.Attachments {
			if _, err := tx.ExecContext(ctx, q, a.URL, a.ID, l.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DB) CountByStatus(ctx context.Context) (map[letter.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := d.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM letters GROUP BY status`); err != nil {
		return nil, err
	}
	out := map[letter.Status]int{}
	for _, r := range rows {
		out[letter.Status(r.Status)] = r.N
	}
	return out, nil
}

var _ letter.Store = (*DB)(nil)

package letter_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"letterbox/internal/envelope"
	"letterbox/internal/eventbus"
	"letterbox/internal/letter"
	"letterbox/internal/notifier"
	"letterbox/internal/storage"
	"letterbox/internal/task/engine"
	"letterbox/internal/task/scheduler"
	logx "letterbox/pkg/logx"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recordNotifier struct {
	mu  sync.Mutex
	got []notifier.Notification
}

func (r *recordNotifier) Emit(_ context.Context, n notifier.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordNotifier) all() []notifier.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifier.Notification(nil), r.got...)
}

type fixture struct {
	svc    *letter.Service
	db     *storage.DB
	q      *engine.MemQueue
	cipher *envelope.Cipher
	notes  *recordNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Driver: storage.DriverSQLite, Path: filepath.Join(t.TempDir(), "letters.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.UpsertUser(ctx, "owner-1", "alice@example.com", "Alice", true))
	require.NoError(t, db.UpsertUser(ctx, "owner-2", "carol@example.com", "Carol", true))

	q := engine.NewMemQueue()
	eng := engine.New(engine.Config{}, q, logx.Nop(), eventbus.Nop())
	sched := scheduler.New(scheduler.Config{}, eng, logx.Nop(), eventbus.Nop())

	f := &fixture{db: db, q: q, cipher: envelope.MustNew(testSecret), notes: &recordNotifier{}}
	f.svc = letter.NewService(letter.Deps{
		Store:     db,
		Owners:    db,
		Cipher:    f.cipher,
		Scheduler: sched,
		Notifier:  f.notes,
		Log:       logx.Nop(),
	})
	return f
}

func input(at time.Time) letter.Input {
	return letter.Input{
		Subject:        "Hello",
		Content:        "<p>See you</p>",
		RecipientEmail: "bob@example.com",
		RecipientName:  "Bob",
		DeliveryDate:   at.Format(time.RFC3339),
		Attachments:    []letter.AttachmentInput{{URL: "https://cdn.example.com/a.png", Kind: letter.AttachmentImage}},
	}
}

func TestCreateSchedulesDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Second)

	l, err := f.svc.Create(ctx, letter.AuthenticatedSubmission{OwnerID: "owner-1"}, input(at), false)
	require.NoError(t, err)
	assert.Equal(t, letter.StatusScheduled, l.Status)
	assert.Equal(t, "alice@example.com", l.SenderEmail)
	assert.Equal(t, "Hello", l.Subject)
	assert.NotEmpty(t, l.JobID)

	stored, err := f.db.GetLetter(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, envelope.IsEnvelope(stored.Subject))
	assert.True(t, envelope.IsEnvelope(stored.Content))
	assert.True(t, envelope.IsEnvelope(stored.Attachments[0].URL))
	assert.Equal(t, l.JobID, stored.JobID)

	rec, err := f.q.GetJob(ctx, l.JobID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindDeliver, rec.Kind)
	assert.Equal(t, engine.StateWaiting, rec.State)
	assert.WithinDuration(t, at, rec.RunAt, 5*time.Second)

	notes := f.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, notifier.LetterScheduled, notes[0].Type)
	assert.Equal(t, "owner-1", notes[0].OwnerID)
	assert.Equal(t, "Your letter to bob@example.com has been scheduled for delivery on "+letter.DisplayDate(at)+".", notes[0].Message)
}

func TestCreateNearTermRunsNow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	l, err := f.svc.Create(ctx, letter.AuthenticatedSubmission{OwnerID: "owner-1"}, input(time.Now().Add(30*time.Second)), false)
	require.NoError(t, err)

	rec, err := f.q.GetJob(ctx, l.JobID)
	require.NoError(t, err)
	assert.False(t, rec.RunAt.After(time.Now()))
}

func TestGuestLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sub := letter.GuestSubmission{SenderEmail: "guest@example.com", SenderName: "G"}
	at := time.Now().Add(48 * time.Hour)

	l, err := f.svc.Create(ctx, sub, input(at), false)
	require.NoError(t, err)
	assert.True(t, l.IsGuest)
	assert.Empty(t, f.notes.all(), "guests get no notifications")

	_, err = f.svc.Create(ctx, letter.GuestSubmission{SenderEmail: "GUEST@example.com"}, input(at), false)
	require.ErrorIs(t, err, letter.ErrGuestLimit)
	assert.EqualError(t, err, letter.MsgGuestLimit)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	at := time.Now().Add(48 * time.Hour)

	bad := input(at)
	bad.RecipientEmail = "not-an-email"
	_, err := f.svc.Create(ctx, letter.AuthenticatedSubmission{OwnerID: "owner-1"}, bad, false)
	assert.ErrorIs(t, err, letter.ErrInvalidInput)

	bad = input(at)
	bad.Attachments = []letter.AttachmentInput{{URL: "https://cdn.example.com/x", Kind: "GIF"}}
	_, err = f.svc.Create(ctx, letter.AuthenticatedSubmission{OwnerID: "owner-1"}, bad, false)
	assert.ErrorIs(t, err, letter.ErrInvalidInput)

	bad = input(at)
	bad.DeliveryDate = "whenever"
	_, err = f.svc.Create(ctx, letter.AuthenticatedSubmission{OwnerID: "owner-1"}, bad, false)
	assert.ErrorIs(t, err, letter.ErrInvalidDate)

	_, err = f.svc.Create(ctx, letter.GuestSubmission{SenderEmail: "nope"}, input(at), false)
	assert.ErrorIs(t, err, letter.ErrInvalidInput)

	_, err = f.svc.Create(ctx, letter.AuthenticatedSubmission{OwnerID: "ghost"}, input(at), false)
	assert.ErrorIs(t, err, letter.ErrNotFound)
}

func TestDraftLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	owner := letter.AuthenticatedSubmission{OwnerID: "owner-1"}
	at := time.Now().Add(48 * time.Hour)

	d, err := f.svc.Create(ctx, owner, input(at), true)
	require.NoError(t, err)
	assert.Equal(t, letter.StatusDraft, d.Status)
	assert.Empty(t, d.JobID)
	assert.Empty(t, f.notes.all())

	subject := "Updated"
	none := []letter.AttachmentInput{}
	up, err := f.svc.UpdateDraft(ctx, d.ID, "owner-1", letter.DraftInput{Subject: &subject, Attachments: &none})
	require.NoError(t, err)
	assert.Equal(t, "Updated", up.Subject)
	assert.Equal(t, "<p>See you</p>", up.Content)
	assert.Empty(t, up.Attachments)

	_, err = f.svc.UpdateDraft(ctx, d.ID, "owner-2", letter.DraftInput{Subject: &subject})
	assert.ErrorIs(t, err, letter.ErrForbidden)

	in := input(at)
	in.DraftID = d.ID
	sent, err := f.svc.Create(ctx, owner, in, false)
	require.NoError(t, err)
	_, err = f.db.GetLetter(ctx, d.ID)
	assert.ErrorIs(t, err, letter.ErrNotFound, "draft replaced")

	_, err = f.svc.UpdateDraft(ctx, sent.ID, "owner-1", letter.DraftInput{Subject: &subject})
	assert.ErrorIs(t, err, letter.ErrNotDraft)
}

func TestGetAppliesLock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(48 * time.Hour)
	l, err := f.svc.Create(ctx, letter.AuthenticatedSubmission{OwnerID: "owner-1"}, input(at), false)
	require.NoError(t, err)

	v, err := f.svc.Get(ctx, l.ID, letter.Access{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.True(t, v.Locked)
	assert.Equal(t, letter.MsgLockedPlaceholder, v.Letter.Content)
	assert.False(t, v.Letter.DeliveryAt.IsZero())

	_, err = f.svc.Get(ctx, l.ID, letter.Access{OwnerID: "owner-2"})
	assert.ErrorIs(t, err, letter.ErrForbidden)

	v, err = f.svc.Get(ctx, l.ID, letter.Access{Admin: true})
	require.NoError(t, err)
	assert.False(t, v.Locked)
	assert.Equal(t, "<p>See you</p>", v.Letter.Content)

	f.svc.SetClock(func() time.Time { return at.Add(time.Minute) })
	v, err = f.svc.Get(ctx, l.ID, letter.Access{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.False(t, v.Locked)
	assert.Equal(t, "Hello", v.Letter.Subject)
	assert.Equal(t, "https://cdn.example.com/a.png", v.Letter.Attachments[0].URL)

	views, err := f.svc.ListByOwner(ctx, "owner-1", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.False(t, views[0].Locked)
}

func TestDeleteRules(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	owner := letter.AuthenticatedSubmission{OwnerID: "owner-1"}
	at := time.Now().UTC().Add(48 * time.Hour)

	d, err := f.svc.Create(ctx, owner, input(at), true)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, d.ID, "owner-1"))

	l, err := f.svc.Create(ctx, owner, input(at), false)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Delete(ctx, l.ID, "owner-2"), letter.ErrForbidden)
	assert.ErrorIs(t, f.svc.Delete(ctx, l.ID, "owner-1"), letter.ErrDeleteBeforeDelivery)

	f.svc.SetClock(func() time.Time { return at.Add(time.Second) })
	require.NoError(t, f.svc.Delete(ctx, l.ID, "owner-1"))
	rec, err := f.q.GetJob(ctx, l.JobID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRemoved, rec.State)
}

func TestReschedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(48 * time.Hour)
	l, err := f.svc.Create(ctx, letter.AuthenticatedSubmission{OwnerID: "owner-1"}, input(at), false)
	require.NoError(t, err)

	delivered := time.Now().UTC()
	require.NoError(t, f.db.UpdateStatus(ctx, l.ID, letter.StatusFailed, &delivered))

	_, err = f.svc.Reschedule(ctx, l.ID, time.Now().Add(-time.Minute), nil)
	assert.ErrorIs(t, err, letter.ErrPastDelivery)
	_, err = f.svc.Reschedule(ctx, "missing", at, nil)
	assert.ErrorIs(t, err, letter.ErrNotFound)

	newAt := at.Add(24 * time.Hour)
	public := true
	r, err := f.svc.Reschedule(ctx, l.ID, newAt, &public)
	require.NoError(t, err)
	assert.Equal(t, letter.StatusScheduled, r.Status)
	assert.Nil(t, r.DeliveredAt)
	assert.True(t, r.IsPublic)
	assert.NotEqual(t, l.JobID, r.JobID)
	assert.Equal(t, "Hello", r.Subject)

	old, err := f.q.GetJob(ctx, l.JobID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRemoved, old.State)
	fresh, err := f.q.GetJob(ctx, r.JobID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateWaiting, fresh.State)
}

func TestFixEncryptionLayering(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	once, err := f.cipher.Encrypt("subject")
	require.NoError(t, err)
	twice, err := f.cipher.Encrypt(once)
	require.NoError(t, err)
	url, err := f.cipher.Encrypt("https://cdn.example.com/a.png")
	require.NoError(t, err)
	now := time.Now().UTC()

	require.NoError(t, f.db.CreateLetter(ctx, letter.Letter{
		ID:             "legacy",
		SenderEmail:    "a@example.com",
		RecipientEmail: "b@example.com",
		Subject:        twice,
		Content:        "plain body",
		DeliveryAt:     now.Add(time.Hour),
		Status:         letter.StatusScheduled,
		Attachments: []letter.Attachment{
			{ID: "a1", URL: url, Kind: letter.AttachmentImage},
			{ID: "a2", URL: "https://cdn.example.com/b.pdf", Kind: letter.AttachmentDocument},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, letter.CreateOptions{}))

	rep, err := f.svc.FixEncryptionLayering(ctx)
	require.NoError(t, err)
	assert.Equal(t, letter.FixReport{Scanned: 1, Letters: 1, Attachments: 1}, rep)

	got, err := f.db.GetLetter(ctx, "legacy")
	require.NoError(t, err)
	for _, s := range []string{got.Subject, got.Content, got.Attachments[0].URL, got.Attachments[1].URL} {
		plain, err := f.cipher.Decrypt(s)
		require.NoError(t, err)
		assert.False(t, envelope.IsEnvelope(plain), "exactly one layer")
	}
	opened := letter.Open(f.cipher, got)
	assert.Equal(t, "subject", opened.Subject)
	assert.Equal(t, "plain body", opened.Content)

	rep, err = f.svc.FixEncryptionLayering(ctx)
	require.NoError(t, err)
	assert.Equal(t, letter.FixReport{Scanned: 1}, rep)
}

func TestResync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.db.CreateLetter(ctx, letter.Letter{
		ID:             "orphan",
		SenderEmail:    "a@example.com",
		RecipientEmail: "b@example.com",
		DeliveryAt:     now.Add(time.Hour),
		Status:         letter.StatusScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, letter.CreateOptions{}))
	l, err := f.svc.Create(ctx, letter.AuthenticatedSubmission{OwnerID: "owner-1"}, input(now.Add(2*time.Hour)), false)
	require.NoError(t, err)

	n, err := f.svc.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the letter without a job")

	orphan, err := f.db.GetLetter(ctx, "orphan")
	require.NoError(t, err)
	require.NotEmpty(t, orphan.JobID)
	rec, err := f.q.GetJob(ctx, orphan.JobID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateWaiting, rec.State)

	// a finished job that left the letter SCHEDULED is replaced
	claimed, err := f.q.ClaimJobs(ctx, scheduler.KindDeliver, now.Add(3*time.Hour), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, f.q.CompleteJob(ctx, l.JobID, now))

	n, err = f.svc.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	again, err := f.db.GetLetter(ctx, l.ID)
	require.NoError(t, err)
	assert.NotEqual(t, l.JobID, again.JobID)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[letter.StatusScheduled])
}

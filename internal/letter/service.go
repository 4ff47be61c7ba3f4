package letter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"letterbox/internal/envelope"
	"letterbox/internal/eventbus"
	"letterbox/internal/notifier"
	"letterbox/internal/task/engine"
	"letterbox/internal/task/scheduler"
	logx "letterbox/pkg/logx"
)

// Scheduler is the part of the delivery scheduler the lifecycle drives.
type Scheduler interface {
	EnqueueDelivery(ctx context.Context, jobID, letterID string, at time.Time) (scheduler.JobHandle, error)
	Cancel(ctx context.Context, jobID string) bool
	JobStatus(ctx context.Context, jobID string) (engine.Record, error)
}

// Notifier receives best-effort owner notifications.
type Notifier interface {
	Emit(ctx context.Context, n notifier.Notification) error
}

// Submission identifies who is creating a letter: a GuestSubmission or an
// AuthenticatedSubmission.
type Submission interface {
	submission()
}

// GuestSubmission is a letter from someone without an account. Each guest
// address may send one letter.
type GuestSubmission struct {
	SenderEmail string `validate:"required,email"`
	SenderName  string `validate:"max=200"`
}

type AuthenticatedSubmission struct {
	OwnerID string `validate:"required"`
}

func (GuestSubmission) submission()         {}
func (AuthenticatedSubmission) submission() {}

type AttachmentInput struct {
	URL  string         `json:"fileUrl" validate:"required,url"`
	Kind AttachmentKind `json:"type" validate:"required,oneof=IMAGE VIDEO AUDIO DOCUMENT"`
}

// Input is a letter as submitted. DeliveryDate accepts RFC 3339 or a bare
// date (see ParseDeliveryDate).
type Input struct {
	Subject        string            `json:"subject" validate:"max=200"`
	Content        string            `json:"content" validate:"max=10000"`
	RecipientEmail string            `json:"recipientEmail" validate:"required,email"`
	RecipientName  string            `json:"recipientName" validate:"max=200"`
	DeliveryDate   string            `json:"deliveryDate" validate:"required"`
	Attachments    []AttachmentInput `json:"attachments" validate:"dive"`
	IsPublic       bool              `json:"isPublic"`
	// DraftID names the owner's draft this letter was composed from; it is
	// deleted with the insert.
	DraftID string `json:"draftId"`
}

// DraftInput updates a draft. Nil fields are left unchanged; a non-nil
// Attachments replaces the list.
type DraftInput struct {
	Subject        *string            `json:"subject" validate:"omitempty,max=200"`
	Content        *string            `json:"content" validate:"omitempty,max=10000"`
	RecipientEmail *string            `json:"recipientEmail" validate:"omitempty,email"`
	RecipientName  *string            `json:"recipientName" validate:"omitempty,max=200"`
	DeliveryDate   *string            `json:"deliveryDate"`
	IsPublic       *bool              `json:"isPublic"`
	Attachments    *[]AttachmentInput `json:"attachments" validate:"omitempty,dive"`
}

type Deps struct {
	Store     Store
	Owners    Owners
	Cipher    *envelope.Cipher
	Scheduler Scheduler
	Notifier  Notifier
	Log       logx.Logger
	Bus       eventbus.Bus
}

// Service owns the letter lifecycle: creation, drafts, reads through the
// lock evaluator, deletion, admin rescheduling and the encryption repair.
type Service struct {
	store    Store
	owners   Owners
	cipher   *envelope.Cipher
	sched    Scheduler
	notify   Notifier
	log      logx.Logger
	bus      eventbus.Bus
	validate *validator.Validate
	now      func() time.Time
}

func NewService(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	return &Service{
		store:    d.Store,
		owners:   d.Owners,
		cipher:   d.Cipher,
		sched:    d.Scheduler,
		notify:   d.Notifier,
		log:      d.Log,
		bus:      d.Bus,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return invalid("%s failed %q", fe.Namespace(), fe.Tag())
		}
		return invalid("%v", err)
	}
	return nil
}

func attachmentsFrom(in []AttachmentInput) []Attachment {
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, Attachment{ID: uuid.NewString(), URL: strings.TrimSpace(a.URL), Kind: a.Kind})
	}
	return out
}

// Create stores a letter and, unless draft, schedules its delivery. The
// returned letter is decrypted.
func (s *Service) Create(ctx context.Context, sub Submission, in Input, draft bool) (Letter, error) {
	if sub == nil {
		return Letter{}, invalid("submission required")
	}
	if err := s.check(sub); err != nil {
		return Letter{}, err
	}
	if err := s.check(in); err != nil {
		return Letter{}, err
	}
	now := s.now().UTC()
	at, err := ParseDeliveryDate(in.DeliveryDate, now)
	if err != nil {
		return Letter{}, err
	}

	l := Letter{
		ID:             uuid.NewString(),
		RecipientEmail: strings.TrimSpace(in.RecipientEmail),
		RecipientName:  strings.TrimSpace(in.RecipientName),
		Subject:        in.Subject,
		Content:        in.Content,
		DeliveryAt:     at,
		Status:         StatusScheduled,
		IsPublic:       in.IsPublic,
		Attachments:    attachmentsFrom(in.Attachments),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if draft {
		l.Status = StatusDraft
	}

	var opts CreateOptions
	switch sb := sub.(type) {
	case GuestSubmission:
		l.IsGuest = true
		l.SenderEmail = strings.TrimSpace(sb.SenderEmail)
		l.SenderName = strings.TrimSpace(sb.SenderName)
		opts.GuestEmail = l.SenderEmail
	case AuthenticatedSubmission:
		owner, err := s.owners.Owner(ctx, sb.OwnerID)
		if err != nil {
			return Letter{}, err
		}
		l.OwnerID = owner.ID
		l.SenderEmail = owner.Email
		l.SenderName = owner.Name
		opts.ReplaceDraftID = strings.TrimSpace(in.DraftID)
	default:
		return Letter{}, invalid("unknown submission %T", sub)
	}

	if !draft {
		l.JobID = scheduler.NewDeliveryJobID(l.ID, at)
	}
	sealed, err := Seal(s.cipher, l)
	if err != nil {
		return Letter{}, err
	}
	if err := s.store.CreateLetter(ctx, sealed, opts); err != nil {
		if errors.Is(err, ErrGuestLimit) {
			s.log.Warn("guest letter limit reached", logx.Email("sender", l.SenderEmail))
		}
		return Letter{}, err
	}
	s.log.Info("letter created", logx.String("letter", l.ID), logx.String("status", string(l.Status)), logx.Bool("guest", l.IsGuest))

	if draft {
		return l, nil
	}
	s.enqueue(ctx, l.JobID, l.ID, at)
	s.bus.Publish(eventbus.Event{Type: eventbus.LetterScheduled, Time: now, Data: l.ID})
	s.emit(ctx, notifier.Notification{
		OwnerID:  l.OwnerID,
		Type:     notifier.LetterScheduled,
		Title:    "Letter Scheduled",
		Message:  fmt.Sprintf("Your letter to %s has been scheduled for delivery on %s.", l.RecipientEmail, DisplayDate(at)),
		LetterID: l.ID,
	})
	return l, nil
}

// enqueue failures leave the letter SCHEDULED with its job id; Resync
// enqueues it on the next start.
func (s *Service) enqueue(ctx context.Context, jobID, letterID string, at time.Time) {
	if _, err := s.sched.EnqueueDelivery(ctx, jobID, letterID, at); err != nil {
		s.log.Error("delivery enqueue failed", logx.String("letter", letterID), logx.String("job", jobID), logx.Err(err))
	}
}

func (s *Service) emit(ctx context.Context, n notifier.Notification) {
	if s.notify == nil || n.OwnerID == "" {
		return
	}
	if err := s.notify.Emit(ctx, n); err != nil {
		s.log.Debug("notification dropped", logx.String("type", string(n.Type)), logx.Err(err))
	}
}

func (s *Service) owned(ctx context.Context, id, ownerID string) (Letter, error) {
	l, err := s.store.GetLetter(ctx, id)
	if err != nil {
		return Letter{}, err
	}
	if l.OwnerID == "" || l.OwnerID != ownerID {
		return Letter{}, ErrForbidden
	}
	return l, nil
}

// UpdateDraft applies in to the owner's draft.
func (s *Service) UpdateDraft(ctx context.Context, id, ownerID string, in DraftInput) (Letter, error) {
	if err := s.check(in); err != nil {
		return Letter{}, err
	}
	l, err := s.owned(ctx, id, ownerID)
	if err != nil {
		return Letter{}, err
	}
	if l.Status != StatusDraft {
		return Letter{}, ErrNotDraft
	}

	p := DraftPatch{RecipientName: in.RecipientName, IsPublic: in.IsPublic}
	if in.RecipientEmail != nil {
		v := strings.TrimSpace(*in.RecipientEmail)
		p.RecipientEmail = &v
	}
	if in.Subject != nil {
		v, err := sealField(s.cipher, *in.Subject)
		if err != nil {
			return Letter{}, err
		}
		p.Subject = &v
	}
	if in.Content != nil {
		v, err := sealField(s.cipher, *in.Content)
		if err != nil {
			return Letter{}, err
		}
		p.Content = &v
	}
	if in.DeliveryDate != nil {
		at, err := ParseDeliveryDate(*in.DeliveryDate, s.now().UTC())
		if err != nil {
			return Letter{}, err
		}
		p.DeliveryAt = &at
	}
	if in.Attachments != nil {
		sealed, err := Seal(s.cipher, Letter{Attachments: attachmentsFrom(*in.Attachments)})
		if err != nil {
			return Letter{}, err
		}
		p.Attachments = &sealed.Attachments
	}

	updated, err := s.store.UpdateDraft(ctx, id, p)
	if err != nil {
		return Letter{}, err
	}
	s.log.Info("draft updated", logx.String("letter", id))
	return Open(s.cipher, updated), nil
}

// Get returns the letter as access may see it. Owners, admins and readers
// of public letters are allowed; a locked letter is a placeholder view.
func (s *Service) Get(ctx context.Context, id string, access Access) (View, error) {
	l, err := s.store.GetLetter(ctx, id)
	if err != nil {
		return View{}, err
	}
	if !access.Admin && !access.owns(l) && !l.IsPublic {
		return View{}, ErrForbidden
	}
	return s.view(l, access), nil
}

func (s *Service) view(l Letter, access Access) View {
	v := Evaluate(l, access, s.now().UTC())
	if !v.Locked {
		v.Letter = Open(s.cipher, v.Letter)
	}
	return v
}

// ListByOwner lists the owner's letters, newest delivery first, as views.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, status Status, limit, offset int) ([]View, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrForbidden
	}
	ls, err := s.store.FindLetters(ctx, Filter{OwnerID: ownerID, Status: status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	access := Access{OwnerID: ownerID}
	out := make([]View, 0, len(ls))
	for _, l := range ls {
		out = append(out, s.view(l, access))
	}
	return out, nil
}

// Delete removes the owner's letter. Drafts may be deleted any time,
// other letters only once their delivery instant has passed.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	l, err := s.owned(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if l.Status != StatusDraft && s.now().UTC().Before(l.DeliveryAt) {
		return ErrDeleteBeforeDelivery
	}
	if err := s.store.DeleteLetter(ctx, id); err != nil {
		return err
	}
	s.sched.Cancel(ctx, l.JobID)
	s.log.Info("letter deleted", logx.String("letter", id))
	return nil
}

// Reschedule moves a letter to a new future instant and resets it to
// SCHEDULED, whatever its status. The previous job is cancelled best-effort;
// if it still runs, its job id no longer matches and it skips.
func (s *Service) Reschedule(ctx context.Context, id string, at time.Time, isPublic *bool) (Letter, error) {
	now := s.now().UTC()
	at = at.UTC()
	if !at.After(now) {
		return Letter{}, ErrPastDelivery
	}
	prev, err := s.store.GetLetter(ctx, id)
	if err != nil {
		return Letter{}, err
	}
	jobID := scheduler.NewDeliveryJobID(id, at)
	l, err := s.store.Reschedule(ctx, id, at, isPublic, jobID)
	if err != nil {
		return Letter{}, err
	}
	if prev.JobID != "" && prev.JobID != jobID {
		s.sched.Cancel(ctx, prev.JobID)
	}
	s.enqueue(ctx, jobID, id, at)
	s.log.Info("letter rescheduled",
		logx.String("letter", id),
		logx.String("from_status", string(prev.Status)),
		logx.Time("delivery_at", at),
		logx.String("job", jobID),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.LetterScheduled, Time: now, Data: id})
	return Open(s.cipher, l), nil
}

// FixEncryptionLayering rewrites every subject, content and attachment URL
// that is plaintext or carries more than one envelope layer so it carries
// exactly one. Running it twice changes nothing the second time.
func (s *Service) FixEncryptionLayering(ctx context.Context) (FixReport, error) {
	var rep FixReport
	err := s.store.ForEachLetter(ctx, func(l Letter) error {
		rep.Scanned++
		changed := false

		subject, ch, err := normalizeField(s.cipher, l.Subject)
		if err != nil {
			return err
		}
		l.Subject, changed = subject, changed || ch

		content, ch, err := normalizeField(s.cipher, l.Content)
		if err != nil {
			return err
		}
		l.Content, changed = content, changed || ch

		for i, a := range l.Attachments {
			u, ch, err := normalizeField(s.cipher, a.URL)
			if err != nil {
				return err
			}
			if ch {
				l.Attachments[i].URL = u
				rep.Attachments++
				changed = true
			}
		}
		if !changed {
			return nil
		}
		if err := s.store.UpdateContent(ctx, l); err != nil {
			return err
		}
		rep.Letters++
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("fix encryption: %w", err)
	}
	s.log.Info("encryption layering fixed",
		logx.Int("scanned", rep.Scanned),
		logx.Int("letters", rep.Letters),
		logx.Int("attachments", rep.Attachments),
	)
	return rep, nil
}

// Resync makes sure every SCHEDULED letter has a live delivery job. Letters
// without a job id get one; jobs that already finished without moving the
// letter on are replaced. It returns how many jobs were enqueued.
func (s *Service) Resync(ctx context.Context) (int, error) {
	const page = 200
	n := 0
	for offset := 0; ; offset += page {
		ls, err := s.store.FindLetters(ctx, Filter{Status: StatusScheduled, Limit: page, Offset: offset})
		if err != nil {
			return n, fmt.Errorf("resync: %w", err)
		}
		for _, l := range ls {
			ok, err := s.resyncOne(ctx, l)
			if err != nil {
				return n, err
			}
			if ok {
				n++
			}
		}
		if len(ls) < page {
			break
		}
	}
	s.log.Info("scheduled letters resynced", logx.Int("enqueued", n))
	return n, nil
}

func (s *Service) resyncOne(ctx context.Context, l Letter) (bool, error) {
	if l.JobID != "" {
		rec, err := s.sched.JobStatus(ctx, l.JobID)
		switch {
		case err == nil && (rec.State == engine.StateWaiting || rec.State == engine.StateActive):
			return false, nil
		case err != nil && !errors.Is(err, engine.ErrJobNotFound):
			return false, fmt.Errorf("resync %s: %w", l.ID, err)
		case err == nil:
			// the job is done but the letter never moved on
			l.JobID = ""
		}
	}
	if l.JobID == "" {
		l.JobID = scheduler.NewDeliveryJobID(l.ID, l.DeliveryAt)
		if err := s.store.SetJobID(ctx, l.ID, l.JobID); err != nil {
			return false, fmt.Errorf("resync %s: %w", l.ID, err)
		}
	}
	if _, err := s.sched.EnqueueDelivery(ctx, l.JobID, l.ID, l.DeliveryAt); err != nil {
		return false, fmt.Errorf("resync %s: %w", l.ID, err)
	}
	return true, nil
}

// Stats counts letters per status.
func (s *Service) Stats(ctx context.Context) (map[Status]int, error) {
	return s.store.CountByStatus(ctx)
}

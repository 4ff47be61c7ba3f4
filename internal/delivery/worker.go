package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"letterbox/internal/envelope"
	"letterbox/internal/eventbus"
	"letterbox/internal/letter"
	"letterbox/internal/mailer"
	"letterbox/internal/metrics"
	"letterbox/internal/notifier"
	"letterbox/internal/task/engine"
	"letterbox/internal/task/scheduler"
	logx "letterbox/pkg/logx"
)

const bookkeepingTimeout = 10 * time.Second

type Config struct {
	// RatePerSec caps delivery job starts. Default 1.
	RatePerSec float64
	// Timeout bounds one send. Default 2m.
	Timeout     time.Duration
	CircuitTrip int
	// ImmediateThreshold is the scheduling floor; a job running earlier than
	// this before the delivery instant is early.
	ImmediateThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.ImmediateThreshold <= 0 {
		c.ImmediateThreshold = scheduler.DefaultImmediateThreshold
	}
	return c
}

// Sender is the mail side of a delivery.
type Sender interface {
	SendLetter(ctx context.Context, l mailer.LetterMail) error
}

type Notifier interface {
	Emit(ctx context.Context, n notifier.Notification) error
}

// Registrar is the engine surface the worker registers on.
type Registrar interface {
	Handle(kind string, h engine.Handler, opts engine.HandlerOptions)
}

type Deps struct {
	Store    letter.Store
	Cipher   *envelope.Cipher
	Sender   Sender
	Notifier Notifier
	Log      logx.Logger
	Bus      eventbus.Bus
}

type Worker struct {
	cfg    Config
	store  letter.Store
	cipher *envelope.Cipher
	send   Sender
	notify Notifier
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
}

func New(cfg Config, d Deps) *Worker {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	return &Worker{
		cfg:    cfg.withDefaults(),
		store:  d.Store,
		cipher: d.Cipher,
		send:   d.Sender,
		notify: d.Notifier,
		log:    d.Log,
		bus:    d.Bus,
		now:    time.Now,
	}
}

// Register installs the worker as the letter.deliver consumer. Deliveries
// run one at a time.
func (w *Worker) Register(r Registrar) {
	r.Handle(scheduler.KindDeliver, w.Handle, engine.HandlerOptions{
		RatePerSec:  w.cfg.RatePerSec,
		Concurrency: 1,
		Timeout:     w.cfg.Timeout,
		CircuitTrip: w.cfg.CircuitTrip,
	})
}

// Handle delivers the letter named by the job payload.
//
// The returned error drives the engine: nil completes the job, a NoRetry
// error fails it for good and anything else is retried.
func (w *Worker) Handle(ctx context.Context, job engine.Meta) error {
	var p scheduler.DeliveryPayload
	if err := job.Decode(&p); err != nil {
		return engine.NoRetry(fmt.Errorf("delivery payload: %w", err))
	}
	if strings.TrimSpace(p.LetterID) == "" {
		return engine.NoRetry(errors.New("delivery payload: letterId missing"))
	}
	log := w.log.With(logx.String("letter", p.LetterID), logx.String("job", job.ID), logx.Int("attempt", job.Attempt))

	l, err := w.store.GetLetter(ctx, p.LetterID)
	if err != nil {
		if errors.Is(err, letter.ErrNotFound) {
			metrics.Deliveries.WithLabelValues("failed").Inc()
			log.Warn("letter.missing", logx.Err(err))
			return engine.NoRetry(err)
		}
		return fmt.Errorf("load letter %s: %w", p.LetterID, err)
	}

	if skip := claim(l, job.ID); skip != nil {
		metrics.Deliveries.WithLabelValues("skipped").Inc()
		log.Info("letter.skipped", logx.String("reason", skip.Reason), logx.String("status", string(l.Status)), logx.String("current_job", l.JobID))
		return nil
	}

	now := w.now().UTC()
	if wait := l.DeliveryAt.Sub(now); wait > w.cfg.ImmediateThreshold {
		log.Info("letter.early", logx.Duration("wait", wait), logx.Time("delivery_at", l.DeliveryAt))
		return engine.Postpone(wait, fmt.Errorf("letter %s due at %s", l.ID, l.DeliveryAt.Format(time.RFC3339)))
	}

	open := letter.Open(w.cipher, l)
	mail := mailer.LetterMail{
		To:             open.RecipientEmail,
		RecipientName:  open.RecipientName,
		RecipientEmail: open.RecipientEmail,
		SenderName:     open.SenderName,
		SenderEmail:    open.SenderEmail,
		Subject:        open.Subject,
		Content:        open.Content,
		DeliveryDate:   letter.DisplayDate(open.DeliveryAt),
	}
	for _, a := range open.Attachments {
		mail.Attachments = append(mail.Attachments, mailer.Attachment{URL: a.URL, Kind: string(a.Kind)})
	}

	// The outcome is recorded even when the job context ends mid-send.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if err := w.send.SendLetter(ctx, mail); err != nil {
		return w.failed(bctx, log, l, job, err)
	}
	return w.delivered(bctx, log, l, now)
}

// claim reports why a job may not act on l, or nil when it may. A letter
// belongs to the job whose id it stores; letters written before job ids were
// tracked accept any job while SCHEDULED. FAILED is admitted for the
// current job only, so a retry can resend.
func claim(l letter.Letter, jobID string) *letter.StaleJobSkip {
	skip := func(reason string) *letter.StaleJobSkip {
		return &letter.StaleJobSkip{LetterID: l.ID, JobID: jobID, Reason: reason}
	}
	switch l.Status {
	case letter.StatusScheduled:
		if l.JobID != "" && l.JobID != jobID {
			return skip("superseded")
		}
		return nil
	case letter.StatusFailed:
		if l.JobID != jobID {
			return skip("superseded")
		}
		return nil
	case letter.StatusDelivered:
		return skip("already delivered")
	default:
		return skip("status " + string(l.Status))
	}
}

func (w *Worker) failed(ctx context.Context, log logx.Logger, l letter.Letter, job engine.Meta, cause error) error {
	metrics.Deliveries.WithLabelValues("failed").Inc()
	if _, err := w.store.UpdateStatusIf(ctx, l.ID, []letter.Status{letter.StatusScheduled, letter.StatusFailed}, l.JobID, letter.StatusFailed, nil); err != nil {
		log.Error("letter status update failed", logx.Err(err))
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.LetterFailed, Time: w.now().UTC(), Data: Event{LetterID: l.ID, JobID: job.ID, Attempt: job.Attempt, Error: cause.Error()}})
	if job.LastAttempt() {
		log.Error("letter.failed", logx.Err(cause), logx.Int("max_attempts", job.MaxAttempts))
	} else {
		log.Warn("letter.send_failed", logx.Err(cause))
	}
	return &letter.TransportError{LetterID: l.ID, Err: cause}
}

func (w *Worker) delivered(ctx context.Context, log logx.Logger, l letter.Letter, now time.Time) error {
	at := w.now().UTC()
	ok, err := w.store.UpdateStatusIf(ctx, l.ID, []letter.Status{letter.StatusScheduled, letter.StatusFailed}, l.JobID, letter.StatusDelivered, &at)
	if err != nil {
		// The mail is out; a retry would send it twice.
		log.Error("letter sent but status update failed", logx.Err(err))
	} else if !ok {
		log.Warn("letter sent but changed meanwhile")
	}

	metrics.Deliveries.WithLabelValues("delivered").Inc()
	metrics.DeliveryLag.Observe(max(now.Sub(l.DeliveryAt), 0).Seconds())
	w.bus.Publish(eventbus.Event{Type: eventbus.LetterDelivered, Time: at, Data: Event{LetterID: l.ID, JobID: l.JobID}})
	log.Info("letter.delivered", logx.Duration("lag", now.Sub(l.DeliveryAt)))

	if l.OwnerID == "" || w.notify == nil {
		return nil
	}
	n := notifier.Notification{
		OwnerID:  l.OwnerID,
		Type:     notifier.LetterDelivered,
		Title:    "Letter Delivered",
		Message:  fmt.Sprintf("Your letter to %s has been delivered successfully.", l.RecipientEmail),
		LetterID: l.ID,
	}
	if err := w.notify.Emit(ctx, n); err != nil {
		log.Warn("delivery notification dropped", logx.Err(err))
	}
	return nil
}

// Event is the payload of letter.delivered and letter.failed bus events.
type Event struct {
	LetterID string `json:"letterId"`
	JobID    string `json:"jobId"`
	Attempt  int    `json:"attempt,omitempty"`
	Error    string `json:"error,omitempty"`
}

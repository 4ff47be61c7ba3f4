package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"letterbox/internal/eventbus"
	"letterbox/internal/mailer"
	"letterbox/internal/task/scheduler"
	logx "letterbox/pkg/logx"
)

// Config tunes the fan-out. It is hot-reloadable through Apply.
type Config struct {
	// BatchSize recipients are sent concurrently. Default 1.
	BatchSize int
	// BatchPause separates batches. Default 1s.
	BatchPause time.Duration
	// Personal is the operator audience of "personal" broadcasts.
	Personal []Recipient
	// RatePerSec caps broadcast job starts. 0 means unlimited.
	RatePerSec float64
	// Timeout bounds one broadcast job. 0 means none.
	Timeout time.Duration
	// StatusHistory caps the fan-out status entries kept. Default 200.
	StatusHistory int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.BatchPause <= 0 {
		c.BatchPause = time.Second
	}
	if c.StatusHistory <= 0 {
		c.StatusHistory = defaultStatusMax
	}
	return c
}

// Scheduler is the part of the delivery scheduler broadcasts use.
type Scheduler interface {
	InstallRepeat(key scheduler.RepeatKey, fire scheduler.FireFunc) error
	RemoveRepeat(key scheduler.RepeatKey) bool
	RemoveSchedule(scheduleID string) int
	ScheduleBroadcast(ctx context.Context, jobID string, payload any, at *time.Time) (scheduler.JobHandle, error)
}

// Sender delivers one rendered broadcast.
type Sender interface {
	SendBroadcast(ctx context.Context, to, name string, b mailer.BroadcastMail) error
}

type Deps struct {
	Store     Store
	Audiences Audiences
	Scheduler Scheduler
	Sender    Sender
	// Progress keeps per-job sent addresses. nil keeps them in memory.
	Progress Progress
	Log      logx.Logger
	Bus      eventbus.Bus
}

// Service manages recurring schedules, one-off broadcasts and the
// broadcast.send consumer.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store    Store
	aud      Audiences
	sched    Scheduler
	send     Sender
	progress Progress
	log      logx.Logger
	bus      eventbus.Bus
	validate *validator.Validate

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Progress == nil {
		d.Progress = newMemProgress()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		store:     d.Store,
		aud:       d.Audiences,
		sched:     d.Scheduler,
		send:      d.Sender,
		progress:  d.Progress,
		log:       d.Log,
		bus:       d.Bus,
		validate:  validator.New(),
		status:    map[string]*JobStatus{},
		statusMax: cfg.StatusHistory,
		statusTTL: defaultStatusTTL,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.statusMu.Lock()
	s.statusMax = cfg.StatusHistory
	s.statusMu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidInput, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func checkCron(raw string) (string, error) {
	c := strings.TrimSpace(raw)
	if err := scheduler.ValidateCron(c); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return c, nil
}

// Create stores a schedule and installs it when active.
func (s *Service) Create(ctx context.Context, in ScheduleInput) (Schedule, error) {
	if !in.Type.Valid() {
		return Schedule{}, ErrInvalidAudience
	}
	if err := s.check(in); err != nil {
		return Schedule{}, err
	}
	cron, err := checkCron(in.Cron)
	if err != nil {
		return Schedule{}, err
	}
	now := s.now().UTC()
	sc := Schedule{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		Type:      in.Type,
		Subject:   in.Subject,
		Message:   in.Message,
		Action:    in.Action,
		Cron:      cron,
		IsActive:  in.IsActive == nil || *in.IsActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	if sc.IsActive {
		if err := s.install(sc); err != nil {
			return sc, err
		}
	}
	s.log.Info("schedule created", logx.String("schedule", sc.ID), logx.String("cron", sc.Cron), logx.Bool("active", sc.IsActive))
	return sc, nil
}

// Update applies p. A cron change stops the old registration before the new
// one is installed; deactivating uninstalls.
func (s *Service) Update(ctx context.Context, id string, p SchedulePatch) (Schedule, error) {
	if p.Type != nil && !p.Type.Valid() {
		return Schedule{}, ErrInvalidAudience
	}
	if err := s.check(p); err != nil {
		return Schedule{}, err
	}
	old, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return Schedule{}, err
	}

	next := old
	if p.Name != nil {
		next.Name = strings.TrimSpace(*p.Name)
	}
	if p.Type != nil {
		next.Type = *p.Type
	}
	if p.Subject != nil {
		next.Subject = *p.Subject
	}
	if p.Message != nil {
		next.Message = *p.Message
	}
	if p.Action != nil {
		next.Action = p.Action
	}
	if p.Cron != nil {
		if next.Cron, err = checkCron(*p.Cron); err != nil {
			return Schedule{}, err
		}
	}
	if p.IsActive != nil {
		next.IsActive = *p.IsActive
	}
	if err := next.Template().validate(); err != nil {
		return Schedule{}, err
	}
	next.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateSchedule(ctx, next); err != nil {
		return Schedule{}, fmt.Errorf("update schedule: %w", err)
	}

	oldKey := scheduler.RepeatKey{ScheduleID: old.ID, Cron: old.Cron}
	if old.IsActive && (!next.IsActive || old.Cron != next.Cron) {
		s.sched.RemoveRepeat(oldKey)
	}
	if next.IsActive {
		if err := s.install(next); err != nil {
			return next, err
		}
	}
	s.log.Info("schedule updated", logx.String("schedule", id), logx.String("cron", next.Cron), logx.Bool("active", next.IsActive))
	return next, nil
}

// Delete removes the record and every registration of it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	n := s.sched.RemoveSchedule(id)
	s.log.Info("schedule deleted", logx.String("schedule", id), logx.Int("repeats", n))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]Schedule, error) {
	return s.store.ListSchedules(ctx, activeOnly)
}

// Restore installs every active schedule. Schedules that fail to install are
// logged and skipped.
func (s *Service) Restore(ctx context.Context) (int, error) {
	list, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("restore schedules: %w", err)
	}
	n := 0
	for _, sc := range list {
		if err := s.install(sc); err != nil {
			s.log.Warn("schedule restore failed", logx.String("schedule", sc.ID), logx.String("cron", sc.Cron), logx.Err(err))
			continue
		}
		n++
	}
	s.log.Info("schedules restored", logx.Int("installed", n), logx.Int("active", len(list)))
	return n, nil
}

func (s *Service) install(sc Schedule) error {
	tmpl := sc.Template()
	key := scheduler.RepeatKey{ScheduleID: sc.ID, Cron: sc.Cron}
	return s.sched.InstallRepeat(key, func(ctx context.Context, key scheduler.RepeatKey, at time.Time) error {
		msg := tmpl
		msg.DeliveryDate = &at
		_, err := s.sched.ScheduleBroadcast(ctx, scheduler.RepeatJobID(key, at), msg, nil)
		return err
	})
}

// Scheduled is the answer to a one-off broadcast request.
type Scheduled struct {
	JobID          string     `json:"jobId"`
	Type           Audience   `json:"type"`
	Subject        string     `json:"subject"`
	RecipientCount int        `json:"recipientCount"`
	DeliveryDate   *time.Time `json:"deliveryDate,omitempty"`
}

// Schedule enqueues a one-off broadcast. Delivery dates within a minute of
// now, or in the past, send immediately and display the send date.
func (s *Service) Schedule(ctx context.Context, m Message) (Scheduled, error) {
	if err := m.validate(); err != nil {
		return Scheduled{}, err
	}
	if m.Action != nil {
		if err := s.check(m.Action); err != nil {
			return Scheduled{}, err
		}
	}
	recipients, err := s.Recipients(ctx, m.Type)
	if err != nil {
		return Scheduled{}, err
	}

	now := s.now().UTC()
	if m.DeliveryDate != nil {
		at := m.DeliveryDate.UTC()
		m.DeliveryDate = &at
		if scheduler.DelayFor(now, at, scheduler.DefaultImmediateThreshold) == 0 {
			m.DeliveryDate = nil
		}
	}
	m.ScheduleID = ""

	h, err := s.sched.ScheduleBroadcast(ctx, "broadcast:"+uuid.NewString(), m, m.DeliveryDate)
	if err != nil {
		return Scheduled{}, err
	}
	s.log.Info("broadcast scheduled", logx.String("job", h.ID), logx.String("type", string(m.Type)), logx.Int("recipients", len(recipients)), logx.Duration("delay", h.Delay))
	return Scheduled{JobID: h.ID, Type: m.Type, Subject: m.Subject, RecipientCount: len(recipients), DeliveryDate: m.DeliveryDate}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

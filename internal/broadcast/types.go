package broadcast

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Audience selects who a broadcast goes to.
type Audience string

const (
	AudienceGeneral  Audience = "general"
	AudienceWaitlist Audience = "waitlist"
	AudiencePersonal Audience = "personal"
)

func (a Audience) Valid() bool {
	switch a {
	case AudienceGeneral, AudienceWaitlist, AudiencePersonal:
		return true
	}
	return false
}

var (
	ErrInvalidAudience = errors.New(`type must be either "waitlist", "general", or "personal"`)
	ErrInvalidCron     = errors.New("invalid cron expression")
	ErrInvalidInput    = errors.New("invalid broadcast")
)

// ActionButton renders as an intro line and a call-to-action link.
type ActionButton struct {
	IntroText  string `json:"introText" validate:"required"`
	ButtonText string `json:"buttonText" validate:"required"`
	URL        string `json:"url" validate:"required,url"`
}

// Message is the payload of one broadcast firing. DeliveryDate is only used
// for display; nil means the firing instant.
type Message struct {
	Type         Audience      `json:"type"`
	Subject      string        `json:"subject"`
	Message      string        `json:"message"`
	DeliveryDate *time.Time    `json:"deliveryDate,omitempty"`
	Action       *ActionButton `json:"actionButton,omitempty"`
	// ScheduleID is set for firings of a recurring schedule.
	ScheduleID string `json:"scheduleId,omitempty"`
}

func (m Message) validate() error {
	if !m.Type.Valid() {
		return ErrInvalidAudience
	}
	if strings.TrimSpace(m.Subject) == "" || len(m.Subject) > 200 {
		return errors.Join(ErrInvalidInput, errors.New("subject is required and must not exceed 200 characters"))
	}
	if strings.TrimSpace(m.Message) == "" {
		return errors.Join(ErrInvalidInput, errors.New("message is required"))
	}
	return nil
}

// Schedule is a persisted recurring broadcast.
type Schedule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      Audience      `json:"type"`
	Subject   string        `json:"subject"`
	Message   string        `json:"message"`
	Action    *ActionButton `json:"actionButton,omitempty"`
	Cron      string        `json:"cron"`
	IsActive  bool          `json:"isActive"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Template is the message each firing sends.
func (s Schedule) Template() Message {
	return Message{Type: s.Type, Subject: s.Subject, Message: s.Message, Action: s.Action, ScheduleID: s.ID}
}

// ScheduleInput creates a schedule. IsActive defaults to true.
type ScheduleInput struct {
	Name     string        `json:"name" validate:"required,max=120"`
	Type     Audience      `json:"type" validate:"required,oneof=general waitlist personal"`
	Subject  string        `json:"subject" validate:"required,max=200"`
	Message  string        `json:"message" validate:"required"`
	Action   *ActionButton `json:"actionButton,omitempty" validate:"omitempty"`
	Cron     string        `json:"cron" validate:"required"`
	IsActive *bool         `json:"isActive,omitempty"`
}

// SchedulePatch updates a schedule; nil fields are unchanged.
type SchedulePatch struct {
	Name     *string       `json:"name,omitempty" validate:"omitempty,max=120"`
	Type     *Audience     `json:"type,omitempty" validate:"omitempty,oneof=general waitlist personal"`
	Subject  *string       `json:"subject,omitempty" validate:"omitempty,max=200"`
	Message  *string       `json:"message,omitempty"`
	Action   *ActionButton `json:"actionButton,omitempty" validate:"omitempty"`
	Cron     *string       `json:"cron,omitempty"`
	IsActive *bool         `json:"isActive,omitempty"`
}

// Recipient is one address of a resolved audience.
type Recipient struct {
	Email string `json:"email" db:"email"`
	Name  string `json:"name" db:"name"`
}

// Store persists schedules. Missing rows are reported as errors matching
// letter.ErrNotFound.
type Store interface {
	CreateSchedule(ctx context.Context, s Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	ListSchedules(ctx context.Context, activeOnly bool) ([]Schedule, error)
	UpdateSchedule(ctx context.Context, s Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

// Audiences reads the recipient sources.
type Audiences interface {
	VerifiedUsers(ctx context.Context) ([]Recipient, error)
	Waitlist(ctx context.Context) ([]Recipient, error)
}

package letter

import (
	"context"
	"strings"
	"time"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusScheduled Status = "SCHEDULED"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// ParseStatus accepts any case. It reports false for unknown values.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusDraft, StatusScheduled, StatusDelivered, StatusFailed:
		return st, true
	}
	return "", false
}

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "IMAGE"
	AttachmentVideo    AttachmentKind = "VIDEO"
	AttachmentAudio    AttachmentKind = "AUDIO"
	AttachmentDocument AttachmentKind = "DOCUMENT"
)

func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentVideo, AttachmentAudio, AttachmentDocument:
		return true
	}
	return false
}

// Attachment URL is an envelope once persisted.
type Attachment struct {
	ID   string
	URL  string
	Kind AttachmentKind
}

// Letter is the persisted content item. Subject, Content and attachment URLs
// hold envelopes; OwnerID is empty for guest letters.
type Letter struct {
	ID             string
	OwnerID        string
	SenderEmail    string
	SenderName     string
	RecipientEmail string
	RecipientName  string
	Subject        string
	Content        string
	DeliveryAt     time.Time
	Status         Status
	DeliveredAt    *time.Time
	IsPublic       bool
	IsGuest        bool
	// JobID is the id of the delivery job currently responsible for the
	// letter. A job whose id differs is stale.
	JobID       string
	Attachments []Attachment
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToSelf reports whether the sender wrote to their own address.
func (l Letter) ToSelf() bool {
	return strings.EqualFold(strings.TrimSpace(l.SenderEmail), strings.TrimSpace(l.RecipientEmail))
}

// Filter selects letters for Find. Zero fields match everything.
type Filter struct {
	OwnerID        string
	Status         Status
	RecipientEmail string
	SenderEmail    string
	Limit          int
	Offset         int
}

// CreateOptions are applied inside the transaction that inserts the letter.
type CreateOptions struct {
	// GuestEmail records the guest tracking row; a second letter from the
	// same address fails with ErrGuestLimit.
	GuestEmail string
	// ReplaceDraftID deletes the owner's draft the letter was composed from.
	ReplaceDraftID string
}

// DraftPatch holds the draft fields to overwrite. Nil means unchanged; a
// non-nil Attachments replaces the whole list.
type DraftPatch struct {
	Subject        *string
	Content        *string
	RecipientEmail *string
	RecipientName  *string
	DeliveryAt     *time.Time
	IsPublic       *bool
	Attachments    *[]Attachment
}

// Store persists letters. Missing rows are reported as *NotFoundError.
type Store interface {
	CreateLetter(ctx context.Context, l Letter, opts CreateOptions) error
	GetLetter(ctx context.Context, id string) (Letter, error)
	FindLetters(ctx context.Context, f Filter) ([]Letter, error)
	// UpdateStatus sets the status unconditionally. Lifecycle paths use
	// UpdateStatusIf.
	UpdateStatus(ctx context.Context, id string, to Status, deliveredAt *time.Time) error
	// UpdateStatusIf applies the transition only while the letter is in one
	// of from and its job id equals jobID. It reports whether it applied.
	UpdateStatusIf(ctx context.Context, id string, from []Status, jobID string, to Status, deliveredAt *time.Time) (bool, error)
	UpdateDraft(ctx context.Context, id string, p DraftPatch) (Letter, error)
	// Reschedule resets the letter to SCHEDULED at the new instant, clears
	// deliveredAt and stores jobID.
	Reschedule(ctx context.Context, id string, at time.Time, isPublic *bool, jobID string) (Letter, error)
	SetJobID(ctx context.Context, id, jobID string) error
	DeleteLetter(ctx context.Context, id string) error
	// ForEachLetter visits every letter with its attachments, oldest first.
	ForEachLetter(ctx context.Context, fn func(Letter) error) error
	// UpdateContent rewrites subject, content and attachment URLs in place.
	UpdateContent(ctx context.Context, l Letter) error
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// FixReport counts what FixEncryptionLayering rewrote.
type FixReport struct {
	Scanned     int `json:"scanned"`
	Letters     int `json:"letters"`
	Attachments int `json:"attachments"`
}

// Owner is the account behind an authenticated letter.
type Owner struct {
	ID    string `db:"id"`
	Email string `db:"email"`
	Name  string `db:"name"`
}

// Owners resolves account identities. Missing accounts are *NotFoundError.
type Owners interface {
	Owner(ctx context.Context, id string) (Owner, error)
}

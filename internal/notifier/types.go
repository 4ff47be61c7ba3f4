package notifier

import (
	"context"
	"time"
)

type Type string

const (
	LetterScheduled Type = "LETTER_SCHEDULED"
	LetterDelivered Type = "LETTER_DELIVERED"
	Reminder        Type = "REMINDER"
	System          Type = "SYSTEM"
)

const ChannelInApp = "IN_APP"

// Notification is what callers emit.
type Notification struct {
	OwnerID  string
	Type     Type
	Title    string
	Message  string
	LetterID string
}

// Record is a persisted notification.
type Record struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Type      Type       `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	LetterID  string     `json:"letterId,omitempty"`
	Channel   string     `json:"channel"`
	DedupKey  string     `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// Store persists notifications. InsertNotification reports false when a row
// with the same dedup key exists.
type Store interface {
	InsertNotification(ctx context.Context, r Record) (bool, error)
	ListNotifications(ctx context.Context, ownerID string, limit int) ([]Record, error)
	CountUnread(ctx context.Context, ownerID string) (int, error)
	MarkRead(ctx context.Context, id, ownerID string, at time.Time) (bool, error)
	MarkAllRead(ctx context.Context, ownerID string, at time.Time) (int, error)
}

// Config controls the async pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	OwnerID  string    `json:"ownerId"`
	Type     Type      `json:"type"`
	LetterID string    `json:"letterId,omitempty"`
	Outcome  string    `json:"outcome"`
}

// Event is emitted on the event bus for notifier lifecycle events.
type Event struct {
	Key   string    `json:"key"`
	Type  Type      `json:"type"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

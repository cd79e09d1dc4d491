package models

import (
	"time"

	"salon-queue/internal/status"
)

// QueueEntry is one customer's place in a salon's walk-in line. The live
// copy is stored as JSON in the per-salon Redis list; terminal entries
// are archived to the queue_history collection.
type QueueEntry struct {
	ID                   string        `json:"id"`
	SalonID              string        `json:"salon_id"`
	UserID               string        `json:"user_id"`
	ServiceIDs           []string      `json:"service_ids"`
	Status               status.Status `json:"status"`
	Position             int           `json:"position"`
	EstimatedWaitMinutes int           `json:"estimated_wait_minutes"`
	// DurationMinutes is the summed average duration of this entry's own
	// services, frozen at join time so re-ranking never needs the catalog.
	DurationMinutes  int        `json:"duration_minutes"`
	JoinedAt         time.Time  `json:"joined_at"`
	NotifiedAt       *time.Time `json:"notified_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	TerminatedReason string     `json:"terminated_reason,omitempty"`
}

// Active reports whether the entry still occupies a queue position.
func (e QueueEntry) Active() bool {
	return !e.Status.Terminal()
}

// Contact is the notification-relevant slice of a user record.
type Contact struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
}

// PushSubscription is one registered push endpoint for a user. Expired
// rows are pruned lazily on read and by the background sweeper.
type PushSubscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p PushSubscription) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(now)
}

// ContactTarget is the dispatcher's output for operator-driven channels
// (phone call, chat deep link): a resolved address plus a pre-filled
// message. Invoking the operator's client is the caller's concern.
type ContactTarget struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
	Message string `json:"message"`
}

// NotificationRecord is the per (entry, channel) delivery bookkeeping
// row. It is never authoritative for queue state.
type NotificationRecord struct {
	EntryID       string    `json:"entry_id"`
	Channel       string    `json:"channel"`
	AttemptCount  int       `json:"attempt_count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Outcome       string    `json:"outcome"`
}

// QueueMetrics is the cached per-salon snapshot served to waiting
// customers.
type QueueMetrics struct {
	SalonID        string    `json:"salon_id"`
	TotalWaiting   int       `json:"total_waiting"`
	AvgWaitMinutes float64   `json:"avg_wait_minutes"`
	LastUpdated    time.Time `json:"last_updated"`
}

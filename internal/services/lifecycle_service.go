package services

import (
	"context"
	"fmt"
	"log/slog"

	"salon-queue/internal/status"
	"salon-queue/models"
)

// Notifier receives queue events after they have been committed.
type Notifier interface {
	EnqueueEntryNotification(entry models.QueueEntry, arrivalEstimate string)
}

// LoyaltyAccruer awards points for completed visits.
type LoyaltyAccruer interface {
	Accrue(ctx context.Context, salonID, userID string) (int64, error)
}

// LifecycleService drives entries through the status state machine and
// triggers the side effects each transition owes: notifications after a
// notify, loyalty accrual after a completion. Side effects run after
// the ledger commit and never roll it back.
type LifecycleService struct {
	queue    *QueueService
	notifier Notifier
	loyalty  LoyaltyAccruer
}

func NewLifecycleService(queue *QueueService, notifier Notifier, loyalty LoyaltyAccruer) *LifecycleService {
	return &LifecycleService{
		queue:    queue,
		notifier: notifier,
		loyalty:  loyalty,
	}
}

// Notify marks the entry notified and schedules outbound notifications.
func (s *LifecycleService) Notify(ctx context.Context, entryID, arrivalEstimate string) (models.QueueEntry, error) {
	entry, err := s.queue.ApplyStatus(ctx, entryID, status.Notified, "")
	if err != nil {
		return models.QueueEntry{}, err
	}
	s.notifier.EnqueueEntryNotification(entry, arrivalEstimate)
	return entry, nil
}

// ConfirmOnTheWay records the customer's acknowledgement.
func (s *LifecycleService) ConfirmOnTheWay(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return s.queue.ApplyStatus(ctx, entryID, status.PendingVerification, "")
}

// MarkNearby records the customer's arrival confirmation.
func (s *LifecycleService) MarkNearby(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return s.queue.ApplyStatus(ctx, entryID, status.Nearby, "")
}

// StartService seats the customer. The entry stays in the active queue
// so walk-ins behind it keep accurate wait estimates.
func (s *LifecycleService) StartService(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return s.queue.ApplyStatus(ctx, entryID, status.InProgress, "")
}

// Complete closes out a visit and awards loyalty points. Accrual
// failures are logged, not surfaced: the visit happened either way.
func (s *LifecycleService) Complete(ctx context.Context, entryID string) (models.QueueEntry, error) {
	entry, err := s.queue.ApplyStatus(ctx, entryID, status.Completed, "")
	if err != nil {
		return models.QueueEntry{}, err
	}

	if _, err := s.loyalty.Accrue(ctx, entry.SalonID, entry.UserID); err != nil {
		slog.Error("loyalty accrual failed",
			"entry_id", entry.ID, "salon_id", entry.SalonID, "user_id", entry.UserID, "error", err)
	}
	return entry, nil
}

// MarkNoShow removes an entry whose customer never arrived.
func (s *LifecycleService) MarkNoShow(ctx context.Context, entryID, reason string) (models.QueueEntry, error) {
	return s.queue.ApplyStatus(ctx, entryID, status.NoShow, reason)
}

// Cancel removes an entry at the customer's request.
func (s *LifecycleService) Cancel(ctx context.Context, entryID, reason string) (models.QueueEntry, error) {
	return s.queue.ApplyStatus(ctx, entryID, status.Cancelled, reason)
}

// Transition routes a requested status change to the handler that owns
// its side effects.
func (s *LifecycleService) Transition(ctx context.Context, entryID string, to status.Status, reason, arrivalEstimate string) (models.QueueEntry, error) {
	switch to {
	case status.Notified:
		return s.Notify(ctx, entryID, arrivalEstimate)
	case status.PendingVerification:
		return s.ConfirmOnTheWay(ctx, entryID)
	case status.Nearby:
		return s.MarkNearby(ctx, entryID)
	case status.InProgress:
		return s.StartService(ctx, entryID)
	case status.Completed:
		return s.Complete(ctx, entryID)
	case status.NoShow:
		return s.MarkNoShow(ctx, entryID, reason)
	case status.Cancelled:
		return s.Cancel(ctx, entryID, reason)
	default:
		return models.QueueEntry{}, fmt.Errorf("%w: cannot move an entry to %q", status.ErrInvalidRequest, to)
	}
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"salon-queue/internal/status"
	"salon-queue/models"
)

// ServiceCatalog resolves the salon's service menu.
type ServiceCatalog interface {
	// ServiceDurations returns the average duration in minutes for each
	// requested service id. An unknown id yields ErrInvalidRequest.
	ServiceDurations(ctx context.Context, serviceIDs []string) (map[string]int, error)
	// ServiceNames returns display names in the order requested.
	ServiceNames(ctx context.Context, serviceIDs []string) ([]string, error)
	SalonName(ctx context.Context, salonID string) (string, error)
}

// UserDirectory resolves a user's notification-relevant contact data.
type UserDirectory interface {
	Contact(ctx context.Context, userID string) (models.Contact, error)
}

// HistoryArchive persists terminal queue entries for later inspection.
type HistoryArchive interface {
	Archive(ctx context.Context, entry models.QueueEntry) error
}

// PushRegistry lists a user's live push subscriptions, pruning expired
// rows as it goes.
type PushRegistry interface {
	Live(ctx context.Context, userID string) ([]models.PushSubscription, error)
	PruneExpired(ctx context.Context) (int, error)
}

// PBCatalog backs ServiceCatalog with the salons / salon_services
// collections.
type PBCatalog struct {
	app core.App
}

func NewPBCatalog(app core.App) *PBCatalog {
	return &PBCatalog{app: app}
}

type serviceRow struct {
	ID              string `db:"id"`
	Name            string `db:"name"`
	DurationMinutes int    `db:"duration_minutes"`
}

func (c *PBCatalog) fetchServices(ctx context.Context, serviceIDs []string) (map[string]serviceRow, error) {
	ids := make([]any, len(serviceIDs))
	for i, id := range serviceIDs {
		ids[i] = id
	}

	var rows []serviceRow
	err := c.app.DB().
		Select("id", "name", "duration_minutes").
		From("salon_services").
		Where(dbx.In("id", ids...)).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("catalog: query salon_services: %w", err)
	}

	byID := make(map[string]serviceRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	for _, id := range serviceIDs {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: unknown service %q", status.ErrInvalidRequest, id)
		}
	}
	return byID, nil
}

func (c *PBCatalog) ServiceDurations(ctx context.Context, serviceIDs []string) (map[string]int, error) {
	byID, err := c.fetchServices(ctx, serviceIDs)
	if err != nil {
		return nil, err
	}
	durations := make(map[string]int, len(byID))
	for id, row := range byID {
		durations[id] = row.DurationMinutes
	}
	return durations, nil
}

func (c *PBCatalog) ServiceNames(ctx context.Context, serviceIDs []string) ([]string, error) {
	byID, err := c.fetchServices(ctx, serviceIDs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(serviceIDs))
	for _, id := range serviceIDs {
		names = append(names, byID[id].Name)
	}
	return names, nil
}

func (c *PBCatalog) SalonName(ctx context.Context, salonID string) (string, error) {
	record, err := c.app.FindRecordById("salons", salonID)
	if err != nil {
		return "", fmt.Errorf("catalog: salon %q: %w", salonID, err)
	}
	return record.GetString("name"), nil
}

// PBDirectory backs UserDirectory with the users auth collection.
type PBDirectory struct {
	app core.App
}

func NewPBDirectory(app core.App) *PBDirectory {
	return &PBDirectory{app: app}
}

func (d *PBDirectory) Contact(ctx context.Context, userID string) (models.Contact, error) {
	record, err := d.app.FindRecordById("users", userID)
	if err != nil {
		return models.Contact{}, fmt.Errorf("directory: user %q: %w", userID, err)
	}
	return models.Contact{
		UserID: userID,
		Name:   record.GetString("name"),
		Email:  record.Email(),
		Phone:  record.GetString("phone"),
	}, nil
}

// PBHistory archives terminal entries to the queue_history collection.
type PBHistory struct {
	app core.App
}

func NewPBHistory(app core.App) *PBHistory {
	return &PBHistory{app: app}
}

func (h *PBHistory) Archive(ctx context.Context, entry models.QueueEntry) error {
	collection, err := h.app.FindCollectionByNameOrId("queue_history")
	if err != nil {
		return fmt.Errorf("history: find collection: %w", err)
	}

	record := core.NewRecord(collection)
	record.Set("entry_id", entry.ID)
	record.Set("salon_id", entry.SalonID)
	record.Set("user_id", entry.UserID)
	record.Set("service_ids", entry.ServiceIDs)
	record.Set("status", string(entry.Status))
	record.Set("position", entry.Position)
	record.Set("duration_minutes", entry.DurationMinutes)
	record.Set("joined_at", entry.JoinedAt)
	if entry.NotifiedAt != nil {
		record.Set("notified_at", *entry.NotifiedAt)
	}
	if entry.StartedAt != nil {
		record.Set("started_at", *entry.StartedAt)
	}
	if entry.CompletedAt != nil {
		record.Set("completed_at", *entry.CompletedAt)
	}
	record.Set("terminated_reason", entry.TerminatedReason)

	if err := h.app.Save(record); err != nil {
		return fmt.Errorf("history: save entry %s: %w", entry.ID, err)
	}
	return nil
}

// PBRegistry backs PushRegistry with the push_subscriptions collection.
type PBRegistry struct {
	app core.App
}

func NewPBRegistry(app core.App) *PBRegistry {
	return &PBRegistry{app: app}
}

func (r *PBRegistry) Live(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	records, err := r.app.FindRecordsByFilter(
		"push_subscriptions",
		"user_id = {:user}",
		"-created",
		0,
		0,
		dbx.Params{"user": userID},
	)
	if err != nil {
		return nil, fmt.Errorf("push registry: list for user %q: %w", userID, err)
	}

	now := time.Now()
	subs := make([]models.PushSubscription, 0, len(records))
	for _, record := range records {
		sub := models.PushSubscription{
			ID:        record.Id,
			UserID:    record.GetString("user_id"),
			Endpoint:  record.GetString("endpoint"),
			ExpiresAt: record.GetDateTime("expires_at").Time(),
		}
		if sub.Expired(now) {
			if err := r.app.Delete(record); err != nil {
				slog.Warn("push registry: prune expired subscription", "id", record.Id, "error", err)
			}
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (r *PBRegistry) PruneExpired(ctx context.Context) (int, error) {
	records, err := r.app.FindRecordsByFilter(
		"push_subscriptions",
		"expires_at != '' && expires_at <= {:now}",
		"",
		0,
		0,
		dbx.Params{"now": time.Now().UTC().Format("2006-01-02 15:04:05.000Z")},
	)
	if err != nil {
		return 0, fmt.Errorf("push registry: list expired: %w", err)
	}

	pruned := 0
	for _, record := range records {
		if err := r.app.Delete(record); err != nil {
			slog.Warn("push registry: prune expired subscription", "id", record.Id, "error", err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

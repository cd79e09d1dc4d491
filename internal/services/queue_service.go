package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"salon-queue/config"
	"salon-queue/internal/status"
	"salon-queue/models"
	"salon-queue/monitoring"
	"salon-queue/utils"
)

const activeSalonsKey = "active_salons"

func activeKey(salonID string) string {
	return "queue:active:" + salonID
}

func entryKey(entryID string) string {
	return "queue:entry:" + entryID
}

func userKey(salonID, userID string) string {
	return "queue:user:" + salonID + ":" + userID
}

func metricsKey(salonID string) string {
	return "queue:metrics:" + salonID
}

// QueueService is the queue ledger: the per-salon ordered list of active
// entries lives in Redis, one JSON document per entry. All mutations for
// a salon run under that salon's mutex so positions always form the
// contiguous sequence 1..N in joined order. Terminal entries keep their
// entry key for a bounded window and are archived durably.
type QueueService struct {
	Redis   *redis.Client
	catalog ServiceCatalog
	history HistoryArchive

	locks      *keyedMutex
	historyTTL time.Duration
}

func NewQueueService(redisClient *redis.Client, catalog ServiceCatalog, history HistoryArchive, cfg *config.Config) *QueueService {
	return &QueueService{
		Redis:      redisClient,
		catalog:    catalog,
		history:    history,
		locks:      newKeyedMutex(),
		historyTTL: cfg.HistoryTTL,
	}
}

// Enqueue appends a new waiting entry at the back of the salon's line.
func (s *QueueService) Enqueue(ctx context.Context, salonID, userID string, serviceIDs []string) (models.QueueEntry, error) {
	if salonID == "" || userID == "" {
		return models.QueueEntry{}, fmt.Errorf("%w: salon and user are required", status.ErrInvalidRequest)
	}
	if len(serviceIDs) == 0 {
		return models.QueueEntry{}, fmt.Errorf("%w: at least one service is required", status.ErrInvalidRequest)
	}

	durations, err := s.catalog.ServiceDurations(ctx, serviceIDs)
	if err != nil {
		return models.QueueEntry{}, err
	}
	total := 0
	for _, id := range serviceIDs {
		total += durations[id]
	}

	id, err := utils.GenerateCode(8)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("generate entry id: %w", err)
	}

	s.locks.Lock(salonID)
	defer s.locks.Unlock(salonID)

	exists, err := s.Redis.Exists(ctx, userKey(salonID, userID)).Result()
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("check active entry: %w", err)
	}
	if exists > 0 {
		return models.QueueEntry{}, status.ErrAlreadyQueued
	}

	ahead, err := s.activeEntriesLocked(ctx, salonID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	wait := 0
	for _, e := range ahead {
		wait += e.DurationMinutes
	}

	entry := models.QueueEntry{
		ID:                   id,
		SalonID:              salonID,
		UserID:               userID,
		ServiceIDs:           serviceIDs,
		Status:               status.Waiting,
		Position:             len(ahead) + 1,
		EstimatedWaitMinutes: wait,
		DurationMinutes:      total,
		JoinedAt:             time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("marshal entry: %w", err)
	}

	if err := s.Redis.RPush(ctx, activeKey(salonID), data).Err(); err != nil {
		return models.QueueEntry{}, fmt.Errorf("push entry: %w", err)
	}
	if err := s.Redis.Set(ctx, entryKey(entry.ID), data, 0).Err(); err != nil {
		return models.QueueEntry{}, fmt.Errorf("store entry: %w", err)
	}
	if err := s.Redis.Set(ctx, userKey(salonID, userID), entry.ID, 0).Err(); err != nil {
		return models.QueueEntry{}, fmt.Errorf("store user entry ref: %w", err)
	}
	if err := s.Redis.SAdd(ctx, activeSalonsKey, salonID).Err(); err != nil {
		slog.Warn("track active salon", "salon_id", salonID, "error", err)
	}

	monitoring.TrackQueueOperation("enqueue", salonID, "success")
	return entry, nil
}

// Entry loads a single entry by id, active or recently terminal.
func (s *QueueService) Entry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	raw, err := s.Redis.Get(ctx, entryKey(entryID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.QueueEntry{}, status.ErrNotFound
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("load entry %s: %w", entryID, err)
	}

	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return models.QueueEntry{}, fmt.Errorf("decode entry %s: %w", entryID, err)
	}
	return entry, nil
}

// UserEntry resolves the user's active entry at a salon.
func (s *QueueService) UserEntry(ctx context.Context, salonID, userID string) (models.QueueEntry, error) {
	entryID, err := s.Redis.Get(ctx, userKey(salonID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.QueueEntry{}, status.ErrNotFound
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("resolve user entry: %w", err)
	}
	return s.Entry(ctx, entryID)
}

// ActiveEntries returns the salon's active entries in queue order.
func (s *QueueService) ActiveEntries(ctx context.Context, salonID string) ([]models.QueueEntry, error) {
	return s.activeEntriesLocked(ctx, salonID)
}

func (s *QueueService) activeEntriesLocked(ctx context.Context, salonID string) ([]models.QueueEntry, error) {
	raws, err := s.Redis.LRange(ctx, activeKey(salonID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range active entries: %w", err)
	}

	entries := make([]models.QueueEntry, 0, len(raws))
	for _, raw := range raws {
		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			slog.Warn("skip undecodable queue entry", "salon_id", salonID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ApplyStatus transitions an entry along the lifecycle graph. Illegal
// edges fail with ErrInvalidTransition and leave the entry untouched.
// Terminal targets also remove the entry from the active list and
// re-rank everyone behind it.
func (s *QueueService) ApplyStatus(ctx context.Context, entryID string, to status.Status, reason string) (models.QueueEntry, error) {
	entry, err := s.Entry(ctx, entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !status.CanTransition(entry.Status, to) {
		return models.QueueEntry{}, fmt.Errorf("%w: %s -> %s", status.ErrInvalidTransition, entry.Status, to)
	}

	s.locks.Lock(entry.SalonID)
	defer s.locks.Unlock(entry.SalonID)

	if to.Terminal() {
		return s.removeLocked(ctx, entry.SalonID, entryID, to, reason)
	}
	return s.mutateLocked(ctx, entry.SalonID, entryID, to)
}

// Remove forces an entry to a terminal status. Used by staff removal
// flows; lifecycle guards still apply.
func (s *QueueService) Remove(ctx context.Context, entryID string, terminal status.Status, reason string) (models.QueueEntry, error) {
	if !terminal.Terminal() {
		return models.QueueEntry{}, fmt.Errorf("%w: %s is not a terminal status", status.ErrInvalidRequest, terminal)
	}
	return s.ApplyStatus(ctx, entryID, terminal, reason)
}

func (s *QueueService) mutateLocked(ctx context.Context, salonID, entryID string, to status.Status) (models.QueueEntry, error) {
	raws, err := s.Redis.LRange(ctx, activeKey(salonID), 0, -1).Result()
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("range active entries: %w", err)
	}

	for i, raw := range raws {
		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.ID != entryID {
			continue
		}

		// Re-check against the fresh copy: the entry may have moved
		// between the unlocked read and acquiring the salon lock.
		if !status.CanTransition(entry.Status, to) {
			return models.QueueEntry{}, fmt.Errorf("%w: %s -> %s", status.ErrInvalidTransition, entry.Status, to)
		}

		now := time.Now().UTC()
		switch to {
		case status.Notified:
			entry.NotifiedAt = &now
		case status.InProgress:
			entry.StartedAt = &now
		}
		entry.Status = to

		data, err := json.Marshal(entry)
		if err != nil {
			return models.QueueEntry{}, fmt.Errorf("marshal entry: %w", err)
		}
		if err := s.Redis.LSet(ctx, activeKey(salonID), int64(i), data).Err(); err != nil {
			return models.QueueEntry{}, fmt.Errorf("update entry in list: %w", err)
		}
		if err := s.Redis.Set(ctx, entryKey(entryID), data, 0).Err(); err != nil {
			return models.QueueEntry{}, fmt.Errorf("update entry: %w", err)
		}

		monitoring.TrackQueueOperation("transition", salonID, string(to))
		return entry, nil
	}

	// Not in the active list anymore: it was concurrently terminated.
	return models.QueueEntry{}, fmt.Errorf("%w: entry %s is no longer active", status.ErrInvalidTransition, entryID)
}

func (s *QueueService) removeLocked(ctx context.Context, salonID, entryID string, to status.Status, reason string) (models.QueueEntry, error) {
	entries, err := s.activeEntriesLocked(ctx, salonID)
	if err != nil {
		return models.QueueEntry{}, err
	}

	idx := -1
	for i, e := range entries {
		if e.ID == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.QueueEntry{}, fmt.Errorf("%w: entry %s is no longer active", status.ErrInvalidTransition, entryID)
	}

	removed := entries[idx]
	if !status.CanTransition(removed.Status, to) {
		return models.QueueEntry{}, fmt.Errorf("%w: %s -> %s", status.ErrInvalidTransition, removed.Status, to)
	}

	now := time.Now().UTC()
	removed.Status = to
	removed.TerminatedReason = reason
	if to == status.Completed {
		removed.CompletedAt = &now
	}

	remaining := make([]models.QueueEntry, 0, len(entries)-1)
	remaining = append(remaining, entries[:idx]...)
	remaining = append(remaining, entries[idx+1:]...)
	ranked := rank(remaining)

	if err := s.Redis.Del(ctx, activeKey(salonID)).Err(); err != nil {
		return models.QueueEntry{}, fmt.Errorf("clear active list: %w", err)
	}
	if len(ranked) > 0 {
		datas := make([]any, len(ranked))
		for i, e := range ranked {
			data, err := json.Marshal(e)
			if err != nil {
				return models.QueueEntry{}, fmt.Errorf("marshal entry: %w", err)
			}
			datas[i] = data
		}
		if err := s.Redis.RPush(ctx, activeKey(salonID), datas...).Err(); err != nil {
			return models.QueueEntry{}, fmt.Errorf("rebuild active list: %w", err)
		}
	} else {
		if err := s.Redis.SRem(ctx, activeSalonsKey, salonID).Err(); err != nil {
			slog.Warn("untrack active salon", "salon_id", salonID, "error", err)
		}
	}

	// Only entries behind the removed one shift.
	for i, e := range ranked {
		if e.Position == remaining[i].Position && e.EstimatedWaitMinutes == remaining[i].EstimatedWaitMinutes {
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			return models.QueueEntry{}, fmt.Errorf("marshal entry: %w", err)
		}
		if err := s.Redis.Set(ctx, entryKey(e.ID), data, 0).Err(); err != nil {
			return models.QueueEntry{}, fmt.Errorf("update shifted entry: %w", err)
		}
	}

	data, err := json.Marshal(removed)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("marshal removed entry: %w", err)
	}
	if err := s.Redis.Set(ctx, entryKey(removed.ID), data, s.historyTTL).Err(); err != nil {
		return models.QueueEntry{}, fmt.Errorf("store terminal entry: %w", err)
	}
	if err := s.Redis.Del(ctx, userKey(salonID, removed.UserID)).Err(); err != nil {
		slog.Warn("clear user entry ref", "entry_id", removed.ID, "error", err)
	}

	// Archive failure must not undo the committed removal.
	if s.history != nil {
		if err := s.history.Archive(ctx, removed); err != nil {
			slog.Error("archive terminal entry", "entry_id", removed.ID, "error", err)
		}
	}

	monitoring.TrackQueueOperation("remove", salonID, string(to))
	return removed, nil
}

// rank returns copies with contiguous positions 1..N and wait estimates
// accumulated from everyone ahead.
func rank(entries []models.QueueEntry) []models.QueueEntry {
	ranked := make([]models.QueueEntry, len(entries))
	copy(ranked, entries)

	wait := 0
	for i := range ranked {
		ranked[i].Position = i + 1
		ranked[i].EstimatedWaitMinutes = wait
		wait += ranked[i].DurationMinutes
	}
	return ranked
}

// Recompute refreshes positions, wait estimates and the cached metrics
// snapshot for a salon. Idempotent; entries are kept in joinedAt order.
func (s *QueueService) Recompute(ctx context.Context, salonID string) error {
	s.locks.Lock(salonID)
	defer s.locks.Unlock(salonID)

	entries, err := s.activeEntriesLocked(ctx, salonID)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		if err := s.Redis.SRem(ctx, activeSalonsKey, salonID).Err(); err != nil {
			slog.Warn("untrack active salon", "salon_id", salonID, "error", err)
		}
		if err := s.Redis.Del(ctx, metricsKey(salonID)).Err(); err != nil {
			slog.Warn("clear queue metrics", "salon_id", salonID, "error", err)
		}
		monitoring.SetQueueLength(salonID, 0)
		return nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	ranked := rank(entries)

	totalWait := 0
	for i, e := range ranked {
		totalWait += e.EstimatedWaitMinutes

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := s.Redis.LSet(ctx, activeKey(salonID), int64(i), data).Err(); err != nil {
			return fmt.Errorf("update entry in list: %w", err)
		}
		if err := s.Redis.Set(ctx, entryKey(e.ID), data, 0).Err(); err != nil {
			return fmt.Errorf("update entry: %w", err)
		}
	}

	avg := float64(totalWait) / float64(len(ranked))
	if err := s.Redis.HSet(ctx, metricsKey(salonID),
		"total_waiting", len(ranked),
		"avg_wait_minutes", avg,
		"last_updated", time.Now().Unix(),
	).Err(); err != nil {
		slog.Warn("store queue metrics", "salon_id", salonID, "error", err)
	} else if err := s.Redis.Expire(ctx, metricsKey(salonID), 24*time.Hour).Err(); err != nil {
		slog.Warn("expire queue metrics", "salon_id", salonID, "error", err)
	}

	monitoring.SetQueueLength(salonID, len(ranked))
	return nil
}

// Metrics returns the cached per-salon snapshot.
func (s *QueueService) Metrics(ctx context.Context, salonID string) (models.QueueMetrics, error) {
	vals, err := s.Redis.HGetAll(ctx, metricsKey(salonID)).Result()
	if err != nil {
		return models.QueueMetrics{}, fmt.Errorf("load queue metrics: %w", err)
	}

	metrics := models.QueueMetrics{SalonID: salonID}
	if v, ok := vals["total_waiting"]; ok {
		metrics.TotalWaiting, _ = strconv.Atoi(v)
	}
	if v, ok := vals["avg_wait_minutes"]; ok {
		metrics.AvgWaitMinutes, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := vals["last_updated"]; ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			metrics.LastUpdated = time.Unix(ts, 0)
		}
	}
	return metrics, nil
}

// ActiveSalons lists salons with a non-empty queue, for state
// restoration and the background sweeper.
func (s *QueueService) ActiveSalons(ctx context.Context) ([]string, error) {
	salons, err := s.Redis.SMembers(ctx, activeSalonsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active salons: %w", err)
	}
	return salons, nil
}

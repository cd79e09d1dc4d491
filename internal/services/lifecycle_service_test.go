package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salon-queue/internal/status"
	"salon-queue/models"
)

type stubNotifier struct {
	notified  []models.QueueEntry
	estimates []string
}

func (n *stubNotifier) EnqueueEntryNotification(entry models.QueueEntry, arrivalEstimate string) {
	n.notified = append(n.notified, entry)
	n.estimates = append(n.estimates, arrivalEstimate)
}

type stubLoyalty struct {
	accrued []string
	err     error
}

func (l *stubLoyalty) Accrue(ctx context.Context, salonID, userID string) (int64, error) {
	if l.err != nil {
		return 0, l.err
	}
	l.accrued = append(l.accrued, salonID+"/"+userID)
	return 10, nil
}

func setupTestLifecycle() (*LifecycleService, redismock.ClientMock, *stubNotifier, *stubLoyalty) {
	queue, mock, _ := setupTestQueueService()
	notifier := &stubNotifier{}
	loyalty := &stubLoyalty{}
	return NewLifecycleService(queue, notifier, loyalty), mock, notifier, loyalty
}

func TestLifecycleService_Notify_SchedulesNotifications(t *testing.T) {
	service, mock, notifier, _ := setupTestLifecycle()
	defer mock.ClearExpect()

	entry := waitingEntry("E1", "salon-1", "user-1", 1, 0, 30, time.Now().UTC())
	raw := mustJSON(t, entry)

	mock.ExpectGet("queue:entry:E1").SetVal(raw)
	mock.ExpectLRange("queue:active:salon-1", 0, -1).SetVal([]string{raw})
	mock.Regexp().ExpectLSet("queue:active:salon-1", 0, `.*`).SetVal("OK")
	mock.Regexp().ExpectSet("queue:entry:E1", `.*`, 0).SetVal("OK")

	got, err := service.Notify(context.Background(), "E1", "15 minutes")

	require.NoError(t, err)
	assert.Equal(t, status.Notified, got.Status)
	require.Len(t, notifier.notified, 1)
	assert.Equal(t, "E1", notifier.notified[0].ID)
	assert.Equal(t, status.Notified, notifier.notified[0].Status)
	assert.Equal(t, "15 minutes", notifier.estimates[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLifecycleService_Notify_NoNotificationOnFailedTransition(t *testing.T) {
	service, mock, notifier, _ := setupTestLifecycle()
	defer mock.ClearExpect()

	entry := waitingEntry("E1", "salon-1", "user-1", 1, 0, 30, time.Now().UTC())
	entry.Status = status.InProgress
	mock.ExpectGet("queue:entry:E1").SetVal(mustJSON(t, entry))

	_, err := service.Notify(context.Background(), "E1", "")

	assert.ErrorIs(t, err, status.ErrInvalidTransition)
	assert.Empty(t, notifier.notified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLifecycleService_Complete_AwardsLoyaltyPoints(t *testing.T) {
	service, mock, _, loyalty := setupTestLifecycle()
	defer mock.ClearExpect()

	entry := waitingEntry("E1", "salon-1", "user-1", 1, 0, 30, time.Now().UTC())
	entry.Status = status.InProgress
	raw := mustJSON(t, entry)

	mock.ExpectGet("queue:entry:E1").SetVal(raw)
	mock.ExpectLRange("queue:active:salon-1", 0, -1).SetVal([]string{raw})
	mock.ExpectDel("queue:active:salon-1").SetVal(1)
	mock.ExpectSRem("active_salons", "salon-1").SetVal(1)
	mock.Regexp().ExpectSet("queue:entry:E1", `.*`, 24*time.Hour).SetVal("OK")
	mock.ExpectDel("queue:user:salon-1:user-1").SetVal(1)

	got, err := service.Complete(context.Background(), "E1")

	require.NoError(t, err)
	assert.Equal(t, status.Completed, got.Status)
	assert.Equal(t, []string{"salon-1/user-1"}, loyalty.accrued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLifecycleService_Complete_SurvivesAccrualFailure(t *testing.T) {
	service, mock, _, loyalty := setupTestLifecycle()
	defer mock.ClearExpect()
	loyalty.err = errors.New("redis down")

	entry := waitingEntry("E1", "salon-1", "user-1", 1, 0, 30, time.Now().UTC())
	entry.Status = status.InProgress
	raw := mustJSON(t, entry)

	mock.ExpectGet("queue:entry:E1").SetVal(raw)
	mock.ExpectLRange("queue:active:salon-1", 0, -1).SetVal([]string{raw})
	mock.ExpectDel("queue:active:salon-1").SetVal(1)
	mock.ExpectSRem("active_salons", "salon-1").SetVal(1)
	mock.Regexp().ExpectSet("queue:entry:E1", `.*`, 24*time.Hour).SetVal("OK")
	mock.ExpectDel("queue:user:salon-1:user-1").SetVal(1)

	got, err := service.Complete(context.Background(), "E1")

	require.NoError(t, err)
	assert.Equal(t, status.Completed, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLifecycleService_Transition_RoutesEveryStatus(t *testing.T) {
	service, mock, _, _ := setupTestLifecycle()
	defer mock.ClearExpect()

	_, err := service.Transition(context.Background(), "E1", status.Waiting, "", "")

	assert.ErrorIs(t, err, status.ErrInvalidRequest)
}

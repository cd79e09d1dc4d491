package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salon-queue/config"
	"salon-queue/models"
)

type stubTransport struct {
	failures  int
	permanent bool
	calls     []struct{ To, Subject, Body string }
}

func (s *stubTransport) Send(ctx context.Context, to, subject, body string) error {
	s.calls = append(s.calls, struct{ To, Subject, Body string }{to, subject, body})
	if s.permanent {
		return Permanent(errors.New("bad address"))
	}
	if s.failures > 0 {
		s.failures--
		return errors.New("gateway returned 502")
	}
	return nil
}

type stubPushSender struct {
	published []struct {
		Channel string
		Payload map[string]any
	}
	err error
}

func (s *stubPushSender) Publish(ctx context.Context, channel string, payload map[string]any) error {
	s.published = append(s.published, struct {
		Channel string
		Payload map[string]any
	}{channel, payload})
	return s.err
}

type stubDirectory struct {
	contact models.Contact
	err     error
}

func (d *stubDirectory) Contact(ctx context.Context, userID string) (models.Contact, error) {
	if d.err != nil {
		return models.Contact{}, d.err
	}
	return d.contact, nil
}

type stubRegistry struct {
	subs []models.PushSubscription
}

func (r *stubRegistry) Live(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	return r.subs, nil
}

func (r *stubRegistry) PruneExpired(ctx context.Context) (int, error) {
	return 0, nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	mock       redismock.ClientMock
	sms        *stubTransport
	email      *stubTransport
	push       *stubPushSender
	registry   *stubRegistry
}

func setupTestDispatcher() *dispatcherFixture {
	db, mock := redismock.NewClientMock()
	cfg := &config.Config{
		NotifyDedupeWindow: 30 * time.Second,
		NotifyMaxAttempts:  3,
		NotifyRetryBackoff: time.Millisecond,
		DispatchQueueSize:  4,
		DispatchWorkers:    1,
		HistoryTTL:         24 * time.Hour,
		OTPTTL:             10 * time.Minute,
	}

	sms := &stubTransport{}
	email := &stubTransport{}
	push := &stubPushSender{}
	registry := &stubRegistry{}
	catalog := &stubCatalog{
		durations: map[string]int{"cut": 30},
		names:     map[string]string{"cut": "Haircut"},
		salonName: "Downtown Salon",
	}
	directory := &stubDirectory{contact: models.Contact{
		UserID: "user-1",
		Name:   "Noy",
		Email:  "noy@example.com",
		Phone:  "+8562055512345",
	}}

	dispatcher := NewDispatcher(db, cfg, DispatcherDeps{
		Catalog:   catalog,
		Directory: directory,
		Registry:  registry,
		Push:      push,
		SMS:       sms,
		Email:     email,
	})

	return &dispatcherFixture{
		dispatcher: dispatcher,
		mock:       mock,
		sms:        sms,
		email:      email,
		push:       push,
		registry:   registry,
	}
}

func notifiedEntry() models.QueueEntry {
	return waitingEntry("E1", "salon-1", "user-1", 1, 0, 30, time.Now().UTC())
}

func TestDispatcher_Dispatch_SMSDelivered(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()

	f.mock.ExpectSetNX("notify:dedupe:E1:sms", 1, 30*time.Second).SetVal(true)
	f.mock.Regexp().ExpectHSet("notify:record:E1:sms", "attempt_count", `.*`, "last_attempt_at", `.*`, "outcome", `.*`).SetVal(3)
	f.mock.ExpectExpire("notify:record:E1:sms", 24*time.Hour).SetVal(true)

	f.dispatcher.Dispatch(context.Background(), DispatchRequest{
		Kind:            KindQueueNotify,
		Entry:           notifiedEntry(),
		Channels:        []string{ChannelSMS},
		ArrivalEstimate: "15 minutes",
	})

	require.Len(t, f.sms.calls, 1)
	assert.Equal(t, "+8562055512345", f.sms.calls[0].To)
	assert.Contains(t, f.sms.calls[0].Body, "Noy")
	assert.Contains(t, f.sms.calls[0].Body, "Downtown Salon")
	assert.Contains(t, f.sms.calls[0].Body, "Haircut")
	assert.Contains(t, f.sms.calls[0].Body, "15 minutes")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDispatcher_Dispatch_DuplicateSuppressed(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()

	f.mock.ExpectSetNX("notify:dedupe:E1:sms", 1, 30*time.Second).SetVal(false)

	f.dispatcher.Dispatch(context.Background(), DispatchRequest{
		Kind:     KindQueueNotify,
		Entry:    notifiedEntry(),
		Channels: []string{ChannelSMS},
	})

	assert.Empty(t, f.sms.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDispatcher_Dispatch_RetriesTransientFailure(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()
	f.sms.failures = 2

	f.mock.ExpectSetNX("notify:dedupe:E1:sms", 1, 30*time.Second).SetVal(true)
	f.mock.Regexp().ExpectHSet("notify:record:E1:sms", "attempt_count", `.*`, "last_attempt_at", `.*`, "outcome", `.*`).SetVal(3)
	f.mock.ExpectExpire("notify:record:E1:sms", 24*time.Hour).SetVal(true)

	f.dispatcher.Dispatch(context.Background(), DispatchRequest{
		Kind:     KindQueueNotify,
		Entry:    notifiedEntry(),
		Channels: []string{ChannelSMS},
	})

	assert.Len(t, f.sms.calls, 3)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDispatcher_Dispatch_PermanentFailureNotRetried(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()
	f.email.permanent = true

	f.mock.ExpectSetNX("notify:dedupe:E1:email", 1, 30*time.Second).SetVal(true)
	f.mock.Regexp().ExpectHSet("notify:record:E1:email", "attempt_count", `.*`, "last_attempt_at", `.*`, "outcome", `.*`).SetVal(3)
	f.mock.ExpectExpire("notify:record:E1:email", 24*time.Hour).SetVal(true)

	f.dispatcher.Dispatch(context.Background(), DispatchRequest{
		Kind:     KindQueueNotify,
		Entry:    notifiedEntry(),
		Channels: []string{ChannelEmail},
	})

	assert.Len(t, f.email.calls, 1)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDispatcher_Dispatch_PushUsesRegisteredEndpoints(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()
	f.registry.subs = []models.PushSubscription{
		{ID: "S1", UserID: "user-1", Endpoint: "endpoint-a"},
		{ID: "S2", UserID: "user-1", Endpoint: "endpoint-b"},
	}

	f.mock.ExpectSetNX("notify:dedupe:E1:push", 1, 30*time.Second).SetVal(true)
	f.mock.Regexp().ExpectHSet("notify:record:E1:push", "attempt_count", `.*`, "last_attempt_at", `.*`, "outcome", `.*`).SetVal(3)
	f.mock.ExpectExpire("notify:record:E1:push", 24*time.Hour).SetVal(true)

	f.dispatcher.Dispatch(context.Background(), DispatchRequest{
		Kind:     KindQueueNotify,
		Entry:    notifiedEntry(),
		Channels: []string{ChannelPush},
	})

	require.Len(t, f.push.published, 2)
	assert.Equal(t, "endpoint-a", f.push.published[0].Channel)
	assert.Equal(t, "endpoint-b", f.push.published[1].Channel)
	assert.Equal(t, "salon-1", f.push.published[0].Payload["salon_id"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDispatcher_Dispatch_PushFallsBackToUserChannel(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()

	f.mock.ExpectSetNX("notify:dedupe:E1:push", 1, 30*time.Second).SetVal(true)
	f.mock.Regexp().ExpectHSet("notify:record:E1:push", "attempt_count", `.*`, "last_attempt_at", `.*`, "outcome", `.*`).SetVal(3)
	f.mock.ExpectExpire("notify:record:E1:push", 24*time.Hour).SetVal(true)

	f.dispatcher.Dispatch(context.Background(), DispatchRequest{
		Kind:     KindQueueNotify,
		Entry:    notifiedEntry(),
		Channels: []string{ChannelPush},
	})

	require.Len(t, f.push.published, 1)
	assert.Equal(t, "user-user-1", f.push.published[0].Channel)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDispatcher_SendCode_Email(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()

	f.mock.Regexp().ExpectHSet("notify:record:otp:user-1:email", "attempt_count", `.*`, "last_attempt_at", `.*`, "outcome", `.*`).SetVal(3)
	f.mock.ExpectExpire("notify:record:otp:user-1:email", 24*time.Hour).SetVal(true)

	f.dispatcher.Dispatch(context.Background(), DispatchRequest{
		Kind:    KindOTP,
		UserID:  "user-1",
		Channel: "email",
		Code:    "123456",
	})

	require.Len(t, f.email.calls, 1)
	assert.Equal(t, "noy@example.com", f.email.calls[0].To)
	assert.Contains(t, f.email.calls[0].Body, "123456")
	assert.Contains(t, f.email.calls[0].Body, "10 minutes")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDispatcher_ComposeCallTarget(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()

	target, err := f.dispatcher.ComposeCallTarget(context.Background(), notifiedEntry())

	require.NoError(t, err)
	assert.Equal(t, ChannelCall, target.Channel)
	assert.Equal(t, "tel:+8562055512345", target.Address)
	assert.Contains(t, target.Message, "Downtown Salon")
}

func TestDispatcher_ComposeChatLink(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()

	target, err := f.dispatcher.ComposeChatLink(context.Background(), notifiedEntry())

	require.NoError(t, err)
	assert.Equal(t, ChannelChat, target.Channel)
	assert.Contains(t, target.Address, "https://wa.me/8562055512345?text=")
	assert.NotContains(t, target.Address, " ")
}

func TestDispatcher_EnqueueDoesNotBlockWhenFull(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()

	// Workers never started; fill the buffer and overflow it.
	for i := 0; i < 10; i++ {
		f.dispatcher.EnqueueEntryNotification(notifiedEntry(), "")
	}
}

func TestDispatcher_Record(t *testing.T) {
	f := setupTestDispatcher()
	defer f.mock.ClearExpect()

	f.mock.ExpectHGetAll("notify:record:E1:sms").SetVal(map[string]string{
		"attempt_count":   "2",
		"last_attempt_at": "1756700000",
		"outcome":         "delivered",
	})

	record, err := f.dispatcher.Record(context.Background(), "E1", "sms")

	require.NoError(t, err)
	assert.Equal(t, 2, record.AttemptCount)
	assert.Equal(t, "delivered", record.Outcome)
	assert.Equal(t, int64(1756700000), record.LastAttemptAt.Unix())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

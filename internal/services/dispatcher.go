package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"salon-queue/config"
	"salon-queue/internal/status"
	"salon-queue/models"
	"salon-queue/monitoring"
	"salon-queue/utils"
)

const (
	ChannelPush  = "push"
	ChannelSMS   = "sms"
	ChannelEmail = "email"
	ChannelCall  = "call"
	ChannelChat  = "chat"
)

const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
)

const (
	KindQueueNotify = "queue_notify"
	KindReminder    = "reminder"
	KindOTP         = "otp"
)

func dedupeKey(entryID, channel string) string {
	return "notify:dedupe:" + entryID + ":" + channel
}

func recordKey(entryID, channel string) string {
	return "notify:record:" + entryID + ":" + channel
}

// Transport delivers one message to one address synchronously. Wrap
// errors with Permanent to suppress retries.
type Transport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// PushSender publishes a payload to a push channel, fire-and-forget.
type PushSender interface {
	Publish(ctx context.Context, channel string, payload map[string]any) error
}

// PermanentError marks a delivery failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// DispatchRequest is one unit of work for the dispatcher's workers.
type DispatchRequest struct {
	Kind            string
	Entry           models.QueueEntry
	Channels        []string
	ArrivalEstimate string

	// OTP sends
	UserID  string
	Channel string
	Code    string
}

type composedMessage struct {
	Subject string
	Body    string
	Contact models.Contact
}

// Dispatcher composes per-channel messages and hands them to external
// transports. It never holds a salon lock and its failures never reach
// the state machine: outcomes land in NotificationRecords and logs.
type Dispatcher struct {
	Redis     *redis.Client
	catalog   ServiceCatalog
	directory UserDirectory
	registry  PushRegistry
	push      PushSender
	sms       Transport
	email     Transport
	cfg       *config.Config

	requests chan DispatchRequest
	stopChan chan struct{}
	wg       sync.WaitGroup

	smsBreaker   *utils.CircuitBreaker
	emailBreaker *utils.CircuitBreaker
}

// DispatcherDeps groups the external collaborators.
type DispatcherDeps struct {
	Catalog   ServiceCatalog
	Directory UserDirectory
	Registry  PushRegistry
	Push      PushSender
	SMS       Transport
	Email     Transport
}

func NewDispatcher(redisClient *redis.Client, cfg *config.Config, deps DispatcherDeps) *Dispatcher {
	return &Dispatcher{
		Redis:        redisClient,
		catalog:      deps.Catalog,
		directory:    deps.Directory,
		registry:     deps.Registry,
		push:         deps.Push,
		sms:          deps.SMS,
		email:        deps.Email,
		cfg:          cfg,
		requests:     make(chan DispatchRequest, cfg.DispatchQueueSize),
		stopChan:     make(chan struct{}),
		smsBreaker:   utils.NewCircuitBreaker("sms"),
		emailBreaker: utils.NewCircuitBreaker("email"),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.DispatchWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	slog.Info("notification dispatcher started", "workers", d.cfg.DispatchWorkers)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case req := <-d.requests:
			start := time.Now()
			d.Dispatch(context.Background(), req)
			monitoring.TrackDispatch(req.Kind, time.Since(start))
		case <-d.stopChan:
			return
		}
	}
}

// Shutdown stops the workers, waiting briefly for in-flight sends.
func (d *Dispatcher) Shutdown() {
	close(d.stopChan)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("notification dispatcher stopped")
	case <-time.After(10 * time.Second):
		slog.Warn("timeout waiting for dispatch workers to stop")
	}
}

// EnqueueEntryNotification schedules the automatic channels for a queue
// event. Never blocks: a full queue drops the request and records it.
func (d *Dispatcher) EnqueueEntryNotification(entry models.QueueEntry, arrivalEstimate string) {
	d.enqueue(DispatchRequest{
		Kind:            KindQueueNotify,
		Entry:           entry,
		Channels:        []string{ChannelPush, ChannelSMS, ChannelEmail},
		ArrivalEstimate: arrivalEstimate,
	})
}

// EnqueueCode schedules an OTP delivery on the email or phone channel.
func (d *Dispatcher) EnqueueCode(userID, channel, code string) {
	d.enqueue(DispatchRequest{
		Kind:    KindOTP,
		UserID:  userID,
		Channel: channel,
		Code:    code,
	})
}

func (d *Dispatcher) enqueue(req DispatchRequest) {
	select {
	case d.requests <- req:
	default:
		slog.Warn("dispatch queue full, dropping request", "kind", req.Kind, "entry_id", req.Entry.ID, "user_id", req.UserID)
		monitoring.TrackDispatchDrop()
	}
}

// Dispatch processes one request synchronously. Exposed for workers and
// tests; callers on the hot path should use the Enqueue* methods.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) {
	switch req.Kind {
	case KindOTP:
		d.sendCode(ctx, req)
	default:
		d.sendEntryNotification(ctx, req)
	}
}

func (d *Dispatcher) sendEntryNotification(ctx context.Context, req DispatchRequest) {
	msg, err := d.composeEntryMessage(ctx, req.Entry, req.ArrivalEstimate)
	if err != nil {
		slog.Error("compose notification", "entry_id", req.Entry.ID, "error", err)
		monitoring.TrackNotification("compose", OutcomeFailed)
		return
	}

	for _, channel := range req.Channels {
		if !d.claimDedupe(ctx, req.Entry.ID, channel) {
			monitoring.TrackNotification(channel, OutcomeSuppressed)
			continue
		}

		var (
			attempts = 1
			sendErr  error
		)
		switch channel {
		case ChannelPush:
			sendErr = d.sendPush(ctx, req.Entry, msg)
		case ChannelSMS:
			attempts, sendErr = d.sendWithRetry(ctx, d.sms, d.smsBreaker, msg.Contact.Phone, msg)
		case ChannelEmail:
			attempts, sendErr = d.sendWithRetry(ctx, d.email, d.emailBreaker, msg.Contact.Email, msg)
		default:
			slog.Warn("unknown notification channel", "channel", channel)
			continue
		}

		outcome := OutcomeDelivered
		if sendErr != nil {
			outcome = OutcomeFailed
			slog.Error("notification delivery failed",
				"entry_id", req.Entry.ID, "channel", channel, "attempts", attempts, "error", sendErr)
		}
		d.recordOutcome(ctx, req.Entry.ID, channel, attempts, outcome)
		monitoring.TrackNotification(channel, outcome)
	}
}

func (d *Dispatcher) sendCode(ctx context.Context, req DispatchRequest) {
	contact, err := d.directory.Contact(ctx, req.UserID)
	if err != nil {
		slog.Error("resolve contact for otp", "user_id", req.UserID, "error", err)
		monitoring.TrackNotification(req.Channel, OutcomeFailed)
		return
	}

	msg := composedMessage{
		Subject: "Your verification code",
		Body:    fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", req.Code, int(d.cfg.OTPTTL.Minutes())),
		Contact: contact,
	}

	var (
		attempts int
		sendErr  error
		channel  string
	)
	switch req.Channel {
	case "email":
		channel = ChannelEmail
		attempts, sendErr = d.sendWithRetry(ctx, d.email, d.emailBreaker, contact.Email, msg)
	case "phone":
		channel = ChannelSMS
		attempts, sendErr = d.sendWithRetry(ctx, d.sms, d.smsBreaker, contact.Phone, msg)
	default:
		slog.Warn("unknown otp channel", "channel", req.Channel)
		return
	}

	outcome := OutcomeDelivered
	if sendErr != nil {
		outcome = OutcomeFailed
		slog.Error("otp delivery failed", "user_id", req.UserID, "channel", channel, "attempts", attempts, "error", sendErr)
	}
	d.recordOutcome(ctx, "otp:"+req.UserID, channel, attempts, outcome)
	monitoring.TrackNotification(channel, outcome)
}

func (d *Dispatcher) composeEntryMessage(ctx context.Context, entry models.QueueEntry, arrivalEstimate string) (composedMessage, error) {
	contact, err := d.directory.Contact(ctx, entry.UserID)
	if err != nil {
		return composedMessage{}, err
	}
	names, err := d.catalog.ServiceNames(ctx, entry.ServiceIDs)
	if err != nil {
		return composedMessage{}, err
	}
	salonName, err := d.catalog.SalonName(ctx, entry.SalonID)
	if err != nil {
		return composedMessage{}, err
	}

	if arrivalEstimate == "" {
		arrivalEstimate = fmt.Sprintf("about %d minutes", entry.EstimatedWaitMinutes)
	}

	name := contact.Name
	if name == "" {
		name = "there"
	}

	return composedMessage{
		Subject: fmt.Sprintf("It's almost your turn at %s", salonName),
		Body: fmt.Sprintf("Hi %s, it's almost your turn at %s for %s. Please arrive within %s.",
			name, salonName, strings.Join(names, ", "), arrivalEstimate),
		Contact: contact,
	}, nil
}

// claimDedupe reports whether this (entry, channel) send is the first
// inside the dedupe window. Fails open on Redis errors so a flaky
// bookkeeping store cannot silence notifications.
func (d *Dispatcher) claimDedupe(ctx context.Context, entryID, channel string) bool {
	ok, err := d.Redis.SetNX(ctx, dedupeKey(entryID, channel), 1, d.cfg.NotifyDedupeWindow).Result()
	if err != nil {
		slog.Warn("notification dedupe check", "entry_id", entryID, "channel", channel, "error", err)
		return true
	}
	return ok
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, transport Transport, breaker *utils.CircuitBreaker, to string, msg composedMessage) (int, error) {
	if transport == nil {
		return 0, Permanent(errors.New("transport not configured"))
	}
	if to == "" {
		return 0, Permanent(errors.New("no address on file"))
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.NotifyMaxAttempts; attempt++ {
		lastErr = breaker.Execute(ctx, func() error {
			return transport.Send(ctx, to, msg.Subject, msg.Body)
		})
		if lastErr == nil {
			return attempt, nil
		}
		if isPermanent(lastErr) || errors.Is(lastErr, utils.ErrCircuitOpen) {
			return attempt, lastErr
		}
		if attempt < d.cfg.NotifyMaxAttempts {
			select {
			case <-time.After(d.cfg.NotifyRetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
		}
	}
	return d.cfg.NotifyMaxAttempts, lastErr
}

func (d *Dispatcher) sendPush(ctx context.Context, entry models.QueueEntry, msg composedMessage) error {
	if d.push == nil {
		return errors.New("push sender not configured")
	}

	channels := []string{"user-" + entry.UserID}
	if d.registry != nil {
		subs, err := d.registry.Live(ctx, entry.UserID)
		if err != nil {
			slog.Warn("list push subscriptions", "user_id", entry.UserID, "error", err)
		} else if len(subs) > 0 {
			channels = channels[:0]
			for _, sub := range subs {
				channels = append(channels, sub.Endpoint)
			}
		}
	}

	payload := map[string]any{
		"type":     "queue_status",
		"status":   string(entry.Status),
		"salon_id": entry.SalonID,
		"position": entry.Position,
		"message":  msg.Body,
	}

	var lastErr error
	for _, channel := range channels {
		if err := d.push.Publish(ctx, channel, payload); err != nil {
			slog.Warn("push publish failed", "channel", channel, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

func (d *Dispatcher) recordOutcome(ctx context.Context, entryID, channel string, attempts int, outcome string) {
	key := recordKey(entryID, channel)
	err := d.Redis.HSet(ctx, key,
		"attempt_count", attempts,
		"last_attempt_at", time.Now().Unix(),
		"outcome", outcome,
	).Err()
	if err != nil {
		slog.Warn("store notification record", "entry_id", entryID, "channel", channel, "error", err)
		return
	}
	if err := d.Redis.Expire(ctx, key, d.cfg.HistoryTTL).Err(); err != nil {
		slog.Warn("expire notification record", "entry_id", entryID, "channel", channel, "error", err)
	}
}

// Record returns the delivery bookkeeping for one (entry, channel).
func (d *Dispatcher) Record(ctx context.Context, entryID, channel string) (models.NotificationRecord, error) {
	vals, err := d.Redis.HGetAll(ctx, recordKey(entryID, channel)).Result()
	if err != nil {
		return models.NotificationRecord{}, fmt.Errorf("load notification record: %w", err)
	}

	record := models.NotificationRecord{EntryID: entryID, Channel: channel}
	if v, ok := vals["attempt_count"]; ok {
		record.AttemptCount, _ = strconv.Atoi(v)
	}
	if v, ok := vals["last_attempt_at"]; ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			record.LastAttemptAt = time.Unix(ts, 0)
		}
	}
	record.Outcome = vals["outcome"]
	return record, nil
}

// ComposeCallTarget resolves the phone-call address and pre-filled
// message for an operator-initiated call. Nothing is sent; invoking the
// client is the operator's concern, so no dedupe applies.
func (d *Dispatcher) ComposeCallTarget(ctx context.Context, entry models.QueueEntry) (models.ContactTarget, error) {
	msg, err := d.composeEntryMessage(ctx, entry, "")
	if err != nil {
		return models.ContactTarget{}, err
	}
	if msg.Contact.Phone == "" {
		return models.ContactTarget{}, fmt.Errorf("%w: no phone on file for user %s", status.ErrNotFound, entry.UserID)
	}
	return models.ContactTarget{
		Channel: ChannelCall,
		Address: "tel:" + msg.Contact.Phone,
		Message: msg.Body,
	}, nil
}

// ComposeChatLink builds a chat-app deep link with the message
// pre-filled. Operator-initiated, so no dedupe applies.
func (d *Dispatcher) ComposeChatLink(ctx context.Context, entry models.QueueEntry) (models.ContactTarget, error) {
	msg, err := d.composeEntryMessage(ctx, entry, "")
	if err != nil {
		return models.ContactTarget{}, err
	}
	if msg.Contact.Phone == "" {
		return models.ContactTarget{}, fmt.Errorf("%w: no phone on file for user %s", status.ErrNotFound, entry.UserID)
	}
	number := strings.TrimPrefix(msg.Contact.Phone, "+")
	return models.ContactTarget{
		Channel: ChannelChat,
		Address: "https://wa.me/" + number + "?text=" + url.QueryEscape(msg.Body),
		Message: msg.Body,
	}, nil
}

package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"salon-queue/internal/services"
	"salon-queue/internal/status"
)

// apiError maps service errors onto HTTP responses.
func apiError(err error) error {
	switch {
	case errors.Is(err, status.ErrNotFound):
		return apis.NewNotFoundError("Not found", err)
	case errors.Is(err, status.ErrAlreadyQueued):
		return apis.NewApiError(http.StatusConflict, "Already in queue at this salon", err)
	case errors.Is(err, status.ErrInvalidTransition):
		return apis.NewApiError(http.StatusConflict, "Status change not allowed from the current state", err)
	case errors.Is(err, status.ErrInvalidRequest):
		return apis.NewBadRequestError("Invalid request", err)
	case errors.Is(err, status.ErrRateLimited):
		return apis.NewApiError(http.StatusTooManyRequests, "Too many requests, try again later", err)
	case errors.Is(err, status.ErrExpired):
		return apis.NewBadRequestError("Code expired, request a new one", err)
	case errors.Is(err, status.ErrMismatch):
		return apis.NewBadRequestError("Incorrect code", err)
	case errors.Is(err, status.ErrNoAttemptsLeft):
		return apis.NewApiError(http.StatusTooManyRequests, "Too many failed attempts, request a new code", err)
	default:
		return apis.NewApiError(http.StatusInternalServerError, "Something went wrong", err)
	}
}

type QueueHandler struct {
	app        *pocketbase.PocketBase
	queue      *services.QueueService
	lifecycle  *services.LifecycleService
	dispatcher *services.Dispatcher
}

func NewQueueHandler(app *pocketbase.PocketBase, queue *services.QueueService, lifecycle *services.LifecycleService, dispatcher *services.Dispatcher) *QueueHandler {
	return &QueueHandler{
		app:        app,
		queue:      queue,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
	}
}

// JoinQueue puts the authenticated customer at the back of a salon's
// walk-in line.
func (h *QueueHandler) JoinQueue(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		SalonID    string   `json:"salon_id"`
		ServiceIDs []string `json:"service_ids"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	entry, err := h.queue.Enqueue(e.Request.Context(), req.SalonID, e.Auth.Id, req.ServiceIDs)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, entry)
}

// GetPosition returns the caller's current entry plus the salon's queue
// snapshot.
func (h *QueueHandler) GetPosition(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	salonID := e.Request.URL.Query().Get("salon_id")
	if salonID == "" {
		return apis.NewBadRequestError("salon_id is required", nil)
	}
	ctx := e.Request.Context()

	entry, err := h.queue.UserEntry(ctx, salonID, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}

	metrics, err := h.queue.Metrics(ctx, salonID)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"entry":            entry,
		"total_waiting":    metrics.TotalWaiting,
		"avg_wait_minutes": metrics.AvgWaitMinutes,
	})
}

// GetSalonQueue returns the full active queue for staff dashboards.
func (h *QueueHandler) GetSalonQueue(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	salonID := e.Request.PathValue("salonId")
	if salonID == "" {
		return apis.NewBadRequestError("salon id is required", nil)
	}
	ctx := e.Request.Context()

	entries, err := h.queue.ActiveEntries(ctx, salonID)
	if err != nil {
		return apiError(err)
	}
	metrics, err := h.queue.Metrics(ctx, salonID)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"entries": entries,
		"metrics": metrics,
	})
}

// NotifyEntry tells a customer it is almost their turn.
func (h *QueueHandler) NotifyEntry(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		ArrivalEstimate string `json:"arrival_estimate"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	entry, err := h.lifecycle.Notify(e.Request.Context(), e.Request.PathValue("entryId"), req.ArrivalEstimate)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, entry)
}

// UpdateStatus moves an entry along the lifecycle.
func (h *QueueHandler) UpdateStatus(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		Status          string `json:"status"`
		Reason          string `json:"reason"`
		ArrivalEstimate string `json:"arrival_estimate"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	to, err := status.Parse(req.Status)
	if err != nil {
		return apiError(err)
	}

	entry, err := h.lifecycle.Transition(e.Request.Context(), e.Request.PathValue("entryId"), to, req.Reason, req.ArrivalEstimate)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, entry)
}

// CancelEntry lets the customer leave the queue. Only the entry's owner
// may cancel it.
func (h *QueueHandler) CancelEntry(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	ctx := e.Request.Context()
	entryID := e.Request.PathValue("entryId")

	entry, err := h.queue.Entry(ctx, entryID)
	if err != nil {
		return apiError(err)
	}
	if entry.UserID != e.Auth.Id {
		return apis.NewForbiddenError("Not your queue entry", nil)
	}

	cancelled, err := h.lifecycle.Cancel(ctx, entryID, req.Reason)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, cancelled)
}

// CallEntry resolves the phone-call target for an entry without sending
// anything.
func (h *QueueHandler) CallEntry(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ctx := e.Request.Context()
	entry, err := h.queue.Entry(ctx, e.Request.PathValue("entryId"))
	if err != nil {
		return apiError(err)
	}

	target, err := h.dispatcher.ComposeCallTarget(ctx, entry)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, target)
}

// ChatEntry resolves a chat deep link for an entry without sending
// anything.
func (h *QueueHandler) ChatEntry(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ctx := e.Request.Context()
	entry, err := h.queue.Entry(ctx, e.Request.PathValue("entryId"))
	if err != nil {
		return apiError(err)
	}

	target, err := h.dispatcher.ComposeChatLink(ctx, entry)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, target)
}

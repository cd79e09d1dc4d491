package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"salon-queue/internal/services"
)

type LoyaltyHandler struct {
	app     *pocketbase.PocketBase
	loyalty *services.LoyaltyService
}

func NewLoyaltyHandler(app *pocketbase.PocketBase, loyalty *services.LoyaltyService) *LoyaltyHandler {
	return &LoyaltyHandler{app: app, loyalty: loyalty}
}

// GetLoyalty returns the caller's points and tier at a salon.
func (h *LoyaltyHandler) GetLoyalty(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	salonID := e.Request.URL.Query().Get("salon_id")
	if salonID == "" {
		return apis.NewBadRequestError("salon_id is required", nil)
	}

	points, tier, err := h.loyalty.TierOf(e.Request.Context(), salonID, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"salon_id": salonID,
		"points":   points,
		"tier":     tier.Name,
		"discount": tier.Discount,
	})
}

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salon-queue/internal/status"
)

func TestApiError_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", status.ErrNotFound, http.StatusNotFound},
		{"already queued", status.ErrAlreadyQueued, http.StatusConflict},
		{"invalid transition", status.ErrInvalidTransition, http.StatusConflict},
		{"invalid request", status.ErrInvalidRequest, http.StatusBadRequest},
		{"rate limited", status.ErrRateLimited, http.StatusTooManyRequests},
		{"expired code", status.ErrExpired, http.StatusBadRequest},
		{"wrong code", status.ErrMismatch, http.StatusBadRequest},
		{"attempts exhausted", status.ErrNoAttemptsLeft, http.StatusTooManyRequests},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var apiErr *router.ApiError
			require.ErrorAs(t, apiError(tt.err), &apiErr)
			assert.Equal(t, tt.want, apiErr.Status)
		})
	}
}

func TestApiError_WrappedErrorsStillMap(t *testing.T) {
	err := fmt.Errorf("%w: unknown service %q", status.ErrInvalidRequest, "massage")

	var apiErr *router.ApiError
	require.ErrorAs(t, apiError(err), &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

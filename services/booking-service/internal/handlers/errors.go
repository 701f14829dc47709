package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/slotbook/libs/httpx"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/payments"
)

const codeForfeitWarning = "deposit_forfeit_warning"

type forfeitWarning struct {
	httpx.ErrorBody
	RequiresAck bool `json:"requires_ack"`
}

var errorStatus = []struct {
	kind   error
	status int
	code   string
}{
	{lifecycle.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{lifecycle.ErrForbidden, http.StatusForbidden, "forbidden"},
	{lifecycle.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
	{lifecycle.ErrServiceNotFound, http.StatusNotFound, "service_not_found"},
	{lifecycle.ErrSlotUnavailable, http.StatusConflict, "slot_unavailable"},
	{lifecycle.ErrStaleState, http.StatusConflict, "stale_state"},
	{lifecycle.ErrIllegalTransition, http.StatusConflict, "illegal_transition"},
	{lifecycle.ErrInsideThreshold, http.StatusUnprocessableEntity, "inside_threshold"},
	{payments.ErrNothingDue, http.StatusConflict, "nothing_due"},
	{payments.ErrNotConfigured, http.StatusNotImplemented, "checkout_not_configured"},
	{payments.ErrGateway, http.StatusBadGateway, "payment_gateway_error"},
}

// writeServiceError maps a service error onto the API error body. Anything
// that is not a known rejection is reported as retryable.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	if errors.Is(err, lifecycle.ErrDepositForfeit) {
		httpx.WriteJSON(w, http.StatusConflict, forfeitWarning{
			ErrorBody:   httpx.ErrorBody{Error: err.Error(), Code: codeForfeitWarning},
			RequiresAck: true,
		})
		return
	}
	for _, e := range errorStatus {
		if errors.Is(err, e.kind) {
			httpx.WriteError(w, e.status, e.code, err.Error())
			return
		}
	}
	logger.Error(op+" failed", "err", err)
	w.Header().Set("Retry-After", "1")
	httpx.WriteError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, retry")
}

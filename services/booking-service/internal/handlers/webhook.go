package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/slotbook/libs/httpx"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/reconcile"
)

const maxWebhookBody = 1 << 20

type Ingester interface {
	Ingest(ctx context.Context, body []byte, signature string) (reconcile.Ack, error)
}

type WebhookHandler struct {
	ingester Ingester
	logger   *slog.Logger
}

func NewWebhookHandler(ingester Ingester, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{ingester: ingester, logger: logger}
}

func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/webhooks/stripe", h.Stripe)
}

type webhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id"`
	Status    string `json:"status,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Unmatched bool   `json:"unmatched,omitempty"`
}

// Stripe acknowledges every event it could parse, including ignored,
// unmatched and duplicate ones. Stripe retries anything that is not 2xx.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "webhook body too large or unreadable")
		return
	}

	ack, err := h.ingester.Ingest(r.Context(), body, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, reconcile.ErrBadSignature):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_signature", err.Error())
		return
	case errors.Is(err, reconcile.ErrMalformed):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, reconcile.ErrInProgress):
		w.Header().Set("Retry-After", "5")
		httpx.WriteError(w, http.StatusServiceUnavailable, "in_progress", err.Error())
		return
	case err != nil:
		h.logger.Error("stripe webhook processing failed", "provider_event_id", ack.EventID, "err", err)
		httpx.WriteError(w, http.StatusServiceUnavailable, "unavailable", "webhook processing failed, retry")
		return
	}

	status := string(ack.Status)
	if status == "" {
		status = "ignored"
	}
	httpx.WriteJSON(w, http.StatusOK, webhookResponse{
		Received:  true,
		EventID:   ack.EventID,
		Status:    status,
		Duplicate: ack.Duplicate,
		Unmatched: ack.Outcome.Unmatched,
	})
}

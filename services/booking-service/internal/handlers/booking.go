package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotbook/libs/auth"
	"github.com/md-rashed-zaman/slotbook/libs/httpx"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/payments"
)

// Machine is the appointment state machine as the HTTP surface sees it.
type Machine interface {
	Book(ctx context.Context, req lifecycle.BookRequest) (model.Appointment, error)
	Get(ctx context.Context, actor lifecycle.Actor, id string) (model.Appointment, error)
	Reschedule(ctx context.Context, actor lifecycle.Actor, id string, req lifecycle.RescheduleRequest) (model.Appointment, error)
	Cancel(ctx context.Context, actor lifecycle.Actor, id string, req lifecycle.CancelRequest) (lifecycle.Result, error)
	Reserve(ctx context.Context, actor lifecycle.Actor, id string) (model.Appointment, error)
	ConfirmWithoutDeposit(ctx context.Context, actor lifecycle.Actor, id string) (lifecycle.Result, error)
	Slots(ctx context.Context, q lifecycle.SlotQuery) ([]time.Time, error)
	Calendar(ctx context.Context, q lifecycle.CalendarQuery) ([]availability.Day, error)
	Policy() availability.Policy
}

type CheckoutCreator interface {
	Create(ctx context.Context, actor lifecycle.Actor, req payments.Request) (payments.Session, error)
}

type BookingHandler struct {
	machine  Machine
	checkout CheckoutCreator
	logger   *slog.Logger
}

func NewBookingHandler(machine Machine, checkout CheckoutCreator, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{machine: machine, checkout: checkout, logger: logger}
}

func (h *BookingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/appointments", h.Create)
	mux.HandleFunc("/api/v1/appointments/get", h.Get)
	mux.HandleFunc("/api/v1/appointments/reschedule", h.Reschedule)
	mux.HandleFunc("/api/v1/appointments/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/appointments/reserve", h.Reserve)
	mux.HandleFunc("/api/v1/appointments/confirm", h.Confirm)
	mux.HandleFunc("/api/v1/appointments/checkout", h.Checkout)
	mux.HandleFunc("/api/v1/public/slots", h.Slots)
	mux.HandleFunc("/api/v1/public/calendar", h.Calendar)
}

type appointmentResponse struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
	CustomerID    string `json:"customer_id"`
	ServiceID     string `json:"service_id"`
	StaffID       string `json:"staff_id,omitempty"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	PriceCents    int64  `json:"price_cents"`
	DepositCents  int64  `json:"deposit_cents"`
	Version       int64  `json:"version"`
	CancelReason  string `json:"cancel_reason,omitempty"`
	ManageToken   string `json:"manage_token,omitempty"`
}

func toResponse(a model.Appointment) appointmentResponse {
	return appointmentResponse{
		AppointmentID: a.ID,
		Status:        string(a.Status),
		CustomerID:    a.CustomerID,
		ServiceID:     a.ServiceID,
		StaffID:       a.StaffID,
		StartTime:     a.StartTime.UTC().Format(time.RFC3339),
		EndTime:       a.EndTime.UTC().Format(time.RFC3339),
		PriceCents:    a.PriceCents,
		DepositCents:  a.DepositCents,
		Version:       a.Version,
		CancelReason:  a.CancelReason,
		ManageToken:   a.ManageToken,
	}
}

// ManageTokenHeader carries the token returned when an appointment is booked.
const ManageTokenHeader = "X-Manage-Token"

// actorFrom returns the verified caller, or an anonymous actor when the
// request carries no bearer token. Either may present a manage token.
func actorFrom(r *http.Request) lifecycle.Actor {
	actor := lifecycle.Actor{ManageToken: strings.TrimSpace(r.Header.Get(ManageTokenHeader))}
	if claims, ok := auth.FromContext(r.Context()); ok {
		actor.ID, actor.Staff = claims.Sub, claims.IsStaff()
	}
	return actor
}

// decode reads and validates a JSON body, writing the 400 itself.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return false
	}
	return true
}

type createBookingRequest struct {
	CustomerID    string    `json:"customer_id" validate:"max=128"`
	CustomerName  string    `json:"customer_name" validate:"required,max=200"`
	CustomerEmail string    `json:"customer_email" validate:"required_without=CustomerPhone,omitempty,email"`
	CustomerPhone string    `json:"customer_phone" validate:"omitempty,e164"`
	ServiceID     string    `json:"service_id" validate:"required,max=128"`
	StaffID       string    `json:"staff_id" validate:"max=128"`
	StartTime     time.Time `json:"start_time" validate:"required"`
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req createBookingRequest
	if !decode(w, r, &req) {
		return
	}

	// A customer token books for its own subject; staff may book for anyone.
	customerID := strings.TrimSpace(req.CustomerID)
	if actor := actorFrom(r); actor.ID != "" && !actor.Staff {
		customerID = actor.ID
	}
	if customerID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "customer_id is required")
		return
	}

	appt, err := h.machine.Book(r.Context(), lifecycle.BookRequest{
		CustomerID:     customerID,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		CustomerPhone:  req.CustomerPhone,
		ServiceID:      req.ServiceID,
		StaffID:        req.StaffID,
		Start:          req.StartTime,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeServiceError(w, h.logger, "book", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toResponse(appt))
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	appt, err := h.machine.Get(r.Context(), actorFrom(r), id)
	if err != nil {
		writeServiceError(w, h.logger, "get appointment", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResponse(appt))
}

type rescheduleRequest struct {
	AppointmentID string    `json:"appointment_id" validate:"required,uuid"`
	StartTime     time.Time `json:"start_time" validate:"required"`
	Version       int64     `json:"version" validate:"gte=0"`
}

func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req rescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	appt, err := h.machine.Reschedule(r.Context(), actorFrom(r), req.AppointmentID, lifecycle.RescheduleRequest{
		Start:           req.StartTime,
		ExpectedVersion: req.Version,
	})
	if err != nil {
		writeServiceError(w, h.logger, "reschedule", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResponse(appt))
}

type cancelRequest struct {
	AppointmentID      string `json:"appointment_id" validate:"required,uuid"`
	Reason             string `json:"reason" validate:"max=500"`
	AcknowledgeForfeit bool   `json:"acknowledge_forfeit"`
	Version            int64  `json:"version" validate:"gte=0"`
}

type cancelResponse struct {
	appointmentResponse
	DepositForfeited bool `json:"deposit_forfeited"`
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.machine.Cancel(r.Context(), actorFrom(r), req.AppointmentID, lifecycle.CancelRequest{
		Reason:             req.Reason,
		AcknowledgeForfeit: req.AcknowledgeForfeit,
		ExpectedVersion:    req.Version,
	})
	if err != nil {
		writeServiceError(w, h.logger, "cancel", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cancelResponse{
		appointmentResponse: toResponse(res.Appointment),
		DepositForfeited:    res.DepositForfeited,
	})
}

type appointmentRef struct {
	AppointmentID string `json:"appointment_id" validate:"required,uuid"`
}

func (h *BookingHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req appointmentRef
	if !decode(w, r, &req) {
		return
	}
	appt, err := h.machine.Reserve(r.Context(), actorFrom(r), req.AppointmentID)
	if err != nil {
		writeServiceError(w, h.logger, "reserve", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResponse(appt))
}

// Confirm is the staff path for appointments that carry no deposit.
func (h *BookingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req appointmentRef
	if !decode(w, r, &req) {
		return
	}
	res, err := h.machine.ConfirmWithoutDeposit(r.Context(), actorFrom(r), req.AppointmentID)
	if err != nil {
		writeServiceError(w, h.logger, "confirm", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResponse(res.Appointment))
}

type checkoutRequest struct {
	AppointmentID string `json:"appointment_id" validate:"required,uuid"`
	SuccessURL    string `json:"success_url,omitempty" validate:"omitempty,url"`
	CancelURL     string `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

type checkoutResponse struct {
	SessionID     string `json:"session_id"`
	URL           string `json:"url"`
	AppointmentID string `json:"appointment_id"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
}

func (h *BookingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req checkoutRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := h.checkout.Create(r.Context(), actorFrom(r), payments.Request{
		AppointmentID:  req.AppointmentID,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeServiceError(w, h.logger, "checkout", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, checkoutResponse{
		SessionID:     sess.ID,
		URL:           sess.URL,
		AppointmentID: sess.AppointmentID,
		AmountCents:   sess.AmountCents,
		Currency:      sess.Currency,
	})
}

type slotsResponse struct {
	ServiceID string   `json:"service_id"`
	StaffID   string   `json:"staff_id,omitempty"`
	Date      string   `json:"date"`
	Slots     []string `json:"slots"`
}

func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	serviceID := strings.TrimSpace(q.Get("service_id"))
	if serviceID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "service_id is required")
		return
	}
	day, ok := h.parseDate(w, "date", q.Get("date"))
	if !ok {
		return
	}
	staffID := strings.TrimSpace(q.Get("staff_id"))

	slots, err := h.machine.Slots(r.Context(), lifecycle.SlotQuery{ServiceID: serviceID, StaffID: staffID, Day: day})
	if err != nil {
		writeServiceError(w, h.logger, "slots", err)
		return
	}
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.UTC().Format(time.RFC3339))
	}
	httpx.WriteJSON(w, http.StatusOK, slotsResponse{
		ServiceID: serviceID,
		StaffID:   staffID,
		Date:      day.Format(time.DateOnly),
		Slots:     out,
	})
}

type calendarResponse struct {
	ServiceID string             `json:"service_id"`
	From      string             `json:"from"`
	To        string             `json:"to"`
	Days      []availability.Day `json:"days"`
}

func (h *BookingHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	serviceID := strings.TrimSpace(q.Get("service_id"))
	if serviceID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "service_id is required")
		return
	}
	from, ok := h.parseDate(w, "from", q.Get("from"))
	if !ok {
		return
	}
	to, ok := h.parseDate(w, "to", q.Get("to"))
	if !ok {
		return
	}

	days, err := h.machine.Calendar(r.Context(), lifecycle.CalendarQuery{
		ServiceID:  serviceID,
		StaffID:    strings.TrimSpace(q.Get("staff_id")),
		From:       from,
		To:         to,
		CustomerID: actorFrom(r).ID,
	})
	if err != nil {
		writeServiceError(w, h.logger, "calendar", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, calendarResponse{
		ServiceID: serviceID,
		From:      from.Format(time.DateOnly),
		To:        to.Format(time.DateOnly),
		Days:      days,
	})
}

// parseDate reads a YYYY-MM-DD day in the business timezone.
func (h *BookingHandler) parseDate(w http.ResponseWriter, name, raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", name+" is required")
		return time.Time{}, false
	}
	loc := h.machine.Policy().Location
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", name+" must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return day, true
}

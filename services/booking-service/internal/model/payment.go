package model

import "time"

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentApproved          PaymentStatus = "approved"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

type PaymentRecord struct {
	ID               string
	AppointmentID    string
	GatewaySessionID string
	PaymentIntentID  string
	Status           PaymentStatus
	AmountCents      int64
	RawPayload       []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WebhookEvent is one row of the append-only gateway event log.
type WebhookEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
	ReceivedAt      time.Time
}

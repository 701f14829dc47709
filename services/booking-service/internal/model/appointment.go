package model

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReserved, StatusConfirmed, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// Appointment carries the price, deposit and buffer that were resolved when it
// was booked; later catalog edits do not change them.
type Appointment struct {
	ID            string
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	ServiceID     string
	StaffID       string
	StartTime     time.Time
	EndTime       time.Time
	BufferMin     int64
	Status        Status
	PriceCents    int64
	DepositCents  int64
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CanceledAt    *time.Time
	CancelReason  string
	CompletedAt   *time.Time
	// ManageTokenHash is the sha256 of the token that lets a caller without
	// an identity manage this appointment.
	ManageTokenHash string
	// ManageToken is the plaintext token. It is only set on the appointment
	// returned by a fresh booking and is never stored.
	ManageToken string
}

// OccupiedUntil is the end of the interval the appointment blocks, buffer included.
func (a Appointment) OccupiedUntil() time.Time {
	return a.EndTime.Add(time.Duration(a.BufferMin) * time.Minute)
}

func (a Appointment) RequiresDeposit() bool {
	return a.DepositCents > 0
}

// Guard is the precondition of a status write: the row must still be in one of
// From and, when Version is non-zero, still carry that version.
type Guard struct {
	From    []Status
	Version int64
}

func (g Guard) Allows(a Appointment) bool {
	if g.Version != 0 && a.Version != g.Version {
		return false
	}
	for _, s := range g.From {
		if a.Status == s {
			return true
		}
	}
	return false
}

// IdempotencyRecord ties a client supplied Idempotency-Key to the appointment
// it created. Scope is the customer id.
type IdempotencyRecord struct {
	Scope         string
	Key           string
	AppointmentID string
}

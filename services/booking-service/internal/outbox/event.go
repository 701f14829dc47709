package outbox

import (
	"encoding/json"
	"fmt"
)

const AggregateAppointment = "appointment"

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// NewAppointmentEvent marshals payload into an appointment-scoped event.
func NewAppointmentEvent(eventType, appointmentID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		AggregateType: AggregateAppointment,
		AggregateID:   appointmentID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}

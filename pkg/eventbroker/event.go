package eventbroker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a single inbound event handed to a Filter Worker for matching.
// Type selects which worker (and FieldMap) evaluates it; Payload is the raw
// JSON body the ExtractorSpecs read from.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent builds an Event with a fresh ID and the current timestamp.
func NewEvent(eventType string, payload interface{}) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   raw,
		CreatedAt: time.Now(),
	}, nil
}

// Validate performs basic shape validation on the event.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event ID is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	return nil
}

package webhook

import (
	"encoding/json"
	"time"

	"paysync/internal/types"
)

// Event is the provider's webhook envelope. Data.Object carries the
// event-specific payload, decoded lazily by the handler that knows its
// shape.
type Event struct {
	ID      string          `json:"id"`
	Type    types.EventKind `json:"type"`
	Created int64           `json:"created"`
	Data    EventData       `json:"data"`
}

// EventData wraps the provider's data envelope.
type EventData struct {
	Object json.RawMessage `json:"object"`
}

// CreatedTime converts the unix creation timestamp.
func (e *Event) CreatedTime() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// ParseEvent decodes and minimally validates an event envelope. Only the
// envelope is validated here; payload shape errors surface from the handler
// that decodes Data.Object.
func ParseEvent(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed event envelope", err)
	}
	if e.ID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "event id is required", nil)
	}
	if e.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "event type is required", nil)
	}
	return &e, nil
}

package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the kind of a push event
type Type string

const (
	TypeConnected           Type = "connected"
	TypeNewInteraction      Type = "newInteraction"
	TypePartnerStatusUpdate Type = "partnerStatusUpdate"
	TypePartnerMoodUpdate   Type = "partnerMoodUpdate"
	TypeNewVentMessage      Type = "newVentMessage"
	TypeNewSweetMessage     Type = "newSweetMessage"
	TypeNewGiftReceived     Type = "newGiftReceived"
	TypePing                Type = "ping"
)

// Known lists every event type this client understands
var Known = []Type{
	TypeConnected,
	TypeNewInteraction,
	TypePartnerStatusUpdate,
	TypePartnerMoodUpdate,
	TypeNewVentMessage,
	TypeNewSweetMessage,
	TypeNewGiftReceived,
	TypePing,
}

// ErrMalformedFrame is returned when a frame is not a valid event envelope
var ErrMalformedFrame = errors.New("malformed event frame")

// Event is a single push event. Data stays opaque until a consumer decodes it.
type Event struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsKnown reports whether the type is part of the known set
func (t Type) IsKnown() bool {
	for _, k := range Known {
		if k == t {
			return true
		}
	}
	return false
}

// Parse decodes a raw frame into an Event. Unknown types parse fine; a missing
// type or invalid JSON is malformed.
func Parse(frame []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if len(ev.Data) > 0 && !json.Valid(ev.Data) {
		return Event{}, fmt.Errorf("%w: invalid data", ErrMalformedFrame)
	}
	return ev, nil
}

// Encode marshals an event frame with a typed payload
func Encode(t Type, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Event{Type: t, Data: data})
}

package event

import (
	"encoding/json"
	"time"
)

// Envelope is the body POSTed to a subscriber.
type Envelope struct {
	Event      string
	OccurredAt time.Time
	Data       Value
}

type wireEnvelope struct {
	Event      string `json:"event"`
	OccurredAt string `json:"occurredAt"`
	Data       Value  `json:"data"`
}

func NewEnvelope(eventType string, occurredAt time.Time, data Value) Envelope {
	return Envelope{Event: eventType, OccurredAt: occurredAt, Data: data}
}

// Encode returns the exact bytes that get signed and sent.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Event:      e.Event,
		OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339Nano),
		Data:       e.Data,
	})
}

// DecodeEnvelope parses a body produced by Encode.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return Envelope{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, w.OccurredAt)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: w.Event, OccurredAt: at, Data: w.Data}, nil
}

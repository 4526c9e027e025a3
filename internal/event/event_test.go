package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"valid", New("content.published", "article-1", Null()), false},
		{"missing type", Event{EntityID: "article-1"}, true},
		{"missing entity", Event{Type: "content.published"}, true},
		{"wildcard type", Event{Type: "*", EntityID: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventWithDiscriminatorCopies(t *testing.T) {
	base := New("content.updated", "page-1", Null()).WithDiscriminator("locale", "en")
	fr := base.WithDiscriminator("locale", "fr")

	assert.Equal(t, "en", base.Discriminators["locale"])
	assert.Equal(t, "fr", fr.Discriminators["locale"])
}

func TestEventJSON(t *testing.T) {
	raw := `{"type":"media.uploaded","entityId":"img-9","payload":{"size":1024,"name":"cat.png"},"occurredAt":"2025-03-01T10:00:00Z"}`

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, "media.uploaded", ev.Type)
	assert.Equal(t, "img-9", ev.EntityID)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), ev.OccurredAt)

	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestEnvelopeEncode(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 600000000, time.FixedZone("CET", 3600))
	env := NewEnvelope("content.published", at, Object(map[string]Value{
		"title": String("Hello"),
		"id":    Number(7),
	}))

	body, err := env.Encode()
	require.NoError(t, err)
	assert.Equal(t,
		`{"event":"content.published","occurredAt":"2025-01-02T02:04:05.6Z","data":{"id":7,"title":"Hello"}}`,
		string(body))

	decoded, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, "content.published", decoded.Event)
	assert.True(t, decoded.OccurredAt.Equal(at))
	assert.True(t, decoded.Data.Equal(env.Data))
}

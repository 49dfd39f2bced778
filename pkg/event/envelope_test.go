package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{
		"eventType": "Create",
		"entityType": "Product",
		"eventId": "evt_1",
		"timeStamp": "2024-05-01T10:00:00Z",
		"payload": {"data": {"id": "p-100", "name": "Widget", "price": 9.99}}
	}`)
	now := time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC)

	ev, err := DecodeEnvelope(raw, ChannelWebhook, now)
	assert.NoError(t, err)
	assert.Equal(t, "evt_1", ev.EventID)
	assert.Equal(t, ChannelWebhook, ev.SourceChannel)
	assert.Equal(t, EntityProduct, ev.EntityType)
	assert.Equal(t, OperationCreate, ev.Operation)
	assert.Equal(t, "Product/p-100", ev.EntityKey)
	assert.Equal(t, StatusPending, ev.Status)
	assert.Equal(t, now, ev.ReceivedAt)
	assert.NotZero(t, ev.PayloadHash)
}

func TestDecodeEnvelope_ChannelSymmetry(t *testing.T) {
	// The same logical input must yield identical events apart from the
	// channel, so nothing channel-specific leaks into later stages.
	raw := []byte(`{
		"eventType": "Update",
		"entityType": "Invoice",
		"eventId": "evt_9",
		"timeStamp": "2024-05-01T10:00:00Z",
		"payload": {"data": {"id": 42, "total": 120.5}}
	}`)
	now := time.Now().UTC()

	viaHub, err := DecodeEnvelope(raw, ChannelHub, now)
	assert.NoError(t, err)
	viaWebhook, err := DecodeEnvelope(raw, ChannelWebhook, now)
	assert.NoError(t, err)

	viaHub.SourceChannel = viaWebhook.SourceChannel
	assert.Equal(t, viaHub, viaWebhook)
}

func TestDecodeEnvelope_NumericIDKey(t *testing.T) {
	raw := []byte(`{"eventType":"Delete","entityType":"User","eventId":"e1","payload":{"data":{"id":7}}}`)
	ev, err := DecodeEnvelope(raw, ChannelHub, time.Now())
	assert.NoError(t, err)
	assert.Equal(t, "User/7", ev.EntityKey)
}

func TestDecodeEnvelope_MissingIDFallsBackToEventID(t *testing.T) {
	raw := []byte(`{"eventType":"Sync","entityType":"Store","eventId":"sync-1","payload":{"data":{"name":"Main"}}}`)
	ev, err := DecodeEnvelope(raw, ChannelHub, time.Now())
	assert.NoError(t, err)
	assert.Equal(t, "Store/sync-1", ev.EntityKey)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"missing eventId":   `{"eventType":"Create","entityType":"Product","payload":{"data":{}}}`,
		"unknown operation": `{"eventType":"Explode","entityType":"Product","eventId":"e","payload":{"data":{}}}`,
		"unknown entity":    `{"eventType":"Create","entityType":"Spaceship","eventId":"e","payload":{"data":{}}}`,
		"bad timestamp":     `{"eventType":"Create","entityType":"Product","eventId":"e","timeStamp":"yesterday","payload":{"data":{}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(raw), ChannelWebhook, time.Now())
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestHashPayload_EqualAcrossChannels(t *testing.T) {
	// json.Marshal of a map sorts its keys, so the same data hashes the
	// same no matter which channel decoded it.
	a := []byte(`{"eventType":"Create","entityType":"Product","eventId":"evt_1","payload":{"data":{"name":"Widget","price":9.99}}}`)
	b := []byte(`{"eventType":"Create","entityType":"Product","eventId":"evt_1b","payload":{"data":{"price":9.99,"name":"Widget"}}}`)

	evA, err := DecodeEnvelope(a, ChannelWebhook, time.Now())
	assert.NoError(t, err)
	evB, err := DecodeEnvelope(b, ChannelHub, time.Now())
	assert.NoError(t, err)

	assert.Equal(t, evA.PayloadHash, evB.PayloadHash)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusApplied.Terminal())
	assert.True(t, StatusFailedTerminal.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInFlight.Terminal())
	assert.False(t, StatusFailedRetryable.Terminal())
}

func TestChannelOrdinal(t *testing.T) {
	assert.Less(t, ChannelHub.Ordinal(), ChannelWebhook.Ordinal())
}

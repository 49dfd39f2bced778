package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Envelope is the wire shape both channels deliver. The hub and the
// webhook must yield identical IntegrationEvents for the same logical
// input, so decoding lives here and nowhere else.
type Envelope struct {
	EventType  string `json:"eventType"`
	EntityType string `json:"entityType"`
	EventID    string `json:"eventId"`
	TimeStamp  string `json:"timeStamp"`
	Payload    struct {
		Data map[string]any `json:"data"`
	} `json:"payload"`
}

var ErrMalformedEnvelope = errors.New("malformed event envelope")

var validOperations = map[Operation]bool{
	OperationCreate: true,
	OperationUpdate: true,
	OperationDelete: true,
	OperationSync:   true,
}

var validEntityTypes = map[EntityType]bool{
	EntityProduct:    true,
	EntityUser:       true,
	EntityStore:      true,
	EntityInvoice:    true,
	EntityShift:      true,
	EntityZetaReport: true,
}

// DecodeEnvelope validates the structural shape of a raw event and
// produces the internal representation. receivedAt is stamped by the
// caller so tests can inject a clock.
func DecodeEnvelope(raw []byte, channel SourceChannel, receivedAt time.Time) (*IntegrationEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if strings.TrimSpace(env.EventID) == "" {
		return nil, fmt.Errorf("%w: missing eventId", ErrMalformedEnvelope)
	}
	op := Operation(env.EventType)
	if !validOperations[op] {
		return nil, fmt.Errorf("%w: unknown eventType %q", ErrMalformedEnvelope, env.EventType)
	}
	et := EntityType(env.EntityType)
	if !validEntityTypes[et] {
		return nil, fmt.Errorf("%w: unknown entityType %q", ErrMalformedEnvelope, env.EntityType)
	}

	// The upstream timestamp is validated but not kept; ordering uses the
	// local receive time so the two channels share one clock.
	if env.TimeStamp != "" {
		if _, err := time.Parse(time.RFC3339, env.TimeStamp); err != nil {
			return nil, fmt.Errorf("%w: bad timeStamp %q", ErrMalformedEnvelope, env.TimeStamp)
		}
	}

	payload, err := json.Marshal(env.Payload.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	ev := &IntegrationEvent{
		EventID:       env.EventID,
		SourceChannel: channel,
		EntityType:    et,
		Operation:     op,
		EntityKey:     deriveEntityKey(et, env.EventID, env.Payload.Data),
		Payload:       payload,
		PayloadHash:   HashPayload(payload),
		ReceivedAt:    receivedAt.UTC(),
		Status:        StatusPending,
	}
	return ev, nil
}

// HashPayload fingerprints a payload for cross-channel dedup. The input
// comes from json.Marshal of a map, which emits keys in sorted order, so
// equal payloads hash equally regardless of delivery channel.
func HashPayload(canonical []byte) uint64 {
	return xxhash.Sum64(canonical)
}

// deriveEntityKey builds the stable per-entity ordering key from the
// payload's natural id, falling back to the event id for payloads that
// carry none (a Sync of a whole entity type, typically).
func deriveEntityKey(et EntityType, eventID string, data map[string]any) string {
	id, ok := data["id"]
	if !ok {
		return fmt.Sprintf("%s/%s", et, eventID)
	}
	switch v := id.(type) {
	case string:
		return fmt.Sprintf("%s/%s", et, v)
	case float64:
		return fmt.Sprintf("%s/%d", et, int64(v))
	default:
		return fmt.Sprintf("%s/%v", et, v)
	}
}

package event

import (
	"encoding/json"
	"time"
)

// Status represents the processing state of an integration event.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusApplied         Status = "applied"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal"
)

// Terminal reports whether a row in this status is never mutated again.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusFailedTerminal
}

// Operation is the requested change against the ERP.
type Operation string

const (
	OperationCreate Operation = "Create"
	OperationUpdate Operation = "Update"
	OperationDelete Operation = "Delete"
	OperationSync   Operation = "Sync"
)

// EntityType identifies the business entity an event targets.
type EntityType string

const (
	EntityProduct    EntityType = "Product"
	EntityUser       EntityType = "User"
	EntityStore      EntityType = "Store"
	EntityInvoice    EntityType = "Invoice"
	EntityShift      EntityType = "Shift"
	EntityZetaReport EntityType = "ZetaReport"
)

// SourceChannel is the ingress path an event arrived through.
type SourceChannel string

const (
	ChannelHub     SourceChannel = "hub"
	ChannelWebhook SourceChannel = "webhook"
)

// Ordinal orders channels for tie-breaking; the hub copy wins on a
// timestamp collision.
func (c SourceChannel) Ordinal() int {
	if c == ChannelHub {
		return 0
	}
	return 1
}

// IntegrationEvent is the unit of work flowing from the channel adapters
// through the store to the ERP. (EventID, SourceChannel) is unique in the
// store; EntityKey groups events whose apply order matters.
type IntegrationEvent struct {
	EventID       string          `json:"event_id"`
	SourceChannel SourceChannel   `json:"source_channel"`
	EntityType    EntityType      `json:"entity_type"`
	Operation     Operation       `json:"operation"`
	EntityKey     string          `json:"entity_key"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   uint64          `json:"payload_hash"`
	ReceivedAt    time.Time       `json:"received_at"`
	Status        Status          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     *string         `json:"last_error,omitempty"`
	NextRetryAt   time.Time       `json:"next_retry_at"`
}

package erp

import (
	"context"
	"errors"
	"fmt"

	"github.com/zoff-tech/erp-bridge/pkg/event"
)

// Client is the narrow contract the orchestrator holds against the
// remote business-record system. Both calls must be safely re-callable
// with identical arguments: Upsert is find-or-create-then-write keyed by
// the entity key, Delete is delete-if-exists.
type Client interface {
	Upsert(ctx context.Context, entityType event.EntityType, entityKey string, fields map[string]any) (recordID int64, err error)
	Delete(ctx context.Context, entityType event.EntityType, entityKey string) (found bool, err error)
}

// TransportError covers timeouts, connection failures and 5xx-equivalent
// responses. Retrying may succeed, and the idempotent-upsert contract
// makes retrying a maybe-succeeded call safe.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("erp transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteRejection is a business-rule rejection by the remote system.
// Retrying with the same payload cannot change the outcome.
type RemoteRejection struct {
	Message string
}

func (e *RemoteRejection) Error() string {
	return fmt.Sprintf("erp rejected request: %s", e.Message)
}

// MappingError is a configuration or data defect: no mapping for the
// entity type, or a required target field missing after mapping.
type MappingError struct {
	EntityType event.EntityType
	Reason     string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping %s: %s", e.EntityType, e.Reason)
}

// Retryable reports whether a failed ERP call may be retried later.
// Anything that is not provably a transport-class failure is terminal,
// since retrying a rejected or mis-mapped event cannot succeed.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

package hub

import "context"

// Handler processes one raw message pushed by the hub. A returned error
// means the event could not be persisted and the message should be
// redelivered; malformed input must be swallowed by the handler itself
// (logged and dropped), since redelivery cannot fix it.
type Handler func(ctx context.Context, raw []byte) error

// Listener is a long-lived subscription to the upstream push hub.
type Listener interface {
	// Listen blocks, delivering messages to handle until ctx is
	// canceled. Connection loss is handled internally with backoff; the
	// call only returns on cancellation or an unrecoverable setup error.
	Listen(ctx context.Context, handle Handler) error
	// Connected reports current connection liveness for the status
	// surface.
	Connected() bool
	// Close cleans up any resources (connections).
	Close() error
}

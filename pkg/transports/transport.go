package transports

import "context"

// Transport is a network boundary that accepts conversation clients.
// Implementations are responsible for their own lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// ReadyReporter allows transports to expose readiness metadata for
// informational logging.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

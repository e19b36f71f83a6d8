// Package metrics provides interfaces and implementations for collecting
// POP3 client metrics. This package defines the Collector interface for
// recording metrics; callers that do not care pass a NoopCollector.
package metrics

// Collector defines the interface for recording POP3 client metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	TLSEstablished()

	// Authentication metrics
	AuthAttempt(mechanism string, success bool)

	// Command metrics
	CommandSent(verb string)
	PipelineFlushed(commands int)

	// Message metrics
	MessageRetrieved(sizeBytes int64)
	MessageDeleted()
}

package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// TLSEstablished is a no-op.
func (n *NoopCollector) TLSEstablished() {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(mechanism string, success bool) {}

// CommandSent is a no-op.
func (n *NoopCollector) CommandSent(verb string) {}

// PipelineFlushed is a no-op.
func (n *NoopCollector) PipelineFlushed(commands int) {}

// MessageRetrieved is a no-op.
func (n *NoopCollector) MessageRetrieved(sizeBytes int64) {}

// MessageDeleted is a no-op.
func (n *NoopCollector) MessageDeleted() {}

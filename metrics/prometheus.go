package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	tlsTotal          prometheus.Counter

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal     *prometheus.CounterVec
	pipelineBatchSize prometheus.Histogram

	// Message metrics
	messagesRetrievedTotal prometheus.Counter
	messagesDeletedTotal   prometheus.Counter
	messagesSizeBytes      prometheus.Histogram
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3_client_connections_total",
			Help: "Total number of POP3 sessions opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pop3_client_connections_active",
			Help: "Number of currently active POP3 sessions.",
		}),
		tlsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3_client_tls_connections_total",
			Help: "Total number of TLS-protected sessions (implicit or STLS).",
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pop3_client_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"mechanism", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pop3_client_commands_total",
			Help: "Total number of POP3 commands sent.",
		}, []string{"command"}),
		pipelineBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pop3_client_pipeline_batch_size",
			Help:    "Number of commands per pipelined write.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		messagesRetrievedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3_client_messages_retrieved_total",
			Help: "Total number of messages retrieved.",
		}),
		messagesDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3_client_messages_deleted_total",
			Help: "Total number of messages marked for deletion.",
		}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pop3_client_messages_size_bytes",
			Help:    "Size of retrieved messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.pipelineBatchSize,
		c.messagesRetrievedTotal,
		c.messagesDeletedTotal,
		c.messagesSizeBytes,
	)

	return c
}

// ConnectionOpened increments the session counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active sessions gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSEstablished increments the TLS session counter.
func (c *PrometheusCollector) TLSEstablished() {
	c.tlsTotal.Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(mechanism string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(mechanism, result).Inc()
}

// CommandSent increments the command counter.
func (c *PrometheusCollector) CommandSent(verb string) {
	c.commandsTotal.WithLabelValues(verb).Inc()
}

// PipelineFlushed observes the size of a pipelined batch.
func (c *PrometheusCollector) PipelineFlushed(commands int) {
	c.pipelineBatchSize.Observe(float64(commands))
}

// MessageRetrieved increments the message retrieved counter and observes message size.
func (c *PrometheusCollector) MessageRetrieved(sizeBytes int64) {
	c.messagesRetrievedTotal.Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageDeleted increments the message deleted counter.
func (c *PrometheusCollector) MessageDeleted() {
	c.messagesDeletedTotal.Inc()
}

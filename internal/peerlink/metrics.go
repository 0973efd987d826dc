package peerlink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "streamcomm"

// Metrics are the transport's Prometheus collectors
type Metrics struct {
	channelsOriginated prometheus.Counter
	channelsAccepted   prometheus.Counter
	connectFailures    prometheus.Counter
	protocolErrors     prometheus.Counter
	hungChannels       prometheus.Counter
	messagesSent       prometheus.Counter
	messagesReceived   prometheus.Counter
	messagesDropped    prometheus.Counter
	bytesSent          prometheus.Counter
	bytesReceived      prometheus.Counter
	rateLimited        *prometheus.CounterVec
	retries            prometheus.Counter
	deliveredRetries   prometheus.Histogram
	failedRetries      prometheus.Histogram
	primaryChannels    prometheus.Gauge
	secondaryChannels  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	retryBuckets := []float64{0, 1, 2, 3, 5, 10}
	return &Metrics{
		channelsOriginated: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channels_originated_total",
			Help:      "Channels originated to peers.",
		}),
		channelsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channels_accepted_total",
			Help:      "Incoming channels associated with a peer.",
		}),
		connectFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts.",
		}),
		protocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_errors_total",
			Help:      "Channels aborted for a wire protocol violation.",
		}),
		hungChannels: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hung_channels_total",
			Help:      "Channels aborted because sending made no progress.",
		}),
		messagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Messages written to a channel.",
		}),
		messagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Messages read from a channel.",
		}),
		messagesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Outgoing messages deleted without being sent.",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to channels.",
		}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from channels.",
		}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Messages discarded by a per-peer rate limit.",
		}, []string{"direction"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_retries_total",
			Help:      "Channels originated by the retry loop.",
		}),
		deliveredRetries: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "delivered_message_retries",
			Help:      "Retry count of messages that were sent.",
			Buckets:   retryBuckets,
		}),
		failedRetries: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "failed_message_retries",
			Help:      "Retry count of messages that were dropped.",
			Buckets:   retryBuckets,
		}),
		primaryChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "primary_channels",
			Help:      "Current primary channels.",
		}),
		secondaryChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "secondary_channels",
			Help:      "Current secondary channels.",
		}),
	}
}

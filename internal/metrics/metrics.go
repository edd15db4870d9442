// Package metrics holds the Prometheus collectors for the bridge.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	channelUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "posbridge",
			Subsystem: "channel",
			Name:      "connected",
			Help:      "Whether the duplex channel is currently connected (1/0).",
		},
		[]string{"channel"},
	)

	channelReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posbridge",
			Subsystem: "channel",
			Name:      "reconnects_total",
			Help:      "Total number of scheduled reconnect attempts.",
		},
		[]string{"channel"},
	)

	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posbridge",
			Subsystem: "channel",
			Name:      "messages_sent_total",
			Help:      "Total outbound messages transmitted.",
		},
		[]string{"channel"},
	)

	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posbridge",
			Subsystem: "channel",
			Name:      "messages_received_total",
			Help:      "Total inbound frames routed to the bus.",
		},
		[]string{"channel"},
	)

	deviceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posbridge",
			Subsystem: "device",
			Name:      "operations_total",
			Help:      "Total hardware operations by outcome.",
		},
		[]string{"device", "operation", "outcome"},
	)

	deviceOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "posbridge",
			Subsystem: "device",
			Name:      "operation_duration_seconds",
			Help:      "Duration of hardware operations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		},
		[]string{"device", "operation"},
	)

	payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posbridge",
			Subsystem: "terminal",
			Name:      "payments_total",
			Help:      "Total completed payment sessions by outcome.",
		},
		[]string{"outcome"},
	)

	pollTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "posbridge",
			Subsystem: "terminal",
			Name:      "poll_ticks_total",
			Help:      "Total payment-intent status polls issued.",
		},
	)
)

func init() {
	Registry.MustRegister(
		channelUp,
		channelReconnects,
		messagesSent,
		messagesReceived,
		deviceOps,
		deviceOpDuration,
		payments,
		pollTicks,
	)
}

// Handler serves the registry for the status API.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ChannelConnected records a channel going up or down.
func ChannelConnected(channel string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	channelUp.WithLabelValues(channel).Set(v)
}

// Reconnect records a scheduled reconnect attempt.
func Reconnect(channel string) {
	channelReconnects.WithLabelValues(channel).Inc()
}

// MessageSent records an outbound message.
func MessageSent(channel string) {
	messagesSent.WithLabelValues(channel).Inc()
}

// MessageReceived records an inbound frame.
func MessageReceived(channel string) {
	messagesReceived.WithLabelValues(channel).Inc()
}

// DeviceOp records a finished hardware operation.
func DeviceOp(device, operation string, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	deviceOps.WithLabelValues(device, operation, outcome).Inc()
	deviceOpDuration.WithLabelValues(device, operation).Observe(elapsed.Seconds())
}

// Payment records a finished payment session.
func Payment(success bool) {
	payments.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// PollTick records one status poll.
func PollTick() {
	pollTicks.Inc()
}

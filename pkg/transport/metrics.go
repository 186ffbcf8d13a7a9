package transport

import (
	"github.com/mnmfasteners/mnm-agent/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MessagesSent tracks envelopes written to the WebSocket by type
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "transport",
		Name:      "messages_sent_total",
		Help:      "Total number of messages written to the WebSocket",
	}, []string{"type"})

	// MessagesReceived tracks inbound frames by type
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "transport",
		Name:      "messages_received_total",
		Help:      "Total number of frames received from the backend",
	}, []string{"type"}) // type: message type, or "malformed"

	// PendingMessages tracks outbound messages buffered while disconnected
	PendingMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mnm_agent",
		Subsystem: "transport",
		Name:      "pending_messages",
		Help:      "Messages waiting for the WebSocket to reconnect",
	})

	// ConnectAttempts tracks WebSocket dials by outcome
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "transport",
		Name:      "connect_attempts_total",
		Help:      "Total number of WebSocket connection attempts",
	}, []string{"outcome"}) // outcome: "success", "failure"

	// PollRequests tracks polling HTTP calls by endpoint and outcome
	PollRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "transport",
		Name:      "poll_requests_total",
		Help:      "Total number of polling API requests",
	}, []string{"endpoint", "outcome"})

	// Failovers counts switches from WebSocket to polling
	Failovers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "transport",
		Name:      "failovers_total",
		Help:      "Total number of WebSocket to polling failovers",
	})
)

func init() {
	debug.Registry().MustRegister(
		MessagesSent,
		MessagesReceived,
		PendingMessages,
		ConnectAttempts,
		PollRequests,
		Failovers,
	)
}

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_sent_total",
		Help: "Messages acknowledged by the persistent store.",
	})
	metricSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_send_failures_total",
		Help: "Message submissions that failed or timed out.",
	})
	metricSendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_send_retries_total",
		Help: "Explicit user-triggered resubmissions of failed messages.",
	})
	metricRemoteEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_remote_events_total",
		Help: "Store push events processed by the reconciliation path.",
	})
	metricDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_dropped_events_total",
		Help: "Store push events dropped because they could not be placed.",
	})
)

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DistributionsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_sender_key_distributions_total",
		Help: "Sender key distributions posted, by result.",
	}, []string{"result"})
	DistributionsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_sender_key_distributions_suppressed_total",
		Help: "Targeted sender key sends skipped inside the dedup window.",
	})
	DistributionsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_sender_key_distributions_received_total",
		Help: "Sender key distributions processed from other devices.",
	})

	PendingQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_pending_queued_total",
		Help: "Group messages queued while waiting for a sender key.",
	})
	PendingReplayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_pending_replayed_total",
		Help: "Queued group messages replayed after their key arrived, by result.",
	}, []string{"result"})
	PendingBuckets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_pending_buckets",
		Help: "Outstanding (group, sender, device) buckets waiting for a sender key.",
	})

	Received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_received_total",
		Help: "Inbound envelopes, by outcome.",
	}, []string{"outcome"})
	Healings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_session_healings_total",
		Help: "Session healing attempts, by result.",
	}, []string{"result"})
	Resends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_reset_resends_total",
		Help: "Resends triggered by session reset requests, by result.",
	}, []string{"result"})

	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_api_requests_total",
		Help: "HTTP API requests, by endpoint and status code.",
	}, []string{"endpoint", "code"})
	RealtimeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_realtime_events_total",
		Help: "Realtime socket events, by direction and event name.",
	}, []string{"direction", "event"})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Repeated calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			DistributionsSent, DistributionsSuppressed, DistributionsReceived,
			PendingQueued, PendingReplayed, PendingBuckets,
			Received, Healings, Resends,
			APIRequests, RealtimeEvents,
		)
	})
}

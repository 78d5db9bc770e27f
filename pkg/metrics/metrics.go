package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler metrics
	SchedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_scheduler_ticks_total",
			Help: "Total scheduler discovery cycles",
		},
	)

	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_scheduler_tick_duration_seconds",
			Help:    "Scheduler discovery cycle duration",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	ScheduledMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_scheduled_messages_total",
			Help: "Scheduled messages by scheduler outcome",
		},
		[]string{"outcome"}, // "discovered", "enqueued", "skipped", "failed", "released"
	)

	// Queue metrics
	QueueWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_queue_writes_total",
			Help: "Envelopes written per lane",
		},
		[]string{"lane"},
	)

	QueuePoison = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_queue_poison_total",
			Help: "Undecodable queue records dropped per lane",
		},
		[]string{"lane"},
	)

	// Worker metrics
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_worker_deliveries_total",
			Help: "Envelopes processed by outcome",
		},
		[]string{"outcome"}, // "sent", "retried", "failed", "duplicate", "dropped"
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_worker_delivery_duration_seconds",
			Help:    "Envelope processing duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Hub metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_hub_connections",
			Help: "Open websocket connections",
		},
	)

	HubEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_hub_events_total",
			Help: "Events pushed to client buffers",
		},
		[]string{"event", "result"}, // result: "pushed" or "dropped"
	)

	RoomJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_hub_room_joins_total",
			Help: "Room join attempts",
		},
		[]string{"result"},
	)

	Fanout = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_fanout_broadcasts_total",
			Help: "Broadcasts relayed between gateways",
		},
		[]string{"direction", "result"}, // direction: "out" or "in"
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

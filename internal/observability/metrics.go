package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "anemon", Name: "matches_total", Help: "Total number of passenger/driver matches"})
	TripsActive     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "anemon", Name: "trips_active", Help: "Trips currently in a non-terminal state"})
	WaitingDrivers  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "anemon", Name: "waiting_drivers", Help: "Drivers currently in the matching pool"})
	WSConnections   = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: "anemon", Name: "ws_connections", Help: "Open WebSocket connections"}, []string{"channel"})
	RoutingLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "anemon", Name: "routing_request_duration_seconds", Help: "Routing provider latency"})
	RouteCacheHits  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "anemon", Name: "route_cache_requests_total", Help: "Route cache lookups by outcome"}, []string{"outcome"})
	BroadcastDrops  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "anemon", Name: "broadcast_send_failures_total", Help: "Frames that could not be delivered to a trip participant"})
	TelemetryErrors = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "anemon", Name: "telemetry_append_failures_total", Help: "Telemetry events that failed to persist"}, []string{"sink"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "anemon", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "anemon",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

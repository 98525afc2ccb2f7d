// Package metrics exposes the server's own operational counters on
// /metrics in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ConnectedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodenexus_connected_agents",
			Help: "Number of currently connected agent sessions",
		},
	)

	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodenexus_hosts_total",
			Help: "Total number of hosts by status",
		},
		[]string{"status"},
	)

	// Ingest metrics
	SnapshotsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodenexus_snapshots_ingested_total",
			Help: "Total number of performance snapshots persisted",
		},
	)

	SnapshotsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodenexus_snapshots_dropped_total",
			Help: "Total number of snapshots dropped by a full ingest queue",
		},
	)

	// Broadcast metrics
	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodenexus_broadcasts_total",
			Help: "Total number of messages published by kind",
		},
		[]string{"kind"},
	)

	PushSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodenexus_push_subscribers",
			Help: "Number of WebSocket push subscribers by topic",
		},
		[]string{"topic"},
	)

	// Monitor metrics
	MonitorResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodenexus_monitor_results_total",
			Help: "Total number of probe results recorded by outcome",
		},
		[]string{"outcome"},
	)

	// Batch command metrics
	BatchCommandsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodenexus_batch_commands_created_total",
			Help: "Total number of batch commands created",
		},
	)

	// Alert metrics
	AlertsTriggered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodenexus_alerts_triggered_total",
			Help: "Total number of alert rule triggers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodenexus_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nodenexus_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ConnectedAgents)
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(SnapshotsIngested)
	prometheus.MustRegister(SnapshotsDropped)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(PushSubscribers)
	prometheus.MustRegister(MonitorResultsTotal)
	prometheus.MustRegister(BatchCommandsCreated)
	prometheus.MustRegister(AlertsTriggered)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

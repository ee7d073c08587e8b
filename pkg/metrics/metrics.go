package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OpsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_operations_applied_total",
			Help: "Operations applied to authoritative documents, by kind.",
		},
		[]string{"kind"},
	)
	OpsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_operations_rejected_total",
			Help: "Submissions that were not applied, by reason.",
		},
		[]string{"reason"},
	)
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "naskah_active_connections",
			Help: "Open websocket connections.",
		},
	)
	OpenRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "naskah_open_rooms",
			Help: "Documents with at least one connected participant.",
		},
	)
	SubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "naskah_submit_duration_seconds",
			Help:    "Time to rebase and apply one submission.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		},
	)
	JournalFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_journal_flushes_total",
			Help: "Journal flush attempts, by result.",
		},
		[]string{"result"},
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_events_published_total",
			Help: "Operation events sent to the message broker, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(OpsApplied, OpsRejected, ActiveConnections, OpenRooms, SubmitDuration, JournalFlushes, EventsPublished)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

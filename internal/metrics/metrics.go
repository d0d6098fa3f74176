// Package metrics exposes the harvester's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveWorkers tracks concurrently running harvest cycles.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_active_workers",
		Help: "Number of currently running harvest cycles.",
	})

	// CyclesTotal counts finished harvest cycles by terminal status.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_cycles_total",
		Help: "Finished harvest cycles by outcome.",
	}, []string{"outcome"})

	// RecordsTotal counts processed records by applied action.
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_records_total",
		Help: "Harvested records by action.",
	}, []string{"action"})

	// CycleDuration observes whole-cycle wall time.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_cycle_duration_seconds",
		Help:    "Harvest cycle duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
)

// Handler serves the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics defines the station's prometheus collectors,
// exposed on the HTTP API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DeploymentsTotal counts finished runs by device and final status.
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeforge_deployments_total",
			Help: "Total number of finished deployment runs.",
		},
		[]string{"device", "status"},
	)

	// DeploymentDuration observes end-to-end run duration.
	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeforge_deployment_duration_seconds",
			Help:    "End-to-end duration of deployment runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~8.5min
		},
		[]string{"device"},
	)

	// BytesFlashed counts payload bytes acknowledged by devices.
	BytesFlashed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeforge_bytes_flashed_total",
			Help: "Payload bytes acknowledged by target devices.",
		},
		[]string{"device"},
	)

	// AssetDownloadsTotal counts remote asset fetches by outcome.
	AssetDownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeforge_asset_downloads_total",
			Help: "Remote asset downloads by outcome (hit, downloaded, failed).",
		},
		[]string{"outcome"},
	)

	// ActiveRuns tracks deployments currently in progress.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgeforge_active_runs",
			Help: "Number of deployment runs currently in progress.",
		},
	)
)

// Registry holds the station's collectors, separate from the global
// default registry so tests can register freely.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(DeploymentsTotal)
	Registry.MustRegister(DeploymentDuration)
	Registry.MustRegister(BytesFlashed)
	Registry.MustRegister(AssetDownloadsTotal)
	Registry.MustRegister(ActiveRuns)
}

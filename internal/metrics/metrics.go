// Package metrics holds the Prometheus collectors shared by the upload and
// retrieval paths. They register on the default registry and are exposed
// at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easyimg_uploads_total",
			Help: "Uploads processed, by result kind",
		},
		[]string{"result"},
	)

	RetrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easyimg_retrievals_total",
			Help: "Image retrievals, by access level and result kind",
		},
		[]string{"access", "result"},
	)

	// LedgerDrift counts records whose file is missing on disk.
	LedgerDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "easyimg_ledger_drift_total",
			Help: "Ledger records found without a backing file",
		},
	)

	TransformDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "easyimg_transform_duration_seconds",
			Help:    "Time spent decoding and re-encoding images",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"format"},
	)

	MirrorJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easyimg_mirror_jobs_total",
			Help: "Off-site mirror jobs, by operation and result",
		},
		[]string{"op", "result"},
	)
)

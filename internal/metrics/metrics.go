// Package metrics exposes Prometheus counters and gauges for the relay:
// accepted sessions, completed uploads/downloads, reaper sweeps, and
// the live reserved-bytes accounting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsOpened counts every accepted TCP connection.
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfshr_sessions_opened_total",
		Help: "Total number of accepted connections.",
	})

	// SessionsClosed counts every session a worker has removed, for any
	// reason (clean disconnect, NetworkError).
	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfshr_sessions_closed_total",
		Help: "Total number of sessions removed by a worker.",
	})

	// UploadsCompleted counts uploads that reached cont=0 successfully.
	UploadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfshr_uploads_completed_total",
		Help: "Total number of uploads that completed successfully.",
	})

	// UploadsAborted counts uploads torn down by abort semantics.
	UploadsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfshr_uploads_aborted_total",
		Help: "Total number of uploads aborted (disconnect, size limit, I/O error).",
	})

	// DownloadsCompleted counts downloads that streamed to EOF.
	DownloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfshr_downloads_completed_total",
		Help: "Total number of downloads that streamed to completion.",
	})

	// ReservedBytes mirrors the quota accountant's live reserved_bytes.
	ReservedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sfshr_reserved_bytes",
		Help: "Bytes currently reserved against max_total_size (in-flight plus committed blobs).",
	})

	// BlobsReaped counts blobs deleted by the expiry sweep.
	BlobsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfshr_blobs_reaped_total",
		Help: "Total number of blobs removed by the reaper for having expired.",
	})

	// ReapSweeps counts completed reaper passes.
	ReapSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfshr_reap_sweeps_total",
		Help: "Total number of reaper sweeps performed.",
	})
)

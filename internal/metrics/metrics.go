// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChunksRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_gateway_chunks_read_total",
		Help: "Chunks read from upstream sources.",
	})
	ChunksAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_gateway_chunks_appended_total",
		Help: "Chunks appended to playback buffers.",
	})
	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_gateway_bytes_read_total",
		Help: "Bytes read from upstream sources.",
	})
	PendingBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_gateway_pending_bytes",
		Help: "Bytes queued between read loop and sink across all assemblies.",
	})
	ActiveAssemblies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_gateway_active_assemblies",
		Help: "Assemblies currently running.",
	})
	Finalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_gateway_finalized_total",
		Help: "Assemblies that completed and finalized their sink.",
	})
	Failed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_gateway_failed_total",
		Help: "Assemblies that ended in a transport, sink, or cancellation error.",
	})
	FallbackFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_gateway_fallback_fetches_total",
		Help: "Whole-file fallback fetches for containers without incremental support.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

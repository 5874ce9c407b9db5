// Package metrics provides an optional Prometheus sink fed by the
// Progress/Event Emitter: a counter/gauge/histogram set registered once
// via prometheus.MustRegister on a private registry. The core never starts
// its own /metrics HTTP listener; Registry only exposes the registry for
// an external collaborator (the CLI) to gather and render.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tachyon-labs/civitai-fetch/internal/events"
)

// Registry bundles the engine's counters/gauges/histograms under their own
// prometheus.Registry so embedding callers don't collide with the default
// global registry.
type Registry struct {
	reg *prometheus.Registry

	downloadsStarted   *prometheus.CounterVec
	downloadsCompleted prometheus.Counter
	downloadsFailed    *prometheus.CounterVec
	bytesDownloaded    prometheus.Counter
	downloadDuration    prometheus.Histogram
	pipelineActive      *prometheus.GaugeVec
	pipelineErrorRate   *prometheus.GaugeVec
	supervisorModeGauge prometheus.Gauge
}

// NewRegistry builds and registers every metric exactly once.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.downloadsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "civitaifetch_downloads_started_total", Help: "Downloads started, by task kind"},
		[]string{"kind"},
	)
	r.downloadsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "civitaifetch_downloads_completed_total", Help: "Downloads completed successfully"},
	)
	r.downloadsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "civitaifetch_downloads_failed_total", Help: "Downloads failed, by error class"},
		[]string{"error_class"},
	)
	r.bytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "civitaifetch_bytes_downloaded_total", Help: "Total bytes written to final files"},
	)
	r.downloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "civitaifetch_download_duration_seconds", Help: "Per-file download duration", Buckets: prometheus.DefBuckets},
	)
	r.pipelineActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "civitaifetch_pipeline_active", Help: "Active workers per pipeline"},
		[]string{"pipeline"},
	)
	r.pipelineErrorRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "civitaifetch_pipeline_error_rate", Help: "Rolling error rate per pipeline"},
		[]string{"pipeline"},
	)
	r.supervisorModeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "civitaifetch_supervisor_severity", Help: "0=normal, 1=degraded, 2=critical"},
	)

	r.reg.MustRegister(
		r.downloadsStarted, r.downloadsCompleted, r.downloadsFailed,
		r.bytesDownloaded, r.downloadDuration, r.pipelineActive,
		r.pipelineErrorRate, r.supervisorModeGauge,
	)
	return r
}

// Gatherer exposes the registry for an external promhttp.Handler mount;
// the core itself never listens on a port.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Sink adapts Registry into an events.Sink, translating the typed event
// catalogue into metric updates.
type Sink struct {
	reg *Registry
}

// NewSink wraps a Registry as an events.Sink.
func NewSink(reg *Registry) *Sink { return &Sink{reg: reg} }

var _ events.Sink = (*Sink)(nil)

// Emit implements events.Sink.
func (s *Sink) Emit(ev events.Event) {
	switch ev.Kind {
	case events.KindDownloadStarted:
		kind, _ := ev.Fields["kind"].(string)
		s.reg.downloadsStarted.WithLabelValues(kind).Inc()
	case events.KindDownloadCompleted:
		s.reg.downloadsCompleted.Inc()
		if bytes, ok := ev.Fields["bytes"].(int64); ok {
			s.reg.bytesDownloaded.Add(float64(bytes))
		}
		if seconds, ok := ev.Fields["duration_s"].(float64); ok {
			s.reg.downloadDuration.Observe(seconds)
		}
	case events.KindDownloadFailed:
		class, _ := ev.Fields["error_class"].(string)
		s.reg.downloadsFailed.WithLabelValues(class).Inc()
	case events.KindPipelineStats:
		pipeline, _ := ev.Fields["pipeline"].(string)
		if active, ok := ev.Fields["active"].(int); ok {
			s.reg.pipelineActive.WithLabelValues(pipeline).Set(float64(active))
		}
		if rate, ok := ev.Fields["error_rate"].(float64); ok {
			s.reg.pipelineErrorRate.WithLabelValues(pipeline).Set(rate)
		}
	case events.KindSupervisorModeChanged:
		to, _ := ev.Fields["to"].(string)
		s.reg.supervisorModeGauge.Set(severityValue(to))
	}
}

func severityValue(severity string) float64 {
	switch severity {
	case "critical":
		return 2
	case "degraded":
		return 1
	default:
		return 0
	}
}

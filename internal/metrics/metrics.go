package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the daemon. Each instance owns
// its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	GainUpdates     prometheus.Counter
	FramesProcessed prometheus.Counter
	CaptureStarts   *prometheus.CounterVec
	HostCreations   prometheus.Counter
}

// New creates a metrics collector with a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabgain_sessions_active",
			Help: "Number of live per-tab gain sessions",
		}),
		GainUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "tabgain_gain_updates_total",
			Help: "Gain changes applied to live sessions",
		}),
		FramesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "tabgain_frames_processed_total",
			Help: "PCM frames passed through gain stages",
		}),
		CaptureStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabgain_capture_starts_total",
			Help: "Capture start attempts by result",
		}, []string{"result"}),
		HostCreations: f.NewCounter(prometheus.CounterOpts{
			Name: "tabgain_host_creations_total",
			Help: "Audio processing host creations",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

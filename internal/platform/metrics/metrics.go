package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the streaming controller.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	encoderStartsTotal  *prometheus.CounterVec
	encoderFailsTotal   *prometheus.CounterVec
	framesCapturedTotal prometheus.Counter
	broadcastsStarted   prometheus.Counter
	broadcastsEnded     prometheus.Counter
	pollTicksTotal      prometheus.Counter
	pollErrorsTotal     prometheus.Counter
	fallbackFramesTotal prometheus.Counter
	activeWorkers       prometheus.Gauge
	activeSessions      prometheus.Gauge
}

// New creates and registers Prometheus metrics for the controller.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printcast_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printcast_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		encoderStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printcast_encoder_starts_total",
			Help: "Encoder subprocesses started, by pipeline stage",
		}, []string{"stage"}),
		encoderFailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printcast_encoder_failures_total",
			Help: "Encoder subprocesses that failed to start or exited non-zero, by pipeline stage",
		}, []string{"stage"}),
		framesCapturedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printcast_timelapse_frames_total",
			Help: "Total time-lapse frames appended across all sessions",
		}),
		broadcastsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printcast_broadcasts_started_total",
			Help: "Total live broadcasts started",
		}),
		broadcastsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printcast_broadcasts_ended_total",
			Help: "Total live broadcasts ended",
		}),
		pollTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printcast_poller_ticks_total",
			Help: "Printer poller ticks",
		}),
		pollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printcast_poller_errors_total",
			Help: "Printer poller fetch failures",
		}),
		fallbackFramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printcast_source_fallback_frames_total",
			Help: "Black fallback frames served while the camera was unreachable",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printcast_active_workers",
			Help: "Number of running encoder workers",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printcast_active_timelapse_sessions",
			Help: "Number of active time-lapse sessions",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.encoderStartsTotal,
		m.encoderFailsTotal,
		m.framesCapturedTotal,
		m.broadcastsStarted,
		m.broadcastsEnded,
		m.pollTicksTotal,
		m.pollErrorsTotal,
		m.fallbackFramesTotal,
		m.activeWorkers,
		m.activeSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() { m.errorsTotal.Inc() }

// IncEncoderStarts counts an encoder start for the given stage.
func (m *Metrics) IncEncoderStarts(stage string) { m.encoderStartsTotal.WithLabelValues(stage).Inc() }

// IncEncoderFailures counts an encoder failure for the given stage.
func (m *Metrics) IncEncoderFailures(stage string) { m.encoderFailsTotal.WithLabelValues(stage).Inc() }

// IncFramesCaptured counts one appended time-lapse frame.
func (m *Metrics) IncFramesCaptured() { m.framesCapturedTotal.Inc() }

// IncBroadcastsStarted counts one started broadcast.
func (m *Metrics) IncBroadcastsStarted() { m.broadcastsStarted.Inc() }

// IncBroadcastsEnded counts one ended broadcast.
func (m *Metrics) IncBroadcastsEnded() { m.broadcastsEnded.Inc() }

// IncPollTicks counts one poller tick.
func (m *Metrics) IncPollTicks() { m.pollTicksTotal.Inc() }

// IncPollErrors counts one poller fetch failure.
func (m *Metrics) IncPollErrors() { m.pollErrorsTotal.Inc() }

// IncFallbackFrames counts one black frame emitted in place of camera input.
func (m *Metrics) IncFallbackFrames() { m.fallbackFramesTotal.Inc() }

// WorkerStarted bumps the running encoder worker gauge.
func (m *Metrics) WorkerStarted() { m.activeWorkers.Inc() }

// WorkerStopped drops the running encoder worker gauge.
func (m *Metrics) WorkerStopped() { m.activeWorkers.Dec() }

// SetActiveSessions sets the active time-lapse session gauge.
func (m *Metrics) SetActiveSessions(n int) { m.activeSessions.Set(float64(n)) }

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

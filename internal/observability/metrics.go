package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. All
// Observe helpers are safe on a nil receiver.
type Metrics struct {
	ActiveCalls      prometheus.Gauge
	CallEvents       *prometheus.CounterVec
	CallEndReasons   *prometheus.CounterVec
	AudioChunks      *prometheus.CounterVec
	Segments         *prometheus.CounterVec
	Turns            *prometheus.CounterVec
	TurnLatency      prometheus.Histogram
	StageLatency     *prometheus.HistogramVec
	ProviderAttempts *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	LanguageSwitches *prometheus.CounterVec
	OutboundMessages *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec

	gatherer prometheus.Gatherer
	stages   *latencyWindow
}

// NewMetrics registers instruments on reg, or on the default registry when
// reg is nil. Tests pass a fresh registry so repeated construction is safe.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	f := promauto.With(registerer)

	return &Metrics{
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls currently held by the session manager.",
		}),
		CallEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		CallEndReasons: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_end_reasons_total",
			Help:      "Ended calls by reason.",
		}, []string{"reason"}),
		AudioChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Inbound audio chunks by classification.",
		}, []string{"kind"}),
		Segments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Utterance segments emitted by release reason.",
		}, []string{"reason"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		}, []string{"outcome"}),
		TurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Segment-to-emission latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 1500, 2000, 3000, 4000, 6000, 10000},
		}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Per-stage turn latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000},
		}, []string{"stage"}),
		ProviderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by capability, provider and result.",
		}, []string{"capability", "provider", "result"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		LanguageSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "language_switches_total",
			Help:      "Conversational language changes by target language.",
		}, []string{"language"}),
		OutboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound transport messages by type and delivery result.",
		}, []string{"type", "result"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Analytics events by topic and publish result.",
		}, []string{"topic", "result"}),
		gatherer: gatherer,
		stages:   newLatencyWindow(256),
	}
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) ObserveCallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveCallEnd(reason string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues("ended").Inc()
	m.CallEndReasons.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveChunk(silent bool) {
	if m == nil {
		return
	}
	kind := "speech"
	if silent {
		kind = "silent"
	}
	m.AudioChunks.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSegment(reason string) {
	if m == nil {
		return
	}
	m.Segments.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveTurn(outcome string, total time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	ms := float64(total.Milliseconds())
	m.TurnLatency.Observe(ms)
	m.stages.observe("turn_total", ms)
	m.stages.countOutcome(outcome)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.observe(stage, ms)
}

func (m *Metrics) ObserveProviderAttempt(capability, provider string, err error, code string) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		m.ProviderErrors.WithLabelValues(provider, code).Inc()
	}
	m.ProviderAttempts.WithLabelValues(capability, provider, result).Inc()
}

func (m *Metrics) ObserveLanguageSwitch(lang string) {
	if m == nil {
		return
	}
	m.LanguageSwitches.WithLabelValues(lang).Inc()
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveEventPublish(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(topic, result).Inc()
}

// SnapshotLatency returns rolling per-stage latency percentiles.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.snapshot()
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

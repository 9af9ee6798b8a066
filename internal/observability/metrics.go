package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the assistant. Every
// method is safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry
	window   *latencyWindow

	ActiveSessions         prometheus.Gauge
	SessionEvents          *prometheus.CounterVec
	WSMessages             *prometheus.CounterVec
	SegmentEvents          *prometheus.CounterVec
	Turns                  *prometheus.CounterVec
	DroppedInputs          *prometheus.CounterVec
	DiscardedTurns         prometheus.Counter
	ResolverFaults         *prometheus.CounterVec
	ResolutionLatency      *prometheus.HistogramVec
	HistoryPersistFailures prometheus.Counter
	SpeechDropped          prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		window:   newLatencyWindow(256),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions with a running turn controller.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		SegmentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_events_total",
			Help:      "Utterance segmenter events by kind.",
		}, []string{"event"}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by resolver kind and input source.",
		}, []string{"resolved_by", "source"}),
		DroppedInputs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Wake or command inputs dropped because a dispatch was in flight.",
		}, []string{"kind", "source"}),
		DiscardedTurns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_turns_total",
			Help:      "Dispatch results discarded because the conversation ended first.",
		}),
		ResolverFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_faults_total",
			Help:      "Resolver errors and panics skipped by the chain.",
		}, []string{"resolver"}),
		ResolutionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_latency_ms",
			Help:      "Resolver chain latency in milliseconds.",
			Buckets:   []float64{1, 5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"resolved_by"}),
		HistoryPersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_persist_failures_total",
			Help:      "History writes that failed and were skipped.",
		}),
		SpeechDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_dropped_total",
			Help:      "Utterances dropped because the speech queue was full.",
		}),
	}
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveSession(event string, active int) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
	m.ActiveSessions.Set(float64(active))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveSegmentEvent(event string) {
	if m == nil {
		return
	}
	m.SegmentEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveTurn(resolvedBy, source string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(resolvedBy, source).Inc()
}

func (m *Metrics) ObserveDropped(kind, source string) {
	if m == nil {
		return
	}
	m.DroppedInputs.WithLabelValues(kind, source).Inc()
	m.window.ObserveIndicator("dropped_" + kind)
}

func (m *Metrics) ObserveDiscarded() {
	if m == nil {
		return
	}
	m.DiscardedTurns.Inc()
	m.window.ObserveIndicator("discarded_turn")
}

func (m *Metrics) ObserveResolverFault(resolver string) {
	if m == nil {
		return
	}
	m.ResolverFaults.WithLabelValues(resolver).Inc()
	m.window.ObserveIndicator("resolver_fault")
}

func (m *Metrics) ObserveResolution(resolvedBy string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.ResolutionLatency.WithLabelValues(resolvedBy).Observe(ms)
	m.window.Observe("resolve_"+resolvedBy, ms)
}

func (m *Metrics) ObservePersistFailure() {
	if m == nil {
		return
	}
	m.HistoryPersistFailures.Inc()
}

func (m *Metrics) ObserveSpeechDropped() {
	if m == nil {
		return
	}
	m.SpeechDropped.Inc()
}

// SnapshotLatency returns the rolling per-stage latency summary.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.window.Snapshot()
}

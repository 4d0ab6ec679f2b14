package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var callStates = []string{"idle", "connecting", "negotiating", "connected", "ending", "ended"}

// Metrics groups all Prometheus instruments used by the daemon. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Calls                *prometheus.CounterVec
	CallState            *prometheus.GaugeVec
	Candidates           *prometheus.CounterVec
	ChatRequests         *prometheus.CounterVec
	FirstSentenceLatency prometheus.Histogram
	Playback             *prometheus.CounterVec
	RecognizerRestarts   prometheus.Counter
	TranscriptEntries    *prometheus.CounterVec
	UpstreamErrors       *prometheus.CounterVec

	Latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Calls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Call attempts by outcome.",
		}, []string{"outcome"}),
		CallState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "call_state",
			Help:      "1 for the current call state, 0 otherwise.",
		}, []string{"state"}),
		Candidates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Local ICE candidates by result.",
		}, []string{"result"}),
		ChatRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by path and result.",
		}, []string{"path", "result"}),
		FirstSentenceLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_sentence_latency_ms",
			Help:      "Latency from final utterance to first spoken sentence in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		Playback: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_total",
			Help:      "Speech playback attempts by result.",
		}, []string{"result"}),
		RecognizerRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_restarts_total",
			Help:      "Automatic speech recognition restarts.",
		}),
		TranscriptEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Transcript entries by speaker.",
		}, []string{"speaker"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream service errors by service and retryability.",
		}, []string{"service", "retryable"}),
		Latency: NewLatencyWindow(256),
	}
}

func (m *Metrics) CallOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetCallState(state string) {
	if m == nil {
		return
	}
	for _, s := range callStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.CallState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Candidate(result string) {
	if m == nil {
		return
	}
	m.Candidates.WithLabelValues(result).Inc()
}

func (m *Metrics) ChatRequest(path, result string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(path, result).Inc()
}

func (m *Metrics) ObserveFirstSentenceLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstSentenceLatency.Observe(float64(d.Milliseconds()))
	m.Latency.Observe(StageFirstSentence, float64(d.Milliseconds()))
}

// ObserveStage records a latency sample in the rolling window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.Latency.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) PlaybackResult(result string) {
	if m == nil {
		return
	}
	m.Playback.WithLabelValues(result).Inc()
}

func (m *Metrics) RecognizerRestarted() {
	if m == nil {
		return
	}
	m.RecognizerRestarts.Inc()
}

func (m *Metrics) TranscriptEntry(speaker string) {
	if m == nil {
		return
	}
	m.TranscriptEntries.WithLabelValues(speaker).Inc()
}

func (m *Metrics) UpstreamError(service string, retryable bool) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(service, strconv.FormatBool(retryable)).Inc()
}

// LatencySnapshot returns the rolling latency window, or an empty snapshot for nil metrics.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.Latency.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

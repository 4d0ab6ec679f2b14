package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Call stages tracked by the rolling latency window.
const (
	StageNegotiation   = "start_to_connected"
	StageFirstSentence = "final_to_first_sentence"
	StageReply         = "final_to_reply"
	StageSynthesis     = "speech_synthesis"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// LatencyWindow keeps the last N samples per stage in a ring buffer.
type LatencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*stageBuffer
}

type stageBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewLatencyWindow(maxSamples int) *LatencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &LatencyWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*stageBuffer),
	}
}

func (w *LatencyWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.stages[stage]
	if !ok {
		buf = &stageBuffer{values: make([]float64, w.maxSamples)}
		w.stages[stage] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	if w == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		keys = append(keys, stage)
	}
	sort.Strings(keys)

	stages := make([]StageStats, 0, len(keys))
	for _, stage := range keys {
		buf := w.stages[stage]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stages = append(stages, StageStats{
			Stage:       stage,
			Samples:     n,
			LastMS:      round2(buf.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			TargetP95MS: stageTargetP95MS(stage),
		})
	}

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageNegotiation:
		return 3000
	case StageFirstSentence:
		return 1500
	case StageReply:
		return 4000
	case StageSynthesis:
		return 800
	default:
		return 0
	}
}

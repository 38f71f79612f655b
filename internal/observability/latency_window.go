package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Stage latency targets (p95, milliseconds) for a single call turn. A sample
// above its target is counted as a breach.
var stageTargetsMS = map[string]float64{
	"transcribe":      1500,
	"prepare_context": 50,
	"generate":        2000,
	"synthesize":      1200,
	"emit":            50,
	"turn_total":      4500,
}

type StageLatency struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	P99MS      float64 `json:"p99_ms"`
	TargetMS   float64 `json:"target_p95_ms,omitempty"`
	OverTarget int     `json:"over_target,omitempty"`
}

// LatencySnapshot is the rolling view served on /v1/perf/latency.
type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
	Outcomes    map[string]int `json:"outcomes,omitempty"`
}

// latencyWindow keeps the last size samples of every stage plus running
// turn outcome counts.
type latencyWindow struct {
	mu       sync.Mutex
	size     int
	stages   map[string]*sampleRing
	outcomes map[string]int
}

type sampleRing struct {
	samples  []float64
	pos      int
	breaches int
}

func (r *sampleRing) push(v float64, size int) {
	if len(r.samples) < size {
		r.samples = append(r.samples, v)
		r.pos = len(r.samples) % size
		return
	}
	r.samples[r.pos] = v
	r.pos = (r.pos + 1) % size
}

func (r *sampleRing) last() float64 {
	i := r.pos - 1
	if i < 0 {
		i = len(r.samples) - 1
	}
	return r.samples[i]
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{size: size, stages: map[string]*sampleRing{}, outcomes: map[string]int{}}
}

func (w *latencyWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.stages[stage]
	if !ok {
		r = &sampleRing{samples: make([]float64, 0, w.size)}
		w.stages[stage] = r
	}
	r.push(ms, w.size)
	if target, ok := stageTargetsMS[stage]; ok && ms > target {
		r.breaches++
	}
}

func (w *latencyWindow) countOutcome(outcome string) {
	if outcome == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[outcome]++
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageLatency, 0, len(w.stages)),
	}
	for stage, r := range w.stages {
		if len(r.samples) == 0 {
			continue
		}
		sorted := slices.Clone(r.samples)
		slices.Sort(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageLatency{
			Stage:      stage,
			Samples:    len(sorted),
			LastMS:     round2(r.last()),
			AvgMS:      round2(sum / float64(len(sorted))),
			P50MS:      round2(interpolate(sorted, 0.50)),
			P95MS:      round2(interpolate(sorted, 0.95)),
			P99MS:      round2(interpolate(sorted, 0.99)),
			TargetMS:   stageTargetsMS[stage],
			OverTarget: r.breaches,
		})
	}
	slices.SortFunc(snap.Stages, func(a, b StageLatency) int {
		switch {
		case a.Stage < b.Stage:
			return -1
		case a.Stage > b.Stage:
			return 1
		}
		return 0
	})
	if len(w.outcomes) > 0 {
		snap.Outcomes = make(map[string]int, len(w.outcomes))
		for k, v := range w.outcomes {
			snap.Outcomes[k] = v
		}
	}
	return snap
}

// interpolate returns the q-quantile of sorted using linear interpolation
// between closest ranks.
func interpolate(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	if lo+1 >= n {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(pos-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

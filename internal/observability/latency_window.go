package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes the recent latency samples for one execution stage,
// e.g. a single agent invocation or a whole run.
type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StatsSnapshot is the point-in-time view served by the stats endpoint. It
// complements the Prometheus metrics with per-process percentiles that do not
// need a scraper to read.
type StatsSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// LatencyWindow keeps a fixed-size ring of latency samples per stage plus
// monotonic event counters. Safe for concurrent use.
type LatencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*stageBuffer
	indicators map[string]int
}

// stageBuffer is one stage's ring. next is the write cursor; once the ring
// wraps, filled marks the whole slice as live samples.
type stageBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func (b *stageBuffer) record(ms float64) {
	b.values[b.next] = ms
	b.last = ms
	b.next++
	if b.next >= len(b.values) {
		b.next = 0
		b.filled = true
	}
}

// summarize sorts a copy of the live samples and derives the percentile
// stats. Returns false when the buffer holds nothing yet.
func (b *stageBuffer) summarize(stage string) (StageStats, bool) {
	n := b.next
	if b.filled {
		n = len(b.values)
	}
	if n <= 0 {
		return StageStats{}, false
	}
	samples := make([]float64, n)
	copy(samples, b.values[:n])
	sort.Float64s(samples)

	sum := 0.0
	for _, v := range samples {
		sum += v
	}

	return StageStats{
		Stage:   stage,
		Samples: n,
		LastMS:  round2(b.last),
		AvgMS:   round2(sum / float64(n)),
		P50MS:   round2(quantile(samples, 0.50)),
		P95MS:   round2(quantile(samples, 0.95)),
		P99MS:   round2(quantile(samples, 0.99)),
	}, true
}

func NewLatencyWindow(maxSamples int) *LatencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &LatencyWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*stageBuffer),
		indicators: make(map[string]int),
	}
}

func (w *LatencyWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	ms := float64(d) / float64(time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.stages[stage]
	if !ok {
		buf = &stageBuffer{values: make([]float64, w.maxSamples)}
		w.stages[stage] = buf
	}
	buf.record(ms)
}

func (w *LatencyWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *LatencyWindow) Snapshot() StatsSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stageNames := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		stageNames = append(stageNames, stage)
	}
	sort.Strings(stageNames)
	stages := make([]StageStats, 0, len(stageNames))
	for _, stage := range stageNames {
		if stats, ok := w.stages[stage].summarize(stage); ok {
			stages = append(stages, stats)
		}
	}

	names := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	indicators := make([]Indicator, 0, len(names))
	for _, name := range names {
		if count := w.indicators[name]; count > 0 {
			indicators = append(indicators, Indicator{Name: name, Count: count})
		}
	}

	return StatsSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*stageBuffer)
	w.indicators = make(map[string]int)
}

// quantile interpolates linearly between the two samples straddling q.
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

package models

import (
	"math"
	"sort"
	"time"
)

// LatencySummary provides a statistical summary of execution times.
//
// Thread Safety: Caller must synchronize access.
type LatencySummary struct {
	Count uint64        `json:"count"`
	Sum   time.Duration `json:"sum"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// Avg returns the mean sample, or 0 when there are no samples.
func (ls LatencySummary) Avg() time.Duration {
	if ls.Count == 0 {
		return 0
	}
	return ls.Sum / time.Duration(ls.Count)
}

// CalculateLatencySummary computes a summary from raw samples.
// Complexity: O(n log n) due to sorting for percentiles.
func CalculateLatencySummary(samples []time.Duration) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, s := range sorted {
		sum += s
	}

	return LatencySummary{
		Count: uint64(len(sorted)),
		Sum:   sum,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

// LatencyWindow keeps the most recent samples in a fixed-size ring.
type LatencyWindow struct {
	samples []time.Duration
	next    int
	full    bool
}

// NewLatencyWindow creates a window holding up to capacity samples.
func NewLatencyWindow(capacity int) *LatencyWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &LatencyWindow{samples: make([]time.Duration, capacity)}
}

// Add records a sample, overwriting the oldest once the window is full.
func (w *LatencyWindow) Add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

// Summary summarizes the samples currently in the window.
func (w *LatencyWindow) Summary() LatencySummary {
	if w.full {
		return CalculateLatencySummary(w.samples)
	}
	return CalculateLatencySummary(w.samples[:w.next])
}

// percentile interpolates the p-th percentile of sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return time.Duration(float64(sorted[lower])*(1-weight) + float64(sorted[upper])*weight)
}

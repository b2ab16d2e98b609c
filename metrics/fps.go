package metrics

import (
	"sync"
	"time"
)

const (
	// instantWindow is the span used for the "current" FPS reading.
	instantWindow = 2 * time.Second
	// fpsBuckets is how many whole seconds of history feed avg/min/max.
	fpsBuckets = 60
)

// FPSStats summarizes the observed frame rate.
type FPSStats struct {
	Current    float64 `json:"current"`
	Average1m  float64 `json:"average_1m"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Stability  float64 `json:"stability"` // 1 - stdev/mean over per-second counts
	TotalCount uint64  `json:"total_count"`
}

// FPSTracker counts events into per-second buckets plus a short sliding
// window for the instantaneous reading.
type FPSTracker struct {
	mu        sync.Mutex
	counts    [fpsBuckets]int
	bucketSec [fpsBuckets]int64
	recent    []time.Time
	total     uint64
	start     time.Time
}

// NewFPSTracker starts tracking from now.
func NewFPSTracker() *FPSTracker {
	return &FPSTracker{start: time.Now()}
}

// Record counts one event at the given instant.
func (t *FPSTracker) Record(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sec := now.Unix()
	idx := int(sec % fpsBuckets)
	if t.bucketSec[idx] != sec {
		t.counts[idx] = 0
		t.bucketSec[idx] = sec
	}
	t.counts[idx]++
	t.total++

	t.recent = append(t.recent, now)
	t.pruneRecent(now)
}

// Current returns the FPS over the last two seconds.
func (t *FPSTracker) Current(now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneRecent(now)
	return float64(len(t.recent)) / instantWindow.Seconds()
}

// Snapshot computes the full statistics at the given instant. Seconds with
// no events count as zero, so a stalled producer pulls min and stability
// down instead of vanishing from the window.
func (t *FPSTracker) Snapshot(now time.Time) FPSStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneRecent(now)

	// Whole seconds covered by the window, excluding the in-progress one.
	span := int(now.Sub(t.start).Seconds())
	if span > fpsBuckets {
		span = fpsBuckets
	}

	counts := make([]float64, 0, span)
	nowSec := now.Unix()
	for i := 1; i <= span; i++ {
		sec := nowSec - int64(i)
		idx := int(sec % fpsBuckets)
		if idx < 0 {
			idx += fpsBuckets
		}
		if t.bucketSec[idx] == sec {
			counts = append(counts, float64(t.counts[idx]))
		} else {
			counts = append(counts, 0)
		}
	}

	stats := FPSStats{
		Current:    float64(len(t.recent)) / instantWindow.Seconds(),
		TotalCount: t.total,
	}
	if len(counts) == 0 {
		return stats
	}

	m := Mean(counts)
	stats.Average1m = m
	stats.Min = counts[0]
	stats.Max = counts[0]
	for _, c := range counts {
		if c < stats.Min {
			stats.Min = c
		}
		if c > stats.Max {
			stats.Max = c
		}
	}
	if m > 0 {
		stability := 1 - Stdev(counts)/m
		if stability < 0 {
			stability = 0
		}
		stats.Stability = Finite(stability, 0)
	}
	return stats
}

// Reset clears all history.
func (t *FPSTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = [fpsBuckets]int{}
	t.bucketSec = [fpsBuckets]int64{}
	t.recent = nil
	t.total = 0
	t.start = time.Now()
}

func (t *FPSTracker) pruneRecent(now time.Time) {
	cutoff := now.Add(-instantWindow)
	i := 0
	for ; i < len(t.recent); i++ {
		if t.recent[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		t.recent = append(t.recent[:0], t.recent[i:]...)
	}
}

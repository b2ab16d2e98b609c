// Package metrics derives the network and frame-rate statistics the adaptive
// controller feeds on. Everything here is windowed: old samples age out, and
// every derived number is guaranteed finite.
package metrics

import (
	"sync"
	"time"
)

const (
	windowSize    = 100
	jitterSamples = 20
	predictWindow = 10

	// ewmaAlpha weights new latency samples in the running average.
	ewmaAlpha = 0.3
)

// NetworkStats is a finite-valued snapshot of the derived scalars.
type NetworkStats struct {
	AvgLatency       float64 `json:"avg_latency_ms"`
	Jitter           float64 `json:"jitter"`
	PacketLossRate   float64 `json:"packet_loss_rate"`
	PredictedLatency float64 `json:"predicted_latency_ms"`
	Congestion       float64 `json:"congestion_level"`
	BandwidthBps     float64 `json:"bandwidth_bps"`
	Samples          int     `json:"samples"`
}

// NetworkMetrics tracks per-frame latency, inter-arrival interval and
// bandwidth over sliding windows.
type NetworkMetrics struct {
	mu         sync.Mutex
	latencies  *Window // seconds
	intervals  *Window // seconds
	bandwidths *Window // bytes per second

	ewmaLatency    float64
	targetInterval float64
}

// NewNetworkMetrics creates metrics calibrated to the nominal frame rate.
func NewNetworkMetrics(targetFPS int) *NetworkMetrics {
	if targetFPS < 1 {
		targetFPS = 1
	}
	return &NetworkMetrics{
		latencies:      NewWindow(windowSize),
		intervals:      NewWindow(windowSize),
		bandwidths:     NewWindow(windowSize),
		targetInterval: 1 / float64(targetFPS),
	}
}

// SetTargetFPS recalibrates the reference interval the congestion estimate
// compares arrivals against.
func (m *NetworkMetrics) SetTargetFPS(targetFPS int) {
	if targetFPS < 1 {
		targetFPS = 1
	}
	m.mu.Lock()
	m.targetInterval = 1 / float64(targetFPS)
	m.mu.Unlock()
}

// Update records one admitted frame.
func (m *NetworkMetrics) Update(latency, interval time.Duration, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lat := latency.Seconds()
	if lat < 0 {
		lat = 0
	}
	m.latencies.Push(lat)

	if m.ewmaLatency == 0 {
		m.ewmaLatency = lat
	} else {
		m.ewmaLatency = ewmaAlpha*lat + (1-ewmaAlpha)*m.ewmaLatency
	}

	iv := interval.Seconds()
	if iv > 0 {
		m.intervals.Push(iv)
		m.bandwidths.Push(float64(size) / iv)
	}
}

// Jitter returns the stdev of recent latencies in seconds.
func (m *NetworkMetrics) Jitter() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Finite(Stdev(m.latencies.Tail(jitterSamples)), 0)
}

// Congestion returns recent mean bandwidth over recent peak, in [0, 1].
func (m *NetworkMetrics) Congestion() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.congestionLocked()
}

func (m *NetworkMetrics) congestionLocked() float64 {
	bw := m.bandwidths.Values()
	peak := MaxOf(bw)
	if peak <= 0 {
		return 0
	}
	c := Mean(bw) / peak
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return Finite(c, 0)
}

// Snapshot computes all derived scalars.
func (m *NetworkMetrics) Snapshot() NetworkStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	jitter := Finite(Stdev(m.latencies.Tail(jitterSamples)), 0)

	return NetworkStats{
		AvgLatency:       Finite(m.ewmaLatency*1000, 0),
		Jitter:           jitter,
		PacketLossRate:   m.lossRateLocked(),
		PredictedLatency: Finite(m.predictLatencyLocked()*1000, 0),
		Congestion:       m.congestionLocked(),
		BandwidthBps:     Finite(Mean(m.bandwidths.Values()), 0),
		Samples:          m.latencies.Size(),
	}
}

// Reset drops all samples.
func (m *NetworkMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = NewWindow(windowSize)
	m.intervals = NewWindow(windowSize)
	m.bandwidths = NewWindow(windowSize)
	m.ewmaLatency = 0
}

// lossRateLocked treats intervals that overshoot the nominal target as
// evidence of lost frames: the overshoot fraction, averaged and clamped.
func (m *NetworkMetrics) lossRateLocked() float64 {
	ivs := m.intervals.Values()
	if len(ivs) == 0 || m.targetInterval <= 0 {
		return 0
	}
	var sum float64
	for _, iv := range ivs {
		over := (iv - m.targetInterval) / m.targetInterval
		if over > 0 {
			sum += over
		}
	}
	rate := sum / float64(len(ivs))
	if rate > 1 {
		rate = 1
	}
	return Finite(rate, 0)
}

// predictLatencyLocked extrapolates the next latency with a least-squares
// line over the newest samples, falling back to the running average when the
// fit is degenerate.
func (m *NetworkMetrics) predictLatencyLocked() float64 {
	ys := m.latencies.Tail(predictWindow)
	n := len(ys)
	if n < 2 {
		return m.ewmaLatency
	}

	// x = 0..n-1, predict at x = n.
	xMean := float64(n-1) / 2
	yMean := Mean(ys)

	var num, den float64
	for i, y := range ys {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 {
		return m.ewmaLatency
	}

	slope := num / den
	predicted := yMean + slope*(float64(n)-xMean)
	if predicted < 0 {
		return m.ewmaLatency
	}
	return Finite(predicted, m.ewmaLatency)
}

package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkMetricsEmptySnapshot(t *testing.T) {
	m := NewNetworkMetrics(30)
	s := m.Snapshot()

	assert.Zero(t, s.AvgLatency)
	assert.Zero(t, s.Jitter)
	assert.Zero(t, s.PacketLossRate)
	assert.Zero(t, s.Congestion)
	assert.Zero(t, s.Samples)
}

func TestNetworkMetricsSteadyStream(t *testing.T) {
	m := NewNetworkMetrics(30)

	// Perfectly regular 30 FPS with constant latency
	for i := 0; i < 60; i++ {
		m.Update(20*time.Millisecond, 33*time.Millisecond, 30000)
	}

	s := m.Snapshot()
	assert.InDelta(t, 20, s.AvgLatency, 1)
	assert.InDelta(t, 0, s.Jitter, 1e-6)
	assert.InDelta(t, 0, s.PacketLossRate, 0.02)
	// Constant bandwidth: mean equals peak
	assert.InDelta(t, 1.0, s.Congestion, 1e-6)
	assert.Equal(t, 60, s.Samples)
}

func TestJitterReflectsLatencyVariance(t *testing.T) {
	m := NewNetworkMetrics(30)

	for i := 0; i < 40; i++ {
		lat := 10 * time.Millisecond
		if i%2 == 0 {
			lat = 90 * time.Millisecond
		}
		m.Update(lat, 33*time.Millisecond, 30000)
	}

	assert.Greater(t, m.Jitter(), 0.03)
}

func TestLossRateDetectsSlowIntervals(t *testing.T) {
	m := NewNetworkMetrics(30) // nominal interval ~33ms

	for i := 0; i < 30; i++ {
		m.Update(10*time.Millisecond, 100*time.Millisecond, 30000)
	}

	s := m.Snapshot()
	// Intervals are 3x the target: overshoot fraction ~2, clamped to 1
	assert.InDelta(t, 1.0, s.PacketLossRate, 1e-6)
}

func TestPredictedLatencyFollowsTrend(t *testing.T) {
	m := NewNetworkMetrics(30)

	// Latency climbing 10ms per frame
	for i := 1; i <= 10; i++ {
		m.Update(time.Duration(i*10)*time.Millisecond, 33*time.Millisecond, 30000)
	}

	s := m.Snapshot()
	// Last sample was 100ms and the trend is +10ms per step
	assert.InDelta(t, 110, s.PredictedLatency, 5)
}

func TestPredictedLatencyFallsBackOnFewSamples(t *testing.T) {
	m := NewNetworkMetrics(30)
	m.Update(40*time.Millisecond, 33*time.Millisecond, 30000)

	s := m.Snapshot()
	assert.InDelta(t, 40, s.PredictedLatency, 1)
}

func TestCongestionBelowOneForBurstyBandwidth(t *testing.T) {
	m := NewNetworkMetrics(30)

	for i := 0; i < 20; i++ {
		size := 10000
		if i == 10 {
			size = 100000 // one large burst sets the peak
		}
		m.Update(10*time.Millisecond, 33*time.Millisecond, size)
	}

	c := m.Congestion()
	assert.Greater(t, c, 0.0)
	assert.Less(t, c, 0.5)
}

func TestSnapshotValuesAlwaysFinite(t *testing.T) {
	m := NewNetworkMetrics(30)
	m.Update(0, 0, 0)
	m.Update(time.Hour, time.Nanosecond, 1<<40)

	s := m.Snapshot()
	for name, v := range map[string]float64{
		"avg_latency":       s.AvgLatency,
		"jitter":            s.Jitter,
		"loss":              s.PacketLossRate,
		"predicted_latency": s.PredictedLatency,
		"congestion":        s.Congestion,
		"bandwidth":         s.BandwidthBps,
	} {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s is not finite: %v", name, v)
	}
}

func TestNetworkMetricsReset(t *testing.T) {
	m := NewNetworkMetrics(30)
	for i := 0; i < 10; i++ {
		m.Update(20*time.Millisecond, 33*time.Millisecond, 30000)
	}
	m.Reset()

	s := m.Snapshot()
	assert.Zero(t, s.Samples)
	assert.Zero(t, s.AvgLatency)
}

func TestWindowEviction(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Push(float64(i))
	}

	assert.Equal(t, 3, w.Size())
	assert.Equal(t, []float64{3, 4, 5}, w.Values())
	assert.Equal(t, []float64{4, 5}, w.Tail(2))
}

func TestFiniteSanitizer(t *testing.T) {
	assert.Equal(t, 7.0, Finite(7, 0))
	assert.Equal(t, 0.0, Finite(math.NaN(), 0))
	assert.Equal(t, 1.0, Finite(math.Inf(1), 1))
	assert.Equal(t, 1.0, Finite(math.Inf(-1), 1))
}

package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/metrics"
)

const (
	lowUtilization  = 0.3
	highUtilization = 0.8

	dropUtilization = 0.9
	dropJitter      = 0.2

	maxPacingComp = 2.5
)

// FrameRateController converts jitter, buffer pressure and measured
// throughput into the pacing interval for outbound frames.
type FrameRateController struct {
	mu        sync.RWMutex
	targetFPS float64
	minFPS    float64
	maxFPS    float64
}

// NewFrameRateController builds a controller for the configured rate band.
func NewFrameRateController(targetFPS, minFPS, maxFPS float64) *FrameRateController {
	return &FrameRateController{targetFPS: targetFPS, minFPS: minFPS, maxFPS: maxFPS}
}

// OptimalInterval returns how long to wait before sending the next frame.
// recentCompensations are the adaptive controller's latest smoothed factors,
// blended in to keep the two control loops from fighting each other.
func (f *FrameRateController) OptimalInterval(jitter, utilization, currentFPS float64, recentCompensations []float64) time.Duration {
	f.mu.RLock()
	target, min := f.targetFPS, f.minFPS
	f.mu.RUnlock()

	base := 1 / target

	comp := 1 + 10*jitter
	switch {
	case utilization < lowUtilization:
		comp *= 1 + 2*(lowUtilization-utilization)
	case utilization > highUtilization:
		comp *= 0.8
	}
	switch {
	case currentFPS < min:
		comp *= 0.7
	case currentFPS < 0.8*target:
		comp *= 0.85
	}
	if len(recentCompensations) > 0 {
		comp = 0.7*comp + 0.3*metrics.Mean(recentCompensations)
	}
	comp = clamp(comp, 0, maxPacingComp)

	interval := base * comp
	if ceiling := 1 / min; interval > ceiling {
		interval = ceiling
	}
	return time.Duration(interval * float64(time.Second))
}

// ShouldDrop reports whether the next frame should be skipped outright
// instead of paced.
func (f *FrameRateController) ShouldDrop(utilization, jitter, currentFPS float64) bool {
	f.mu.RLock()
	min := f.minFPS
	f.mu.RUnlock()
	return utilization > dropUtilization || jitter > dropJitter || currentFPS < 0.8*min
}

// SetTargetFPS updates the nominal rate. The new value must stay inside the
// configured [min, max] band.
func (f *FrameRateController) SetTargetFPS(fps float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fps < f.minFPS || fps > f.maxFPS {
		return fmt.Errorf("target fps %.1f outside [%.1f, %.1f]", fps, f.minFPS, f.maxFPS)
	}
	f.targetFPS = fps
	return nil
}

// SetMinFPS updates the floor rate. It must stay positive and below the
// current target.
func (f *FrameRateController) SetMinFPS(fps float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fps <= 0 || fps > f.targetFPS {
		return fmt.Errorf("min fps %.1f outside (0, %.1f]", fps, f.targetFPS)
	}
	f.minFPS = fps
	return nil
}

// TargetFPS returns the nominal rate.
func (f *FrameRateController) TargetFPS() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.targetFPS
}

// MinFPS returns the floor rate.
func (f *FrameRateController) MinFPS() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.minFPS
}

// MaxFPS returns the ceiling rate.
func (f *FrameRateController) MaxFPS() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maxFPS
}

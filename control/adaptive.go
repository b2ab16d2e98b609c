package control

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/metrics"
)

const (
	// Compensation multiplies the outbound inter-frame interval. It is
	// allowed to run hotter in critical state.
	compensationFloor = 0.3
	compensationCap   = 3.0
	criticalCompCap   = 4.0

	historyLen        = 200
	smoothingSamples  = 10
	confidenceSamples = 20

	// deadZone suppresses quality changes while FPS is within this
	// fraction of the target.
	deadZone = 0.05

	// optimalGainRatio is the FPS ratio above which quality may creep up.
	optimalGainRatio = 0.95

	criticalQualityDivisor = 3.0
	criticalQualityMaxStep = 10.0
	degradedQualityDivisor = 6.0
	degradedQualityMaxStep = 5.0

	networkGain    = 15.0
	bufferGain     = 0.8
	congestionGain = 0.5

	defaultConfidence = 0.5
	minConfidence     = 0.1
)

// Outputs is the controller decision published after each tick.
type Outputs struct {
	Quality       int         `json:"quality"`
	Compensation  float64     `json:"compensation_factor"`
	State         SystemState `json:"system_state"`
	Confidence    float64     `json:"adaptation_confidence"`
	CombinedScore float64     `json:"combined_score"`
}

// AdaptiveController owns the JPEG quality setpoint and the pacing
// compensation factor. It re-evaluates both on every processed frame from
// measured FPS, buffer utilization and network metrics.
type AdaptiveController struct {
	mu sync.Mutex

	targetFPS  float64
	minQuality int
	maxQuality int

	quality      int
	compensation float64
	state        SystemState
	confidence   float64
	lastScore    float64

	fpsHistory     *metrics.Window
	qualityHistory *metrics.Window
	compHistory    *metrics.Window

	logger *zap.Logger
}

// NewAdaptiveController starts at maximum quality in the optimal state with
// a neutral compensation factor.
func NewAdaptiveController(targetFPS float64, minQuality, maxQuality int, logger *zap.Logger) *AdaptiveController {
	if targetFPS <= 0 {
		targetFPS = 1
	}
	return &AdaptiveController{
		targetFPS:      targetFPS,
		minQuality:     minQuality,
		maxQuality:     maxQuality,
		quality:        maxQuality,
		compensation:   1.0,
		state:          StateOptimal,
		confidence:     defaultConfidence,
		lastScore:      1.0,
		fpsHistory:     metrics.NewWindow(historyLen),
		qualityHistory: metrics.NewWindow(historyLen),
		compHistory:    metrics.NewWindow(historyLen),
		logger:         logger,
	}
}

// Tick ingests the latest measurements and recomputes quality, compensation,
// confidence and system state.
func (c *AdaptiveController) Tick(currentFPS, utilization float64, net metrics.NetworkStats) Outputs {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fpsHistory.Push(currentFPS)

	fpsRatio := currentFPS / c.targetFPS
	score := CombinedScore(fpsRatio, utilization, net.Jitter)
	c.lastScore = score
	if next := Classify(score); next != c.state {
		c.logger.Info("System state changed",
			zap.String("from", string(c.state)),
			zap.String("to", string(next)),
			zap.Float64("combined_score", score),
			zap.Float64("fps", currentFPS),
			zap.Float64("buffer_utilization", utilization),
			zap.Float64("jitter", net.Jitter))
		c.state = next
	}

	c.updateQualityLocked(currentFPS, fpsRatio)
	c.updateCompensationLocked(currentFPS, utilization, net)
	c.updateConfidenceLocked()

	c.qualityHistory.Push(float64(c.quality))

	return Outputs{
		Quality:       c.quality,
		Compensation:  c.compensation,
		State:         c.state,
		Confidence:    c.confidence,
		CombinedScore: score,
	}
}

func (c *AdaptiveController) updateQualityLocked(currentFPS, fpsRatio float64) {
	if math.Abs(currentFPS-c.targetFPS) <= deadZone*c.targetFPS {
		return
	}

	q := float64(c.quality)
	deficit := c.targetFPS - currentFPS
	switch c.state {
	case StateCritical:
		q -= clamp(deficit/criticalQualityDivisor, 0, criticalQualityMaxStep)
	case StateDegraded:
		q -= clamp(deficit/degradedQualityDivisor, 0, degradedQualityMaxStep)
	case StateOptimal:
		if fpsRatio > optimalGainRatio {
			q++
		}
	}
	c.quality = int(clamp(q, float64(c.minQuality), float64(c.maxQuality)))
}

func (c *AdaptiveController) updateCompensationLocked(currentFPS, utilization float64, net metrics.NetworkStats) {
	network := 1 + networkGain*net.Jitter
	buffer := 1 + bufferGain*(1-utilization)
	performance := 1.0
	if currentFPS < c.targetFPS {
		performance = 1 + (c.targetFPS-currentFPS)/c.targetFPS
	}
	congestion := 1 + congestionGain*net.Congestion

	ceiling := compensationCap
	if c.state == StateCritical {
		ceiling = criticalCompCap
	}
	instant := math.Min(network*buffer*performance*congestion, ceiling)

	smoothed := instant
	if recent := c.compHistory.Tail(smoothingSamples); len(recent) > 0 {
		smoothed = 0.7*instant + 0.3*metrics.Mean(recent)
	}
	c.compensation = clamp(smoothed, compensationFloor, ceiling)
	c.compHistory.Push(c.compensation)
}

func (c *AdaptiveController) updateConfidenceLocked() {
	samples := c.fpsHistory.Tail(confidenceSamples)
	if len(samples) < confidenceSamples {
		c.confidence = defaultConfidence
		return
	}
	c.confidence = clamp(1-metrics.Stdev(samples)/c.targetFPS, minConfidence, 1.0)
}

// Snapshot reports the current outputs without advancing the controller.
func (c *AdaptiveController) Snapshot() Outputs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Outputs{
		Quality:       c.quality,
		Compensation:  c.compensation,
		State:         c.state,
		Confidence:    c.confidence,
		CombinedScore: c.lastScore,
	}
}

// Quality returns the current JPEG quality setpoint.
func (c *AdaptiveController) Quality() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Compensation returns the current pacing factor.
func (c *AdaptiveController) Compensation() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compensation
}

// State returns the current system state.
func (c *AdaptiveController) State() SystemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RecentCompensations returns up to n most recent smoothed compensation
// values, oldest first.
func (c *AdaptiveController) RecentCompensations(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compHistory.Tail(n)
}

// SetTargetFPS retunes the controller to a new nominal rate.
func (c *AdaptiveController) SetTargetFPS(fps float64) {
	if fps <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetFPS = fps
}

// SetQualityBounds moves the quality operating range and clamps the current
// setpoint into it.
func (c *AdaptiveController) SetQualityBounds(minQ, maxQ int) {
	if minQ < 1 || maxQ > 100 || minQ > maxQ {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minQuality = minQ
	c.maxQuality = maxQ
	c.quality = int(clamp(float64(c.quality), float64(minQ), float64(maxQ)))
}

// Reset restores the initial setpoints and drops all histories.
func (c *AdaptiveController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quality = c.maxQuality
	c.compensation = 1.0
	c.state = StateOptimal
	c.confidence = defaultConfidence
	c.lastScore = 1.0
	c.fpsHistory = metrics.NewWindow(historyLen)
	c.qualityHistory = metrics.NewWindow(historyLen)
	c.compHistory = metrics.NewWindow(historyLen)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

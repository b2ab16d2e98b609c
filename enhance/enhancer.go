// Package enhance improves frame legibility before streaming and recording.
// Four fixed filter chains cover the lighting situations a fixed security
// camera meets; auto mode picks one per frame from cheap luma statistics.
package enhance

import (
	"fmt"
	"image"
	"math"
	"sync"
	"time"
)

// Mode selects a filter chain.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeDay      Mode = "day"
	ModeLowLight Mode = "low_light"
	ModeNight    Mode = "night"
	ModeSecurity Mode = "security"
)

// ParseMode validates an operator-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeDay, ModeLowLight, ModeNight, ModeSecurity:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown enhancement mode %q", s)
}

// Result describes one enhancement pass.
type Result struct {
	Mode           Mode          `json:"mode"`
	ProcessingTime time.Duration `json:"processing_time"`
	Improvement    float64       `json:"improvement"` // [0, 1]
	BudgetExceeded bool          `json:"budget_exceeded"`
	Skipped        bool          `json:"skipped"`
}

// Settings is the operator-visible configuration snapshot.
type Settings struct {
	Enabled  bool   `json:"enabled"`
	Mode     string `json:"mode"`
	BudgetMS int64  `json:"budget_ms"`
}

// Enhancer applies the configured filter chain within a per-frame time
// budget. Stage boundaries check the deadline; whatever completed by then is
// returned, so a slow chain degrades to a partial enhancement instead of
// stalling the processor.
type Enhancer struct {
	mu      sync.RWMutex
	enabled bool
	mode    Mode
	budget  time.Duration
}

// New creates an enhancer. Budget must be positive.
func New(enabled bool, mode Mode, budget time.Duration) (*Enhancer, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if budget <= 0 {
		return nil, fmt.Errorf("invalid enhancement budget %v", budget)
	}
	return &Enhancer{enabled: enabled, mode: mode, budget: budget}, nil
}

// Enhance runs the active chain on img and returns the enhanced copy. The
// original is never modified; on any internal failure the original is
// returned with a zero-improvement result.
func (e *Enhancer) Enhance(img *image.RGBA) (out *image.RGBA, res Result) {
	e.mu.RLock()
	enabled, mode, budget := e.enabled, e.mode, e.budget
	e.mu.RUnlock()

	if !enabled || img == nil {
		return img, Result{Mode: mode, Skipped: true}
	}

	start := time.Now()
	deadline := start.Add(budget)

	// Image math on hostile input can panic; the contract is to hand back
	// the original frame rather than take down the processor.
	defer func() {
		if r := recover(); r != nil {
			out = img
			res = Result{Mode: mode, ProcessingTime: time.Since(start)}
		}
	}()

	if mode == ModeAuto {
		mode = classify(img)
	}

	_, stdevBefore := lumaStats(img)

	work := cloneRGBA(img)
	exceeded := false
	switch mode {
	case ModeNight:
		work, exceeded = nightChain(work, deadline)
	case ModeLowLight:
		work, exceeded = lowLightChain(work, deadline)
	case ModeDay:
		work, exceeded = dayChain(work, deadline)
	case ModeSecurity:
		work, exceeded = securityChain(work, deadline)
	}

	_, stdevAfter := lumaStats(work)

	return work, Result{
		Mode:           mode,
		ProcessingTime: time.Since(start),
		Improvement:    improvement(stdevBefore, stdevAfter),
		BudgetExceeded: exceeded,
	}
}

// nightChain recovers detail from dark frames. CLAHE first so the boost and
// gamma work with local contrast already spread out.
func nightChain(img *image.RGBA, deadline time.Time) (*image.RGBA, bool) {
	clahe(img, 3.0, 8)
	if over(deadline) {
		return img, true
	}
	lut := brightnessLUT(30)
	applyChannelLUT(img, &lut)
	lut = gammaLUT(0.8)
	applyChannelLUT(img, &lut)
	if over(deadline) {
		return img, true
	}
	img = bilateral(img, 2, 2.0, 25)
	if over(deadline) {
		return img, true
	}
	img = unsharpMask(img, 0.8)
	lut = contrastLUT(1.5, 0)
	applyChannelLUT(img, &lut)
	return img, over(deadline)
}

func lowLightChain(img *image.RGBA, deadline time.Time) (*image.RGBA, bool) {
	clahe(img, 2.0, 8)
	if over(deadline) {
		return img, true
	}
	lut := brightnessLUT(15)
	applyChannelLUT(img, &lut)
	if over(deadline) {
		return img, true
	}
	img = bilateral(img, 1, 1.5, 20)
	if over(deadline) {
		return img, true
	}
	return blendKernel(img, &sharpenKernel, 0.7, 0.3), over(deadline)
}

func dayChain(img *image.RGBA, deadline time.Time) (*image.RGBA, bool) {
	equalizeLuma(img)
	if over(deadline) {
		return img, true
	}
	img = blendKernel(img, &edgeKernel, 0.85, 0.15)
	if over(deadline) {
		return img, true
	}
	img = unsharpMask(img, 0.5)
	lut := contrastLUT(1.05, 0)
	applyChannelLUT(img, &lut)
	return img, over(deadline)
}

func securityChain(img *image.RGBA, deadline time.Time) (*image.RGBA, bool) {
	clahe(img, 2.5, 8)
	if over(deadline) {
		return img, true
	}
	img = blendKernel(img, &edgeKernel, 0.8, 0.2)
	if over(deadline) {
		return img, true
	}
	img = blendKernel(img, &sharpenKernel, 0.5, 0.5)
	if over(deadline) {
		return img, true
	}
	img = bilateral(img, 1, 1.5, 20)
	lut := contrastLUT(1.1, 5)
	applyChannelLUT(img, &lut)
	return img, over(deadline)
}

// Auto classification thresholds on the luma plane.
const (
	nightMeanMax    = 60.0
	lowLightMeanMax = 110.0
	darkBinCutoff   = 64
	brightBinCutoff = 192
	mixedDarkFrac   = 0.25
	mixedStdevMin   = 60.0
)

// classify picks the chain for auto mode from mean luminance, spread and
// dark/bright bin dominance.
func classify(img *image.RGBA) Mode {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return ModeDay
	}

	var hist [256]int
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			l := 0.299*float64(row[x*4]) + 0.587*float64(row[x*4+1]) + 0.114*float64(row[x*4+2])
			hist[clampU8(l)]++
		}
	}

	n := float64(w * h)
	var sum, sumSq float64
	dark, bright := 0, 0
	for v, count := range hist {
		f := float64(v)
		sum += f * float64(count)
		sumSq += f * f * float64(count)
		if v < darkBinCutoff {
			dark += count
		}
		if v >= brightBinCutoff {
			bright += count
		}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	stdev := math.Sqrt(variance)
	darkFrac := float64(dark) / n

	switch {
	case mean < nightMeanMax:
		return ModeNight
	case mean < lowLightMeanMax:
		return ModeLowLight
	case darkFrac > mixedDarkFrac && stdev > mixedStdevMin:
		// Bright overall but with deep shadow regions: harsh mixed
		// lighting, typical of a doorway or garage scene.
		return ModeSecurity
	default:
		return ModeDay
	}
}

// improvement maps the contrast change to [0, 1]. Contrast spread is what
// the chains chiefly manipulate, so it doubles as the improvement proxy.
func improvement(stdevBefore, stdevAfter float64) float64 {
	delta := (stdevAfter - stdevBefore) / 50
	if delta < 0 {
		return 0
	}
	if delta > 1 {
		return 1
	}
	return delta
}

func over(deadline time.Time) bool {
	return time.Now().After(deadline)
}

// SetMode changes the active mode.
func (e *Enhancer) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
	return nil
}

// Mode returns the configured mode (auto resolves per frame).
func (e *Enhancer) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetEnabled toggles enhancement.
func (e *Enhancer) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
}

// Enabled reports whether enhancement runs.
func (e *Enhancer) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Settings returns the operator-visible snapshot.
func (e *Enhancer) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Settings{
		Enabled:  e.enabled,
		Mode:     string(e.mode),
		BudgetMS: e.budget.Milliseconds(),
	}
}

// Package frame holds the frame envelope and the two containers it moves
// through: the bounded priority queue feeding the processor and the frame
// buffer feeding viewers.
package frame

import (
	"image"
	"image/draw"
	"math"
	"time"
)

// Frame is one decoded camera frame together with everything admission
// learned about it. Frames are immutable after creation; the processor
// builds a new Frame for the enhanced result instead of mutating this one.
type Frame struct {
	Pixels    *image.RGBA
	Timestamp time.Time
	Sequence  uint64
	Delay     time.Duration // receive-start to decode-complete
	Quality   float64       // [0, 100]
	Priority  float64       // [0, 1]
	Size      int           // encoded payload bytes
	Producer  string
}

// Priority blend weights. Age dominates so that a fresh frame beats a
// sharp stale one; the remaining terms order frames of similar age.
const (
	priorityAgeWeight     = 0.4
	priorityQualityWeight = 0.3
	priorityDelayWeight   = 0.2
	prioritySizeWeight    = 0.1

	// sizeScale is the payload size at which the size term halves.
	sizeScale = 100 * 1024
)

// New builds an envelope for an admitted frame and computes its priority.
// Priority is fixed at admission and never recomputed.
func New(pixels *image.RGBA, ts time.Time, seq uint64, delay time.Duration, quality float64, size int, producer string) *Frame {
	return &Frame{
		Pixels:    pixels,
		Timestamp: ts,
		Sequence:  seq,
		Delay:     delay,
		Quality:   quality,
		Priority:  computePriority(ts, quality, delay, size),
		Size:      size,
		Producer:  producer,
	}
}

// computePriority maps (age, quality, delay, size) into [0, 1].
func computePriority(ts time.Time, quality float64, delay time.Duration, size int) float64 {
	age := time.Since(ts).Seconds()
	if age < 0 {
		age = 0
	}

	ageTerm := math.Exp(-age)
	qualityTerm := clamp(quality/100, 0, 1)
	delayTerm := 1 / (1 + 10*delay.Seconds())
	sizeTerm := 1 / (1 + float64(size)/sizeScale)

	p := priorityAgeWeight*ageTerm +
		priorityQualityWeight*qualityTerm +
		priorityDelayWeight*delayTerm +
		prioritySizeWeight*sizeTerm
	return clamp(p, 0, 1)
}

// WithPixels returns a copy of the envelope carrying different pixel data,
// used by the processor to publish the enhanced frame under the original
// admission metadata.
func (f *Frame) WithPixels(pixels *image.RGBA, quality float64) *Frame {
	out := *f
	out.Pixels = pixels
	out.Quality = quality
	return &out
}

// Age returns the time elapsed since the producer timestamp.
func (f *Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.Timestamp)
}

// ToRGBA converts an arbitrary decoded image to RGBA without copying when it
// already is one.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba
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

package frame

import (
	"sync"
	"time"
)

// evictFillRatio is the fill level at which Add evicts before inserting.
const evictFillRatio = 0.95

// Composite score weights for TakeBest.
const (
	takeBestPriorityWeight = 0.5
	takeBestQualityWeight  = 0.3
	takeBestAgeWeight      = 0.2
)

// Buffer holds processed frames for viewers. Arrival order is monotone in
// producer timestamp; eviction under pressure removes the lowest-priority
// frame, and TakeBest picks by a blend of priority, quality and freshness.
//
// The buffering gate delays stream start until enough material has
// accumulated to ride through short producer underruns.
type Buffer struct {
	mu               sync.Mutex
	frames           []*Frame
	capacity         int
	minBuffered      int
	bufferingDelay   time.Duration
	maxBufferingTime time.Duration

	bufferingActive bool
	lastStreamTime  time.Time
	evictions       uint64
}

// BufferStats is a point-in-time snapshot for the stats API.
type BufferStats struct {
	Size            int     `json:"size"`
	Capacity        int     `json:"capacity"`
	Utilization     float64 `json:"utilization"`
	Evictions       uint64  `json:"evictions"`
	BufferingActive bool    `json:"buffering_active"`
}

// NewBuffer creates a frame buffer with the given capacity and gate settings.
func NewBuffer(capacity, minBuffered int, bufferingDelay, maxBufferingTime time.Duration) *Buffer {
	return &Buffer{
		frames:           make([]*Frame, 0, capacity),
		capacity:         capacity,
		minBuffered:      minBuffered,
		bufferingDelay:   bufferingDelay,
		maxBufferingTime: maxBufferingTime,
	}
}

// Add inserts a frame, evicting the lowest-priority one first when the
// buffer is at or above the eviction fill level. It reports whether an
// eviction happened.
func (b *Buffer) Add(f *Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := false
	if float64(len(b.frames)) >= evictFillRatio*float64(b.capacity) {
		b.evictLowestLocked()
		evicted = true
	}
	b.frames = append(b.frames, f)

	if !b.bufferingActive && len(b.frames) >= b.minBuffered {
		b.bufferingActive = true
		b.lastStreamTime = f.Timestamp
	}
	return evicted
}

// ShouldStartStreaming reports whether a newly connected viewer may begin
// receiving frames.
func (b *Buffer) ShouldStartStreaming(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.bufferingActive {
		return false
	}
	sinceLast := now.Sub(b.lastStreamTime)
	if len(b.frames) >= b.minBuffered && sinceLast >= b.bufferingDelay {
		return true
	}
	return sinceLast >= b.maxBufferingTime
}

// TakeBest removes and returns the frame with the highest composite score,
// or nil when the buffer is empty. Freshness decays quickly: a frame two
// seconds old has lost most of its age term.
func (b *Buffer) TakeBest(now time.Time) *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return nil
	}

	best := 0
	bestScore := compositeScore(b.frames[0], now)
	for i := 1; i < len(b.frames); i++ {
		if s := compositeScore(b.frames[i], now); s > bestScore {
			best, bestScore = i, s
		}
	}

	f := b.frames[best]
	b.frames = append(b.frames[:best], b.frames[best+1:]...)
	return f
}

// ResetBuffering re-arms the start gate after a frame has been delivered.
func (b *Buffer) ResetBuffering(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bufferingActive = false
	b.lastStreamTime = now
}

// MinBuffered returns the gate's minimum frame count.
func (b *Buffer) MinBuffered() int {
	return b.minBuffered
}

// Size returns the number of buffered frames.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Utilization returns the fill fraction in [0, 1].
func (b *Buffer) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.frames)) / float64(b.capacity)
}

// Stats returns a snapshot for the stats API.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Size:            len(b.frames),
		Capacity:        b.capacity,
		Utilization:     float64(len(b.frames)) / float64(b.capacity),
		Evictions:       b.evictions,
		BufferingActive: b.bufferingActive,
	}
}

// Clear drops all buffered frames and disarms the gate.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = b.frames[:0]
	b.bufferingActive = false
}

func (b *Buffer) evictLowestLocked() {
	if len(b.frames) == 0 {
		return
	}
	lowest := 0
	for i := 1; i < len(b.frames); i++ {
		if evictBefore(b.frames[i], b.frames[lowest]) {
			lowest = i
		}
	}
	b.frames = append(b.frames[:lowest], b.frames[lowest+1:]...)
	b.evictions++
}

func compositeScore(f *Frame, now time.Time) float64 {
	ageFactor := 1 / (1 + 2*now.Sub(f.Timestamp).Seconds())
	return takeBestPriorityWeight*f.Priority +
		takeBestQualityWeight*(f.Quality/100) +
		takeBestAgeWeight*ageFactor
}

package pipeline

import (
	"sync"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
)

// Latest publishes the most recently processed frame for snapshot readers.
// The processor is the only writer; frames are immutable once stored.
type Latest struct {
	mu sync.RWMutex
	f  *frame.Frame
}

// Store replaces the published frame.
func (l *Latest) Store(f *frame.Frame) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}

// Load returns the published frame, or nil before the first one arrives.
func (l *Latest) Load() *frame.Frame {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.f
}

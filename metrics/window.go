package metrics

import "math"

// Window is a fixed-capacity sliding window of samples. Writes overwrite the
// oldest entry once full. Not safe for concurrent use; owners guard it.
type Window struct {
	buf  []float64
	next int
	full bool
}

// NewWindow creates a window keeping the last capacity samples.
func NewWindow(capacity int) *Window {
	return &Window{buf: make([]float64, capacity)}
}

// Push appends a sample.
func (w *Window) Push(v float64) {
	w.buf[w.next] = v
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

// Size returns the number of stored samples.
func (w *Window) Size() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

// Values returns samples oldest to newest.
func (w *Window) Values() []float64 {
	if !w.full {
		out := make([]float64, w.next)
		copy(out, w.buf[:w.next])
		return out
	}
	out := make([]float64, 0, len(w.buf))
	out = append(out, w.buf[w.next:]...)
	out = append(out, w.buf[:w.next]...)
	return out
}

// Tail returns the most recent n samples, oldest first.
func (w *Window) Tail(n int) []float64 {
	vals := w.Values()
	if len(vals) <= n {
		return vals
	}
	return vals[len(vals)-n:]
}

// Mean of a sample slice; zero when empty.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Stdev is the population standard deviation; zero below two samples.
func Stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

// MaxOf returns the largest sample; zero when empty.
func MaxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// Finite replaces NaN and infinities with fallback. Every number leaving the
// stats layer passes through here.
func Finite(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/control"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/metrics"
)

const (
	boundary = "frame"

	// gateProbe is how often a waiting viewer re-checks the buffering gate.
	gateProbe = 25 * time.Millisecond

	// Effective-quality cuts. The controller setpoint is lowered further
	// under acute pressure; the floor keeps frames recognizable.
	lowFPSDeadZone         = 0.5
	lowFPSQualityCut       = 15
	jitterQualityThreshold = 0.15
	jitterQualityCut       = 10
	pressureUtilization    = 0.9
	pressureQualityCut     = 10
	effectiveQualityFloor  = 35

	// deviceFactor is reserved for slower camera classes; this deployment
	// drives a single ESP32-class producer.
	deviceFactor = 1.0

	// lowBufferFactor stretches pacing while the buffer is under its
	// minimum, trading latency for fewer underruns.
	lowBufferFactor = 1.25

	// longEmptySleep applies once a viewer has seen maxEmptyFrames
	// consecutive keep-alives.
	longEmptySleep = 500 * time.Millisecond
)

// StreamerDeps wires the viewer endpoint into the shared pipeline.
type StreamerDeps struct {
	Buffer     *frame.Buffer
	Controller *control.AdaptiveController
	FrameRate  *control.FrameRateController
	Network    *metrics.NetworkMetrics
	FPS        *metrics.FPSTracker
	Logger     *loglimit.Logger
}

// Streamer serves the shared frame buffer to any number of concurrent
// multipart viewers. Viewers never block the processor; each one takes its
// own copy from the buffer and paces itself.
type Streamer struct {
	deps StreamerDeps

	maxEmptyFrames   int
	maxBufferingTime time.Duration

	viewers atomic.Int64
}

// NewStreamer builds the viewer endpoint handler.
func NewStreamer(deps StreamerDeps, maxEmptyFrames int, maxBufferingTime time.Duration) *Streamer {
	if maxEmptyFrames <= 0 {
		maxEmptyFrames = 10
	}
	return &Streamer{
		deps:             deps,
		maxEmptyFrames:   maxEmptyFrames,
		maxBufferingTime: maxBufferingTime,
	}
}

// Viewers returns the number of connected multipart viewers.
func (s *Streamer) Viewers() int64 {
	return s.viewers.Load()
}

// HandleVideoFeed streams buffered frames as multipart JPEG parts until the
// client disconnects.
func (s *Streamer) HandleVideoFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	snap := s.deps.Network.Snapshot()
	out := s.deps.Controller.Snapshot()
	h := w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	SetNoCache(h)
	SetDiagnosticHeaders(h, s.deps.FPS.Current(now), out, s.deps.Buffer.Utilization(), snap.Jitter)

	s.viewers.Add(1)
	metrics.ViewersActive.Inc()
	base := s.deps.Logger.Base()
	base.Info("Viewer connected", zap.String("remote_addr", r.RemoteAddr))
	defer func() {
		s.viewers.Add(-1)
		metrics.ViewersActive.Dec()
		base.Info("Viewer disconnected", zap.String("remote_addr", r.RemoteAddr))
	}()

	if !s.waitForGate(r.Context()) {
		return
	}

	emptyStreak := 0
	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		start := time.Now()
		payload, delivered := s.nextPayload(start, &emptyStreak)
		if payload == nil {
			continue
		}

		if err := writePart(w, payload); err != nil {
			// Client gone; ServeHTTP unwinds via the deferred cleanup.
			return
		}
		flusher.Flush()
		if delivered {
			s.deps.Buffer.ResetBuffering(time.Now())
		}

		if !s.pace(r.Context(), start, emptyStreak) {
			return
		}
	}
}

// nextPayload selects and encodes the next part body. The bool result
// reports whether a real frame (not a keep-alive) was delivered.
func (s *Streamer) nextPayload(now time.Time, emptyStreak *int) ([]byte, bool) {
	f := s.deps.Buffer.TakeBest(now)
	if f == nil {
		*emptyStreak++
		metrics.KeepAlivesTotal.Inc()
		return frame.KeepAlive(), false
	}
	*emptyStreak = 0

	snap := s.deps.Network.Snapshot()
	quality := s.effectiveQuality(s.deps.Controller.Quality(), s.deps.FPS.Current(now), snap.Jitter, s.deps.Buffer.Utilization())
	data, err := EncodeJPEG(f.Pixels, quality)
	if err != nil {
		// One bad frame never terminates a healthy stream.
		s.deps.Logger.Warn("encode-failure", "Failed to encode frame for viewer",
			zap.Uint64("sequence", f.Sequence), zap.Error(err))
		return nil, false
	}
	return data, true
}

// effectiveQuality lowers the controller setpoint under acute delivery
// pressure. Each cut has a dead zone so borderline readings do not flap.
func (s *Streamer) effectiveQuality(base int, currentFPS, jitter, utilization float64) int {
	q := base
	if currentFPS > 0 && currentFPS < s.deps.FrameRate.MinFPS()-lowFPSDeadZone {
		q -= lowFPSQualityCut
	}
	if jitter > jitterQualityThreshold {
		q -= jitterQualityCut
	}
	if utilization > pressureUtilization {
		q -= pressureQualityCut
	}
	if q < effectiveQualityFloor {
		q = effectiveQualityFloor
	}
	return q
}

// waitForGate blocks until the buffering gate opens, the client leaves, or
// the maximum buffering time passes. Proceeding on timeout keeps an idle
// producer from starving viewers of keep-alives.
func (s *Streamer) waitForGate(ctx context.Context) bool {
	deadline := time.Now().Add(s.maxBufferingTime)
	ticker := time.NewTicker(gateProbe)
	defer ticker.Stop()
	for {
		now := time.Now()
		if s.deps.Buffer.ShouldStartStreaming(now) || now.After(deadline) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// pace sleeps out the remainder of the target inter-frame interval. It
// returns false when the client disconnects mid-sleep.
func (s *Streamer) pace(ctx context.Context, start time.Time, emptyStreak int) bool {
	var interval time.Duration
	switch {
	case emptyStreak >= s.maxEmptyFrames:
		interval = longEmptySleep
	case emptyStreak > 0:
		interval = time.Duration(float64(time.Second) / s.deps.FrameRate.MinFPS())
	default:
		now := time.Now()
		snap := s.deps.Network.Snapshot()
		utilization := s.deps.Buffer.Utilization()
		base := s.deps.FrameRate.OptimalInterval(snap.Jitter, utilization, s.deps.FPS.Current(now), s.deps.Controller.RecentCompensations(10))

		bufferingFactor := 1.0
		if s.deps.Buffer.Size() < s.deps.Buffer.MinBuffered() {
			bufferingFactor = lowBufferFactor
		}
		interval = time.Duration(float64(base) * s.deps.Controller.Compensation() * deviceFactor * bufferingFactor)
		if ceiling := time.Duration(float64(time.Second) / s.deps.FrameRate.MinFPS()); interval > ceiling {
			interval = ceiling
		}
	}

	remaining := interval - time.Since(start)
	if remaining <= 0 {
		return true
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func writePart(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", boundary); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// EncodeJPEG serializes a frame at the given quality.
func EncodeJPEG(img *image.RGBA, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SetNoCache marks a frame or stream response as uncacheable.
func SetNoCache(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// SetDiagnosticHeaders echoes the controller outputs on a frame or stream
// response.
func SetDiagnosticHeaders(h http.Header, fps float64, out control.Outputs, utilization, jitter float64) {
	h.Set("X-FPS", strconv.FormatFloat(fps, 'f', 2, 64))
	h.Set("X-Frame-Quality", strconv.Itoa(out.Quality))
	h.Set("X-Compensation-Factor", strconv.FormatFloat(out.Compensation, 'f', 3, 64))
	h.Set("X-Buffer-Utilization", strconv.FormatFloat(utilization, 'f', 3, 64))
	h.Set("X-Network-Jitter", strconv.FormatFloat(jitter, 'f', 4, 64))
	h.Set("X-System-State", string(out.State))
}

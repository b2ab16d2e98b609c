package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/control"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/enhance"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/metrics"
)

const (
	// Above this buffer fill level the worker barely pauses between frames.
	busyUtilization = 0.8
	busySleep       = 500 * time.Microsecond
	idleSleep       = time.Millisecond
)

// FrameSink receives a copy of every processed frame. Submit must never
// block; the recorder implements it with a drop-oldest channel.
type FrameSink interface {
	Submit(f *frame.Frame)
}

// MultiSink fans processed frames out to several sinks.
type MultiSink []FrameSink

func (m MultiSink) Submit(f *frame.Frame) {
	for _, s := range m {
		s.Submit(f)
	}
}

// ProcessorDeps wires the processor into the shared pipeline components.
// Recorder may be nil when recording is disabled.
type ProcessorDeps struct {
	Queue      *frame.Queue
	Enhancer   *enhance.Enhancer
	Buffer     *frame.Buffer
	Recorder   FrameSink
	Network    *metrics.NetworkMetrics
	FPS        *metrics.FPSTracker
	Controller *control.AdaptiveController
	Latest     *Latest
	Logger     *loglimit.Logger
}

// Processor drains the priority queue, enhances each frame and fans the
// result out to the latest-frame snapshot, the stream buffer and the
// recorder. It is the only writer to those structures and to the metrics
// set; readers go through their own accessors.
type Processor struct {
	deps       ProcessorDeps
	stateNames []string

	processed atomic.Uint64

	mu            sync.Mutex
	lastProcessed time.Time
}

// NewProcessor builds the worker. Call Run to start it.
func NewProcessor(deps ProcessorDeps) *Processor {
	names := make([]string, len(control.AllStates))
	for i, s := range control.AllStates {
		names[i] = string(s)
	}
	return &Processor{deps: deps, stateNames: names}
}

// Run processes frames until the context is canceled or the queue closes.
func (p *Processor) Run(ctx context.Context) error {
	p.deps.Logger.Base().Info("Frame processor started")
	for {
		f, err := p.deps.Queue.PopWait(ctx)
		if err != nil {
			if errors.Is(err, frame.ErrQueueClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.deps.Logger.Base().Info("Frame processor stopped",
					zap.Uint64("processed_frames", p.processed.Load()))
				return nil
			}
			return err
		}
		p.process(f)

		sleep := idleSleep
		if p.deps.Buffer.Utilization() > busyUtilization {
			sleep = busySleep
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (p *Processor) process(f *frame.Frame) {
	enhanced, res := p.deps.Enhancer.Enhance(f.Pixels)
	if res.BudgetExceeded {
		metrics.EnhanceBudgetExceededTotal.Inc()
		p.deps.Logger.Warn("enhance-budget", "Enhancement hit its time budget",
			zap.String("mode", string(res.Mode)),
			zap.Duration("took", res.ProcessingTime))
	}

	quality := f.Quality
	if !res.Skipped {
		quality = frame.Score(enhanced)
	}
	out := f.WithPixels(enhanced, quality)

	p.deps.Latest.Store(out)
	if p.deps.Buffer.Add(out) {
		metrics.RecordDrop("buffer_evict")
	}
	if p.deps.Recorder != nil {
		p.deps.Recorder.Submit(out)
	}

	now := time.Now()
	p.mu.Lock()
	var interval time.Duration
	if !p.lastProcessed.IsZero() {
		interval = now.Sub(p.lastProcessed)
	}
	p.lastProcessed = now
	p.mu.Unlock()

	p.deps.Network.Update(f.Delay, interval, f.Size)
	p.deps.FPS.Record(now)
	p.processed.Add(1)
	metrics.FramesProcessedTotal.Inc()

	snap := p.deps.Network.Snapshot()
	currentFPS := p.deps.FPS.Current(now)
	utilization := p.deps.Buffer.Utilization()
	decision := p.deps.Controller.Tick(currentFPS, utilization, snap)

	metrics.PublishControllerOutputs(float64(decision.Quality), decision.Compensation, snap.Jitter, utilization, currentFPS)
	metrics.SetSystemState(string(decision.State), p.stateNames)

	p.deps.Logger.Debug("frame-processed", "Processed frame",
		zap.Uint64("sequence", f.Sequence),
		zap.Float64("quality_score", quality),
		zap.Float64("improvement", res.Improvement),
		zap.Duration("enhance_time", res.ProcessingTime),
		zap.String("state", string(decision.State)))
}

// ProcessedFrames returns how many frames completed since start.
func (p *Processor) ProcessedFrames() uint64 {
	return p.processed.Load()
}

// LastProcessed returns the completion time of the most recent frame, or the
// zero time before any frame was processed.
func (p *Processor) LastProcessed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastProcessed
}

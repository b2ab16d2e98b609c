package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus exposition. Label cardinality stays flat: reasons and states
// are small fixed sets, never per-session identifiers.

var (
	// FramesIngestedTotal counts frames admitted through the ingest endpoint.
	FramesIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cctv_frames_ingested_total",
		Help: "Total number of frames admitted at ingest.",
	})

	// FramesDroppedTotal counts dropped frames by reason.
	FramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cctv_frames_dropped_total",
		Help: "Total number of dropped frames, by reason.",
	}, []string{"reason"})

	// FramesProcessedTotal counts frames the processor finished.
	FramesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cctv_frames_processed_total",
		Help: "Total number of frames enhanced and published.",
	})

	// DecodeFailuresTotal counts undecodable payloads.
	DecodeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cctv_decode_failures_total",
		Help: "Total number of payloads that failed JPEG decode.",
	})

	// EnhanceBudgetExceededTotal counts enhancement passes cut short.
	EnhanceBudgetExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cctv_enhance_budget_exceeded_total",
		Help: "Total number of enhancement passes that hit the time budget.",
	})

	// KeepAlivesTotal counts keep-alive JPEGs sent to viewers.
	KeepAlivesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cctv_stream_keepalives_total",
		Help: "Total number of keep-alive frames sent to viewers.",
	})

	// ViewersActive tracks connected multipart stream viewers.
	ViewersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_viewers_active",
		Help: "Current number of connected stream viewers.",
	})

	// ProducerConnected tracks whether a camera producer session is open.
	ProducerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_producer_connected",
		Help: "1 while a producer session is open, else 0.",
	})

	// SegmentsSavedTotal counts saved video segments by kind.
	SegmentsSavedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cctv_recorder_segments_saved_total",
		Help: "Total number of saved video segments, by kind.",
	}, []string{"kind"})

	// RecorderBytesWrittenTotal counts bytes written to video files.
	RecorderBytesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cctv_recorder_bytes_written_total",
		Help: "Total bytes of saved video segments.",
	})

	// RecorderErrorsTotal counts recorder write failures.
	RecorderErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cctv_recorder_errors_total",
		Help: "Total number of recorder write errors.",
	})

	// StreamQuality is the controller's current JPEG quality.
	StreamQuality = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_stream_quality",
		Help: "Current adaptive JPEG quality.",
	})

	// CompensationFactor is the controller's current pacing compensation.
	CompensationFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_compensation_factor",
		Help: "Current frame pacing compensation factor.",
	})

	// NetworkJitter is the current latency jitter in seconds.
	NetworkJitter = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_network_jitter_seconds",
		Help: "Standard deviation of recent frame latencies.",
	})

	// BufferUtilization is the frame buffer fill fraction.
	BufferUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_buffer_utilization",
		Help: "Frame buffer fill fraction in [0, 1].",
	})

	// SystemState reports the controller state as a one-hot gauge vector.
	SystemState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cctv_system_state",
		Help: "1 for the active system state, 0 otherwise.",
	}, []string{"state"})

	// ProcessedFPS is the observed processed-frame rate.
	ProcessedFPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cctv_processed_fps",
		Help: "Frames per second leaving the processor.",
	})
)

// RecordDrop increments the drop counter for the given reason.
func RecordDrop(reason string) {
	FramesDroppedTotal.WithLabelValues(reason).Inc()
}

// SetSystemState flips the one-hot state gauge.
func SetSystemState(active string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == active {
			v = 1.0
		}
		SystemState.WithLabelValues(s).Set(v)
	}
}

// PublishControllerOutputs pushes the controller tick outputs to the gauges.
func PublishControllerOutputs(quality, compensation, jitter, utilization, fps float64) {
	StreamQuality.Set(Finite(quality, 0))
	CompensationFactor.Set(Finite(compensation, 1))
	NetworkJitter.Set(Finite(jitter, 0))
	BufferUtilization.Set(Finite(utilization, 0))
	ProcessedFPS.Set(Finite(fps, 0))
}

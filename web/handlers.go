package web

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/config"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/control"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/enhance"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/ingest"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/metrics"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/pipeline"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/recorder"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/stream"
)

const maxControlBody = 1 << 20

// Deps wires the HTTP surface into the pipeline. Recorder and RTP are nil
// when the corresponding feature is disabled.
type Deps struct {
	Config     *config.Config
	ConfigPath string

	Ingest     *ingest.Server
	Streamer   *stream.Streamer
	RTP        *stream.RTPPublisher
	Latest     *pipeline.Latest
	Processor  *pipeline.Processor
	Queue      *frame.Queue
	Buffer     *frame.Buffer
	Network    *metrics.NetworkMetrics
	FPS        *metrics.FPSTracker
	Controller *control.AdaptiveController
	FrameRate  *control.FrameRateController
	Enhancer   *enhance.Enhancer
	Recorder   *recorder.Manager

	Logger *loglimit.Logger
}

// Handlers implements the status and control endpoints.
type Handlers struct {
	deps    Deps
	logger  *loglimit.Logger
	started time.Time

	// cfgMu serializes config mutation and persistence across control
	// endpoints and the reload watcher.
	cfgMu sync.Mutex
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		deps:    deps,
		logger:  deps.Logger,
		started: time.Now(),
	}
}

// QueueStats reports the priority queue fill level.
type QueueStats struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
}

// ProcessorStats reports pipeline worker progress.
type ProcessorStats struct {
	ProcessedFrames uint64    `json:"processed_frames"`
	LastProcessed   time.Time `json:"last_processed"`
}

// PerformanceStats is the full status object served by /performance_stats.
type PerformanceStats struct {
	Timestamp      time.Time                 `json:"timestamp"`
	UptimeSeconds  float64                   `json:"uptime_seconds"`
	FPS            metrics.FPSStats          `json:"fps"`
	Network        metrics.NetworkStats      `json:"network"`
	Buffer         frame.BufferStats         `json:"buffer"`
	Queue          QueueStats                `json:"queue"`
	Controller     control.Outputs           `json:"controller"`
	Ingest         ingest.Stats              `json:"ingest"`
	Processor      ProcessorStats            `json:"processor"`
	Viewers        int64                     `json:"viewers"`
	Enhancement    enhance.Settings          `json:"enhancement"`
	RTP            *stream.RTPPublisherStats `json:"rtp,omitempty"`
	Recording      *recorder.Status          `json:"recording,omitempty"`
	RecordingError string                    `json:"recording_error,omitempty"`
}

// HealthResponse is the summary served by /health.
type HealthResponse struct {
	Status            string              `json:"status"`
	Timestamp         time.Time           `json:"timestamp"`
	UptimeSeconds     float64             `json:"uptime_seconds"`
	ProducerConnected bool                `json:"producer_connected"`
	Viewers           int64               `json:"viewers"`
	CurrentFPS        float64             `json:"current_fps"`
	QueueSize         int                 `json:"queue_size"`
	BufferSize        int                 `json:"buffer_size"`
	SystemState       control.SystemState `json:"system_state"`
	RecordingActive   bool                `json:"recording_active"`
}

type resetResponse struct {
	Status    string    `json:"status"`
	Reset     []string  `json:"reset"`
	Timestamp time.Time `json:"timestamp"`
}

type frameRateSettings struct {
	TargetFPS float64 `json:"target_fps"`
	MinFPS    float64 `json:"min_fps"`
	MaxFPS    float64 `json:"max_fps"`
}

type frameRateRequest struct {
	TargetFPS *float64 `json:"target_fps"`
	MinFPS    *float64 `json:"min_fps"`
	Persist   bool     `json:"persist"`
}

type frameRateResponse struct {
	frameRateSettings
	Persisted bool `json:"persisted"`
}

type enhancementRequest struct {
	Enabled *bool   `json:"enabled"`
	Mode    *string `json:"mode"`
	Persist bool    `json:"persist"`
}

type enhancementResponse struct {
	enhance.Settings
	Persisted bool `json:"persisted"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type recordingResponse struct {
	Action string          `json:"action"`
	Status recorder.Status `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// HandleHome redirects the root to the live feed.
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/esp32_video_feed", http.StatusFound)
}

// HandleFrame serves the most recent processed frame as a single JPEG.
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	f := h.deps.Latest.Load()
	if f == nil {
		h.writeError(w, http.StatusServiceUnavailable, "no frame available yet")
		return
	}

	out := h.deps.Controller.Snapshot()
	payload, err := stream.EncodeJPEG(f.Pixels, out.Quality)
	if err != nil {
		h.logger.Warn("frame-encode", "Failed to encode current frame", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "frame encoding failed")
		return
	}

	hdr := w.Header()
	stream.SetNoCache(hdr)
	stream.SetDiagnosticHeaders(hdr, h.deps.FPS.Current(time.Now()), out,
		h.deps.Buffer.Utilization(), h.deps.Network.Jitter())
	hdr.Set("Content-Type", "image/jpeg")
	hdr.Set("Content-Length", strconv.Itoa(len(payload)))
	w.Write(payload)
}

// HandlePerformanceStats returns the full stats object.
func (h *Handlers) HandlePerformanceStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	stats := PerformanceStats{
		Timestamp:     now,
		UptimeSeconds: now.Sub(h.started).Seconds(),
		FPS:           h.deps.FPS.Snapshot(now),
		Network:       h.deps.Network.Snapshot(),
		Buffer:        h.deps.Buffer.Stats(),
		Queue: QueueStats{
			Size:     h.deps.Queue.Len(),
			Capacity: h.deps.Config.Ingest.QueueCapacity,
		},
		Controller: h.deps.Controller.Snapshot(),
		Ingest:     h.deps.Ingest.Stats(),
		Processor: ProcessorStats{
			ProcessedFrames: h.deps.Processor.ProcessedFrames(),
			LastProcessed:   h.deps.Processor.LastProcessed(),
		},
		Viewers:     h.deps.Streamer.Viewers(),
		Enhancement: h.deps.Enhancer.Settings(),
	}

	if h.deps.RTP != nil {
		rtp := h.deps.RTP.Stats()
		stats.RTP = &rtp
	}
	if h.deps.Recorder != nil {
		if st, err := h.deps.Recorder.Status(); err != nil {
			stats.RecordingError = err.Error()
		} else {
			stats.Recording = &st
		}
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// HandleHealth returns the cheap liveness summary.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	state := h.deps.Controller.State()

	status := "healthy"
	switch state {
	case control.StateDegraded:
		status = "degraded"
	case control.StateCritical:
		status = "critical"
	}

	recording := false
	if h.deps.Recorder != nil {
		recording = h.deps.Recorder.Active()
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:            status,
		Timestamp:         now.UTC(),
		UptimeSeconds:     now.Sub(h.started).Seconds(),
		ProducerConnected: h.deps.Ingest.Stats().Connected,
		Viewers:           h.deps.Streamer.Viewers(),
		CurrentFPS:        h.deps.FPS.Current(now),
		QueueSize:         h.deps.Queue.Len(),
		BufferSize:        h.deps.Buffer.Size(),
		SystemState:       state,
		RecordingActive:   recording,
	})
}

// HandleSystemInfo returns host diagnostics and operator recommendations.
func (h *Handlers) HandleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info := collectSystemInfo(r.Context(), h.deps.Config.Recording.RootDir)
	info.Recommendations = recommend(info, h.deps.Controller.State(), h.deps.Buffer.Utilization())
	h.writeJSON(w, http.StatusOK, info)
}

// HandleResetStats zeroes every runtime counter and restores the controller
// setpoints.
func (h *Handlers) HandleResetStats(w http.ResponseWriter, r *http.Request) {
	h.deps.FPS.Reset()
	h.deps.Network.Reset()
	h.deps.Controller.Reset()
	h.deps.Ingest.ResetCounters()

	h.logger.Base().Info("Statistics reset via API", zap.String("remote", r.RemoteAddr))
	h.writeJSON(w, http.StatusOK, resetResponse{
		Status:    "ok",
		Reset:     []string{"fps", "network", "controller", "ingest"},
		Timestamp: time.Now().UTC(),
	})
}

// HandleFrameRateControl gets or sets the target and minimum FPS.
func (h *Handlers) HandleFrameRateControl(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, h.frameRateSnapshot())
	case http.MethodPost:
		h.updateFrameRate(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handlers) frameRateSnapshot() frameRateSettings {
	return frameRateSettings{
		TargetFPS: h.deps.FrameRate.TargetFPS(),
		MinFPS:    h.deps.FrameRate.MinFPS(),
		MaxFPS:    h.deps.FrameRate.MaxFPS(),
	}
}

func (h *Handlers) updateFrameRate(w http.ResponseWriter, r *http.Request) {
	var req frameRateRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.TargetFPS == nil && req.MinFPS == nil {
		h.writeError(w, http.StatusBadRequest, "provide target_fps and/or min_fps")
		return
	}

	fr := h.deps.FrameRate
	newTarget, newMin, maxFPS := fr.TargetFPS(), fr.MinFPS(), fr.MaxFPS()
	if req.TargetFPS != nil {
		newTarget = *req.TargetFPS
	}
	if req.MinFPS != nil {
		newMin = *req.MinFPS
	}
	if newMin <= 0 || newTarget < newMin || newTarget > maxFPS {
		h.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("fps out of range: need 0 < min_fps <= target_fps <= %.0f, got target %.1f min %.1f",
				maxFPS, newTarget, newMin))
		return
	}

	// Each setter validates against the other bound, so ordering matters
	// when both move at once.
	var err error
	if newMin <= fr.TargetFPS() {
		if err = fr.SetMinFPS(newMin); err == nil {
			err = fr.SetTargetFPS(newTarget)
		}
	} else {
		if err = fr.SetTargetFPS(newTarget); err == nil {
			err = fr.SetMinFPS(newMin)
		}
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.deps.Controller.SetTargetFPS(newTarget)
	h.deps.Network.SetTargetFPS(int(math.Round(newTarget)))

	persisted := false
	if req.Persist {
		err := h.persistConfig(func(cfg *config.Config) {
			cfg.Stream.TargetFPS = int(math.Round(newTarget))
			cfg.Stream.MinFPS = int(math.Round(newMin))
		})
		if err != nil {
			h.logger.Warn("config-save", "Failed to persist frame rate settings", zap.Error(err))
		} else {
			persisted = true
		}
	}

	h.logger.Base().Info("Frame rate updated via API",
		zap.Float64("target_fps", newTarget),
		zap.Float64("min_fps", newMin),
		zap.Bool("persisted", persisted))
	h.writeJSON(w, http.StatusOK, frameRateResponse{
		frameRateSettings: h.frameRateSnapshot(),
		Persisted:         persisted,
	})
}

// HandleImageEnhancement gets or sets the enhancer settings.
func (h *Handlers) HandleImageEnhancement(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, h.deps.Enhancer.Settings())
	case http.MethodPost:
		h.updateEnhancement(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handlers) updateEnhancement(w http.ResponseWriter, r *http.Request) {
	var req enhancementRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil && req.Mode == nil {
		h.writeError(w, http.StatusBadRequest, "provide enabled and/or mode")
		return
	}

	var mode enhance.Mode
	if req.Mode != nil {
		var err error
		if mode, err = enhance.ParseMode(*req.Mode); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if req.Mode != nil {
		if err := h.deps.Enhancer.SetMode(mode); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Enabled != nil {
		h.deps.Enhancer.SetEnabled(*req.Enabled)
	}

	persisted := false
	if req.Persist {
		settings := h.deps.Enhancer.Settings()
		err := h.persistConfig(func(cfg *config.Config) {
			cfg.Enhance.Enabled = settings.Enabled
			cfg.Enhance.Mode = settings.Mode
		})
		if err != nil {
			h.logger.Warn("config-save", "Failed to persist enhancement settings", zap.Error(err))
		} else {
			persisted = true
		}
	}

	h.logger.Base().Info("Enhancement settings updated via API",
		zap.Bool("enabled", h.deps.Enhancer.Enabled()),
		zap.String("mode", string(h.deps.Enhancer.Mode())),
		zap.Bool("persisted", persisted))
	h.writeJSON(w, http.StatusOK, enhancementResponse{
		Settings:  h.deps.Enhancer.Settings(),
		Persisted: persisted,
	})
}

// HandleEnhancementMode forces a specific enhancement mode.
func (h *Handlers) HandleEnhancementMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req modeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	mode, err := enhance.ParseMode(req.Mode)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.deps.Enhancer.SetMode(mode); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Base().Info("Enhancement mode forced via API", zap.String("mode", string(mode)))
	h.writeJSON(w, http.StatusOK, h.deps.Enhancer.Settings())
}

// HandleRecording dispatches /security_recording/<action> to the recorder.
func (h *Handlers) HandleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.deps.Recorder == nil {
		h.writeError(w, http.StatusServiceUnavailable, "security recording is disabled")
		return
	}

	action := strings.TrimPrefix(r.URL.Path, "/security_recording/")

	var (
		st  recorder.Status
		err error
	)
	switch action {
	case "status":
		st, err = h.deps.Recorder.Status()
	case "restart":
		st, err = h.deps.Recorder.Restart()
	case "merge":
		st, err = h.deps.Recorder.ForceMerge()
	case "cleanup":
		st, err = h.deps.Recorder.CleanupTinyVideos()
	case "disconnect":
		st, err = h.deps.Recorder.Disconnect()
	case "reconnect":
		st, err = h.deps.Recorder.Reconnect()
	case "reset":
		st, err = h.deps.Recorder.EmergencyReset()
	default:
		h.writeError(w, http.StatusNotFound, "unknown recording action "+strconv.Quote(action))
		return
	}
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "recorder did not respond: "+err.Error())
		return
	}

	if action != "status" {
		h.logger.Base().Info("Recorder action via API",
			zap.String("action", action), zap.String("remote", r.RemoteAddr))
	}
	h.writeJSON(w, http.StatusOK, recordingResponse{Action: action, Status: st})
}

// decodeBody parses a JSON request body, writing a 400 on failure.
func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxControlBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// persistConfig applies a mutation to the shared config and writes it back
// to the config file.
func (h *Handlers) persistConfig(mutate func(*config.Config)) error {
	if h.deps.ConfigPath == "" {
		return fmt.Errorf("no config file to persist to")
	}
	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()
	mutate(h.deps.Config)
	return config.SaveConfig(h.deps.Config, h.deps.ConfigPath)
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("json-encode", "Failed to encode JSON response", zap.Error(err))
	}
}

// writeError writes a JSON error response.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message, Status: status})
}

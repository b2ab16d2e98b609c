package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/metrics"
)

const (
	frameBacklog = 120

	autoSaveInterval       = time.Minute
	autoSaveIntervalLowFPS = 30 * time.Second
	autoSaveMinAge         = 30 * time.Second
	producerTimeout        = 30 * time.Second

	diskMergeMinDuration = 58 * time.Minute

	segmentErrorCooldown = time.Minute
	maxSegmentErrors     = 5
	maxConsecutiveErrors = 10
	maxRecoveries        = 3

	// Below this observed rate the producer is treated as a slow trickle:
	// frames get 1 fps playback and auto-save runs twice as often.
	lowFPSThreshold = 5.0
	lowFPSRecording = 1

	cmdTimeout           = 5 * time.Second
	shutdownFlushTimeout = 30 * time.Second
)

// ErrUnavailable is returned when the recorder task cannot take a command,
// usually because it is not running or is stuck in a long save.
var ErrUnavailable = errors.New("recorder unavailable")

// Config carries the recording policy knobs.
type Config struct {
	RootDir        string
	FFmpegPath     string
	FFprobePath    string
	RecordingFPS   int
	MinFrames      int
	MinDuration    time.Duration
	TargetDuration time.Duration
	MaxDuration    time.Duration
	MinBytes       int64
	RetentionDays  int
}

type cmdKind int

const (
	cmdStatus cmdKind = iota
	cmdRestart
	cmdForceMerge
	cmdCleanup
	cmdDisconnect
	cmdReconnect
	cmdEmergencyReset
	cmdMergeTick
	cmdRetentionTick
)

type command struct {
	kind  cmdKind
	reply chan cmdReply
}

type cmdReply struct {
	status Status
	err    error
}

type saveKind int

const (
	saveComplete saveKind = iota
	savePartial
	saveMerged
)

// Counters are the recorder's cumulative statistics.
type Counters struct {
	FramesRecorded   uint64 `json:"frames_recorded"`
	FramesDropped    uint64 `json:"frames_dropped"`
	InvalidFrames    uint64 `json:"invalid_frames"`
	SavesComplete    uint64 `json:"saves_complete"`
	SavesPartial     uint64 `json:"saves_partial"`
	SavesMerged      uint64 `json:"saves_merged"`
	HourFiles        uint64 `json:"hour_files"`
	SaveErrors       uint64 `json:"save_errors"`
	BytesWritten     uint64 `json:"bytes_written"`
	SegmentsDropped  uint64 `json:"segments_dropped"`
	ExpiredFiles     uint64 `json:"expired_files"`
	TinyFilesRemoved uint64 `json:"tiny_files_removed"`
}

// Status is a point-in-time view of the recorder for the status API.
type Status struct {
	Active            bool      `json:"active"`
	Disabled          bool      `json:"disabled"`
	LowFPSMode        bool      `json:"low_fps_mode"`
	RecordingFPS      int       `json:"recording_fps"`
	HourKey           string    `json:"hour_key,omitempty"`
	HourDir           string    `json:"hour_dir,omitempty"`
	LastFrameAt       time.Time `json:"last_frame_at"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Recoveries        int       `json:"recoveries"`
	Segments          []Health  `json:"segments"`
	Counters          Counters  `json:"counters"`

	Root                 string   `json:"root"`
	Subdirectories       []string `json:"subdirectories"`
	RetentionDays        int      `json:"retention_days"`
	MinFramesPerSegment  int      `json:"min_frames_per_segment"`
	MinSegmentSeconds    float64  `json:"min_segment_seconds"`
	TargetSegmentSeconds float64  `json:"target_segment_seconds"`
	MaxSegmentSeconds    float64  `json:"max_segment_seconds"`
	MinSegmentBytes      int64    `json:"min_segment_bytes"`
}

// Manager is the security recorder. All segment state belongs to the Run
// goroutine; frames arrive over a drop-oldest channel and control actions
// over a command channel, so there is exactly one writer and no locks.
type Manager struct {
	cfg       Config
	segPolicy Policy
	layout    *Layout
	writer    *VideoWriter
	logger    *loglimit.Logger
	cron      *cron.Cron

	frames  chan *frame.Frame
	cmds    chan command
	dropped atomic.Uint64
	live    atomic.Bool

	// Owned by the Run goroutine.
	runCtx     context.Context
	saveTicker *time.Ticker

	active    bool
	disabled  bool
	lowFPS    bool
	hourDir   string
	hourKey   string
	segSeq    int
	current   *Segment
	pending   []*Segment
	lastFrame time.Time
	gapEWMA   float64 // smoothed inter-frame gap, seconds

	consecErrors int
	recoveries   int
	gen          int // bumped whenever segment state is wholesale replaced
	counters     Counters
}

// NewManager builds the recorder. Call Run to start its task.
func NewManager(cfg Config, logger *loglimit.Logger) *Manager {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}

	m := &Manager{
		cfg:    cfg,
		layout: NewLayout(cfg.RootDir, logger.Base()),
		writer: NewVideoWriter(cfg.FFmpegPath, cfg.FFprobePath, cfg.MinBytes, logger),
		logger: logger,
		cron:   cron.New(),
		frames: make(chan *frame.Frame, frameBacklog),
		cmds:   make(chan command, 16),
		segPolicy: Policy{
			MinFrames:      cfg.MinFrames,
			MinDuration:    cfg.MinDuration,
			TargetDuration: cfg.TargetDuration,
			MaxDuration:    cfg.MaxDuration,
			ErrorCooldown:  segmentErrorCooldown,
			MaxErrors:      maxSegmentErrors,
		},
	}

	if _, err := m.cron.AddFunc("@every 5m", func() { m.post(cmdMergeTick) }); err != nil {
		logger.Base().Error("Failed to schedule merge job", zap.Error(err))
	}
	if _, err := m.cron.AddFunc("@hourly", func() { m.post(cmdRetentionTick) }); err != nil {
		logger.Base().Error("Failed to schedule retention job", zap.Error(err))
	}
	return m
}

// Submit hands a frame to the recorder without ever blocking the caller.
// When the backlog is full the oldest queued frame is dropped first.
func (m *Manager) Submit(f *frame.Frame) {
	if f == nil {
		return
	}
	select {
	case m.frames <- f:
		return
	default:
	}
	select {
	case <-m.frames:
		m.dropped.Add(1)
		metrics.RecordDrop("recorder_backlog")
	default:
	}
	select {
	case m.frames <- f:
	default:
		m.dropped.Add(1)
		metrics.RecordDrop("recorder_backlog")
	}
}

// NotifyReconnect signals a new producer session without waiting for the
// recorder to act on it.
func (m *Manager) NotifyReconnect() { m.post(cmdReconnect) }

// NotifyDisconnect signals the end of the producer session without waiting
// for the flush to finish.
func (m *Manager) NotifyDisconnect() { m.post(cmdDisconnect) }

// Active reports whether a recording session is open. Unlike Status it does
// not round-trip through the run loop, so it is safe on hot paths.
func (m *Manager) Active() bool { return m.live.Load() }

// Status reports the recorder state.
func (m *Manager) Status() (Status, error) { return m.do(cmdStatus) }

// Restart flushes everything and starts a fresh recording session.
func (m *Manager) Restart() (Status, error) { return m.do(cmdRestart) }

// ForceMerge runs the in-memory and on-disk merge passes immediately.
func (m *Manager) ForceMerge() (Status, error) { return m.do(cmdForceMerge) }

// CleanupTinyVideos deletes undersized video files from the recording tree.
func (m *Manager) CleanupTinyVideos() (Status, error) { return m.do(cmdCleanup) }

// Disconnect force-saves all buffered segments and deactivates recording.
func (m *Manager) Disconnect() (Status, error) { return m.do(cmdDisconnect) }

// Reconnect cleans up leftovers and starts a new recording session.
func (m *Manager) Reconnect() (Status, error) { return m.do(cmdReconnect) }

// EmergencyReset clears all recorder state, including the recovery budget.
func (m *Manager) EmergencyReset() (Status, error) { return m.do(cmdEmergencyReset) }

func (m *Manager) post(kind cmdKind) {
	select {
	case m.cmds <- command{kind: kind}:
	default:
	}
}

func (m *Manager) do(kind cmdKind) (Status, error) {
	reply := make(chan cmdReply, 1)
	select {
	case m.cmds <- command{kind: kind, reply: reply}:
	case <-time.After(cmdTimeout):
		return Status{}, ErrUnavailable
	}
	select {
	case r := <-reply:
		return r.status, r.err
	case <-time.After(cmdTimeout):
		return Status{}, ErrUnavailable
	}
}

// Run owns all recorder state until the context is canceled, at which
// point buffered segments are flushed to disk.
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx = ctx
	m.logger.Base().Info("Security recorder started",
		zap.String("root", m.layout.Root()),
		zap.Int("recording_fps", m.cfg.RecordingFPS),
		zap.Int("retention_days", m.cfg.RetentionDays))

	m.cron.Start()
	defer m.cron.Stop()

	m.saveTicker = time.NewTicker(autoSaveInterval)
	defer m.saveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			m.disconnect(flushCtx, time.Now(), "shutdown")
			cancel()
			m.logger.Base().Info("Security recorder stopped")
			return nil
		case f := <-m.frames:
			m.handleFrame(f, time.Now())
		case c := <-m.cmds:
			m.handle(c, time.Now())
		case now := <-m.saveTicker.C:
			m.autoSave(ctx, now)
		}
	}
}

func (m *Manager) handle(c command, now time.Time) {
	var err error
	switch c.kind {
	case cmdStatus:
	case cmdRestart:
		m.disconnect(m.runCtx, now, "restart requested")
		m.startSession(now)
		if !m.active {
			err = errors.New("failed to start recording session")
		}
	case cmdForceMerge:
		err = m.merge(m.runCtx, now)
	case cmdCleanup:
		err = m.cleanupTiny()
	case cmdDisconnect:
		m.disconnect(m.runCtx, now, "producer disconnected")
	case cmdReconnect:
		m.disconnect(m.runCtx, now, "new producer session")
		m.startSession(now)
	case cmdEmergencyReset:
		m.emergencyReset(now)
	case cmdMergeTick:
		if !m.disabled {
			if mergeErr := m.merge(m.runCtx, now); mergeErr != nil {
				m.logger.Warn("recorder-merge", "Scheduled merge failed", zap.Error(mergeErr))
			}
		}
	case cmdRetentionTick:
		m.sweep(now)
	}
	if c.reply != nil {
		c.reply <- cmdReply{status: m.snapshot(now), err: err}
	}
}

func (m *Manager) handleFrame(f *frame.Frame, now time.Time) {
	if m.disabled {
		metrics.RecordDrop("recorder_disabled")
		return
	}
	if f == nil || f.Pixels == nil || f.Pixels.Bounds().Empty() {
		m.counters.InvalidFrames++
		metrics.RecordDrop("recorder_invalid")
		return
	}

	m.observeInterval(now)

	if !m.active {
		m.startSession(now)
		if !m.active {
			return
		}
	}
	if hourKeyOf(now) != m.hourKey {
		m.rotateHour(now)
	}

	if m.current == nil {
		m.current = newSegment(m.nextSeq(), m.hourKey, now, m.segPolicy)
	} else if m.current.NeedsRotation(now) {
		m.finalizeCurrent(now)
		m.current = newSegment(m.nextSeq(), m.hourKey, now, m.segPolicy)
	}

	data, err := encodeForRecording(f.Pixels)
	if err != nil {
		m.counters.InvalidFrames++
		metrics.RecordDrop("recorder_encode")
		m.logger.Warn("recorder-encode", "Failed to encode frame for recording", zap.Error(err))
		return
	}
	if err := m.current.Add(data, now); err != nil {
		m.counters.InvalidFrames++
		return
	}
	m.counters.FramesRecorded++
}

// observeInterval keeps a smoothed inter-frame gap and flips low-FPS mode
// around the 5 fps boundary.
func (m *Manager) observeInterval(now time.Time) {
	if !m.lastFrame.IsZero() {
		gap := now.Sub(m.lastFrame).Seconds()
		if m.gapEWMA == 0 {
			m.gapEWMA = gap
		} else {
			m.gapEWMA = 0.8*m.gapEWMA + 0.2*gap
		}
		if m.gapEWMA > 0 {
			fps := 1 / m.gapEWMA
			if !m.lowFPS && fps < lowFPSThreshold {
				m.setLowFPS(true)
			} else if m.lowFPS && fps >= lowFPSThreshold {
				m.setLowFPS(false)
			}
		}
	}
	m.lastFrame = now
}

func (m *Manager) setLowFPS(on bool) {
	if on == m.lowFPS {
		return
	}
	m.lowFPS = on
	interval := autoSaveInterval
	if on {
		interval = autoSaveIntervalLowFPS
	}
	if m.saveTicker != nil {
		m.saveTicker.Reset(interval)
	}
	m.logger.Base().Info("Recorder low-FPS mode changed",
		zap.Bool("enabled", on), zap.Int("recording_fps", m.effectiveFPS()))
}

func (m *Manager) effectiveFPS() int {
	if m.lowFPS {
		return lowFPSRecording
	}
	return m.cfg.RecordingFPS
}

func (m *Manager) nextSeq() int {
	m.segSeq++
	return m.segSeq
}

// setActive mirrors the loop-owned flag into the atomic read by Active.
func (m *Manager) setActive(on bool) {
	m.active = on
	m.live.Store(on)
}

func (m *Manager) startSession(now time.Time) {
	if m.active {
		return
	}
	dir, err := m.layout.HourDir(now)
	if err != nil {
		m.logger.Error("recorder-session", "Cannot start recording session", zap.Error(err))
		return
	}
	m.hourDir = dir
	m.hourKey = hourKeyOf(now)
	m.segSeq = 0
	m.setActive(true)
	m.logger.Base().Info("Recording session started",
		zap.String("hour_key", m.hourKey), zap.String("dir", dir))
}

// rotateHour finalizes the current segment and moves on to the next hour's
// directory. Segment numbering restarts per hour.
func (m *Manager) rotateHour(now time.Time) {
	m.finalizeCurrent(now)
	dir, err := m.layout.HourDir(now)
	if err != nil {
		m.logger.Error("recorder-session", "Cannot create next hour directory", zap.Error(err))
	} else {
		m.hourDir = dir
	}
	m.hourKey = hourKeyOf(now)
	m.segSeq = 0
	m.logger.Base().Info("Recording hour rolled over", zap.String("hour_key", m.hourKey))
}

// finalizeCurrent closes the current segment: ready segments are saved as
// complete videos, the rest wait in pending for merge or auto-save.
func (m *Manager) finalizeCurrent(now time.Time) {
	seg := m.current
	m.current = nil
	if seg == nil || seg.FrameCount() == 0 {
		return
	}
	if seg.Ready() && m.saveSegment(m.runCtx, now, seg, saveComplete, false) {
		return
	}
	m.pending = append(m.pending, seg)
}

// autoSave runs on the save ticker: it detects a dead producer, flushes
// stale pending segments as partial files, and sheds condemned ones.
func (m *Manager) autoSave(ctx context.Context, now time.Time) {
	if m.disabled {
		return
	}
	if m.active && !m.lastFrame.IsZero() && now.Sub(m.lastFrame) > producerTimeout {
		m.logger.Base().Warn("Producer timed out, flushing recorder",
			zap.Duration("idle", now.Sub(m.lastFrame).Round(time.Second)))
		m.disconnect(ctx, now, "producer timeout")
		return
	}

	gen := m.gen
	var kept []*Segment
	for _, seg := range m.pending {
		switch {
		case seg.CleanupRequired():
			m.counters.SegmentsDropped++
			m.logger.Warn("recorder-cleanup", "Dropping condemned segment",
				zap.Int("number", seg.number), zap.String("hour_key", seg.hourKey),
				zap.Int("frames", seg.FrameCount()))
		case seg.FrameCount() == 0:
		case seg.Ready():
			if !m.saveSegment(ctx, now, seg, saveComplete, false) {
				kept = append(kept, seg)
			}
		case seg.Age(now) >= autoSaveMinAge:
			if !m.saveSegment(ctx, now, seg, savePartial, false) {
				kept = append(kept, seg)
			}
		default:
			kept = append(kept, seg)
		}
		if m.gen != gen {
			return // state was replaced underneath the walk
		}
	}
	m.pending = kept
}

// merge coalesces same-hour segments, first in memory and then on disk.
func (m *Manager) merge(ctx context.Context, now time.Time) error {
	return errors.Join(m.mergeInMemory(ctx, now), m.mergeOnDisk(ctx, now))
}

func (m *Manager) mergeInMemory(ctx context.Context, now time.Time) error {
	groups := make(map[string][]*Segment)
	var kept []*Segment
	for _, seg := range m.pending {
		if seg.CanMerge() {
			groups[seg.hourKey] = append(groups[seg.hourKey], seg)
		} else {
			kept = append(kept, seg)
		}
	}

	// Oldest groups first; their data has waited longest.
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return maxPriority(groups[keys[i]], now) > maxPriority(groups[keys[j]], now)
	})

	gen := m.gen
	var firstErr error
	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			kept = append(kept, group...)
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].StartTime().Before(group[j].StartTime())
		})

		merged := newSegment(group[0].number, key, earliestCreation(group), m.segPolicy)
		for _, seg := range group {
			merged.Absorb(seg)
		}
		m.logger.Base().Info("Merged segments in memory",
			zap.String("hour_key", key), zap.Int("inputs", len(group)),
			zap.Int("frames", merged.FrameCount()))

		if merged.Ready() {
			if m.saveSegment(ctx, now, merged, saveMerged, false) {
				continue // inputs retired with the save
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("save of merged segment %s failed", key)
			}
			if m.gen != gen {
				return firstErr // state was replaced underneath the walk
			}
		}
		kept = append(kept, merged)
	}
	if m.gen != gen {
		return firstErr
	}
	m.pending = kept
	return firstErr
}

func maxPriority(group []*Segment, now time.Time) float64 {
	best := 0.0
	for _, seg := range group {
		if p := seg.MergePriority(now); p > best {
			best = p
		}
	}
	return best
}

func earliestCreation(group []*Segment) time.Time {
	earliest := group[0].createdAt
	for _, seg := range group[1:] {
		if seg.createdAt.Before(earliest) {
			earliest = seg.createdAt
		}
	}
	return earliest
}

// mergeOnDisk walks every partial_segments directory: hours with at least
// 58 minutes of footage become a complete-hour file, smaller groups are
// coalesced into a single partial so each hour holds at most one.
func (m *Manager) mergeOnDisk(ctx context.Context, now time.Time) error {
	var partialDirs []string
	_ = filepath.WalkDir(m.layout.Root(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && d.Name() == subdirPartialSegments {
			partialDirs = append(partialDirs, path)
		}
		return nil
	})

	var errs []error
	for _, pdir := range partialDirs {
		if err := m.mergePartialDir(ctx, now, pdir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) mergePartialDir(ctx context.Context, now time.Time, pdir string) error {
	hourDir := filepath.Dir(pdir)
	hourStart, ok := parseHourDir(hourDir)
	if !ok {
		return nil // fallback directories carry no hour in their path
	}

	entries, err := os.ReadDir(pdir)
	if err != nil {
		return fmt.Errorf("read partial dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".mp4") {
			files = append(files, filepath.Join(pdir, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil
	}

	var total time.Duration
	var probed []string
	for _, f := range files {
		d, err := m.writer.ProbeDuration(ctx, f)
		if err != nil {
			m.logger.Warn("recorder-probe", "Failed to probe partial segment",
				zap.String("path", f), zap.Error(err))
			continue
		}
		total += d
		probed = append(probed, f)
	}
	if len(probed) == 0 {
		return nil
	}

	if total >= diskMergeMinDuration {
		out := filepath.Join(CompleteDir(hourDir), completeHourFileName(hourStart))
		if err := m.writer.Concat(ctx, probed, out); err != nil {
			m.recordProcessError(now)
			return fmt.Errorf("hour merge %s: %w", hourKeyOf(hourStart), err)
		}
		removeFiles(probed)
		m.counters.HourFiles++
		m.consecErrors = 0
		metrics.SegmentsSavedTotal.WithLabelValues("hour").Inc()
		m.logger.Base().Info("Assembled complete hour",
			zap.String("path", out), zap.Duration("footage", total.Round(time.Second)),
			zap.Int("inputs", len(probed)))
		return nil
	}

	if len(probed) >= 2 {
		tmp := filepath.Join(pdir, ".coalesce.tmp")
		if err := m.writer.Concat(ctx, probed, tmp); err != nil {
			m.recordProcessError(now)
			return fmt.Errorf("partial coalesce %s: %w", hourKeyOf(hourStart), err)
		}
		keep := filepath.Base(probed[0])
		removeFiles(probed)
		if err := os.Rename(tmp, filepath.Join(pdir, keep)); err != nil {
			return fmt.Errorf("partial coalesce %s: %w", hourKeyOf(hourStart), err)
		}
		m.logger.Base().Info("Coalesced partial segments",
			zap.String("hour_key", hourKeyOf(hourStart)), zap.Int("inputs", len(probed)))
	}
	return nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

func parseHourDir(hourDir string) (time.Time, bool) {
	hour := filepath.Base(hourDir)
	date := filepath.Base(filepath.Dir(hourDir))
	t, err := time.ParseInLocation("2006010215", date+hour, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// saveSegment writes one segment. final bypasses the per-segment error
// cooldown for last-chance flushes. Reports whether the segment is now on
// disk and can be dropped from memory.
func (m *Manager) saveSegment(ctx context.Context, now time.Time, seg *Segment, kind saveKind, final bool) bool {
	if !final && !seg.CanAttempt(now) {
		return false
	}

	hd, err := m.layout.HourDir(seg.StartTime())
	if err != nil {
		m.recordSaveError(now, seg, err, "")
		return false
	}

	var path, label string
	force := final
	switch kind {
	case saveComplete:
		path = filepath.Join(CompleteDir(hd), completeFileName(seg))
		label = "complete"
	case savePartial:
		path = filepath.Join(PartialDir(hd), partialFileName(seg))
		label = "partial"
		force = true
	case saveMerged:
		path = filepath.Join(MergedDir(hd), mergedFileName(seg.StartTime(), now))
		label = "merged"
	}

	size, err := m.writer.Save(ctx, seg, path, m.effectiveFPS(), force)
	if err != nil {
		m.recordSaveError(now, seg, err, path)
		return false
	}

	m.consecErrors = 0
	switch kind {
	case saveComplete:
		m.counters.SavesComplete++
	case savePartial:
		m.counters.SavesPartial++
	case saveMerged:
		m.counters.SavesMerged++
	}
	m.counters.BytesWritten += uint64(size)
	metrics.SegmentsSavedTotal.WithLabelValues(label).Inc()
	metrics.RecorderBytesWrittenTotal.Add(float64(size))
	m.logger.Info("recorder-save", "Saved video segment",
		zap.String("path", path),
		zap.String("kind", label),
		zap.Int("frames", seg.FrameCount()),
		zap.Duration("duration", seg.Duration().Round(time.Second)),
		zap.Int64("bytes", size))
	return true
}

func (m *Manager) recordSaveError(now time.Time, seg *Segment, err error, path string) {
	seg.RecordError(now)
	m.counters.SaveErrors++
	metrics.RecorderErrorsTotal.Inc()
	m.logger.Warn("recorder-save-error", "Failed to save segment",
		zap.String("path", path),
		zap.Int("number", seg.number),
		zap.Int("frames", seg.FrameCount()),
		zap.Int("segment_errors", seg.errors),
		zap.Error(err))
	if seg.CleanupRequired() {
		m.logger.Base().Warn("Segment condemned after repeated save failures",
			zap.Int("number", seg.number), zap.String("hour_key", seg.hourKey))
	}
	m.recordProcessError(now)
}

func (m *Manager) recordProcessError(now time.Time) {
	m.consecErrors++
	if m.consecErrors >= maxConsecutiveErrors {
		m.criticalRecovery(now)
	}
}

// criticalRecovery discards all in-memory segments and restarts the
// recorder from scratch. After the recovery budget is spent the recorder
// stays disabled until an operator emergency reset.
func (m *Manager) criticalRecovery(now time.Time) {
	m.gen++
	m.consecErrors = 0
	m.current = nil
	m.pending = nil
	m.lastFrame = time.Time{}
	m.gapEWMA = 0
	m.setActive(false)

	m.recoveries++
	if m.recoveries > maxRecoveries {
		m.disabled = true
		m.logger.Base().Error("Recorder disabled after exhausting recovery budget",
			zap.Int("max_recoveries", maxRecoveries))
		return
	}
	m.logger.Base().Error("Recorder critical recovery",
		zap.Int("attempt", m.recoveries), zap.Int("max", maxRecoveries))
	if _, err := m.layout.HourDir(now); err != nil {
		m.logger.Base().Error("Directory repair failed during recovery", zap.Error(err))
	}
}

// emergencyReset wipes every piece of recorder state, including the
// recovery budget, and lets recording resume from a clean slate.
func (m *Manager) emergencyReset(now time.Time) {
	m.gen++
	m.current = nil
	m.pending = nil
	m.setActive(false)
	m.disabled = false
	m.consecErrors = 0
	m.recoveries = 0
	m.lastFrame = time.Time{}
	m.gapEWMA = 0
	m.setLowFPS(false)
	m.logger.Base().Warn("Recorder state reset")
	if _, err := m.layout.HourDir(now); err != nil {
		m.logger.Base().Error("Directory repair failed during reset", zap.Error(err))
	}
}

// disconnect ends the producer session: trailing corrupt frames are
// dropped and every non-empty segment is force-saved, however short.
func (m *Manager) disconnect(ctx context.Context, now time.Time, reason string) {
	if !m.active && m.current == nil && len(m.pending) == 0 {
		return
	}
	m.gen++

	if m.current != nil {
		if n := m.current.DropCorruptTail(); n > 0 {
			m.logger.Base().Warn("Dropped corrupt trailing frames", zap.Int("frames", n))
		}
		if m.current.FrameCount() > 0 {
			m.pending = append(m.pending, m.current)
		}
		m.current = nil
	}

	flushed := 0
	for _, seg := range m.pending {
		if seg.FrameCount() == 0 {
			continue
		}
		if seg.CleanupRequired() {
			m.counters.SegmentsDropped++
			continue
		}
		if m.saveSegment(ctx, now, seg, savePartial, true) {
			flushed++
		} else {
			m.counters.SegmentsDropped++
		}
	}
	m.pending = nil
	m.setActive(false)
	m.lastFrame = time.Time{}
	m.gapEWMA = 0
	m.setLowFPS(false)
	m.logger.Base().Info("Recorder flushed",
		zap.String("reason", reason), zap.Int("segments_saved", flushed))
}

// cleanupTiny removes video files below the minimum size from the whole
// recording tree.
func (m *Manager) cleanupTiny() error {
	removed := 0
	err := filepath.WalkDir(m.layout.Root(), func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".mp4") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() < m.cfg.MinBytes {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	m.counters.TinyFilesRemoved += uint64(removed)
	m.logger.Base().Info("Removed undersized videos", zap.Int("files", removed))
	return err
}

func (m *Manager) sweep(now time.Time) {
	if m.cfg.RetentionDays <= 0 {
		return
	}
	retention := time.Duration(m.cfg.RetentionDays) * 24 * time.Hour
	files, dirs, err := m.layout.Sweep(now, retention)
	if err != nil {
		m.logger.Warn("recorder-sweep", "Retention sweep failed", zap.Error(err))
		return
	}
	m.counters.ExpiredFiles += uint64(files)
	if files > 0 || dirs > 0 {
		m.logger.Base().Info("Retention sweep finished",
			zap.Int("files_removed", files), zap.Int("dirs_removed", dirs),
			zap.Int("retention_days", m.cfg.RetentionDays))
	}
}

func (m *Manager) snapshot(now time.Time) Status {
	segs := make([]Health, 0, len(m.pending)+1)
	if m.current != nil {
		segs = append(segs, m.current.health(now, true))
	}
	for _, seg := range m.pending {
		segs = append(segs, seg.health(now, false))
	}

	counters := m.counters
	counters.FramesDropped = m.dropped.Load()

	return Status{
		Active:            m.active,
		Disabled:          m.disabled,
		LowFPSMode:        m.lowFPS,
		RecordingFPS:      m.effectiveFPS(),
		HourKey:           m.hourKey,
		HourDir:           m.hourDir,
		LastFrameAt:       m.lastFrame,
		ConsecutiveErrors: m.consecErrors,
		Recoveries:        m.recoveries,
		Segments:          segs,
		Counters:          counters,

		Root:                 m.layout.Root(),
		Subdirectories:       []string{subdirCompleteHours, subdirPartialSegments, subdirMergedVideos},
		RetentionDays:        m.cfg.RetentionDays,
		MinFramesPerSegment:  m.cfg.MinFrames,
		MinSegmentSeconds:    m.cfg.MinDuration.Seconds(),
		TargetSegmentSeconds: m.cfg.TargetDuration.Seconds(),
		MaxSegmentSeconds:    m.cfg.MaxDuration.Seconds(),
		MinSegmentBytes:      m.cfg.MinBytes,
	}
}

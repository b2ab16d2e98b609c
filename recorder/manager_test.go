package recorder

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
)

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		RootDir:        filepath.Join(t.TempDir(), "videos"),
		FFmpegPath:     "/bin/false",
		FFprobePath:    "/bin/false",
		RecordingFPS:   60,
		MinFrames:      100,
		MinDuration:    time.Second,
		TargetDuration: 10 * time.Second,
		MaxDuration:    30 * time.Second,
		MinBytes:       1000,
		RetentionDays:  14,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg, loglimit.New(zaptest.NewLogger(t), time.Second, time.Second))
	m.runCtx = context.Background()
	return m
}

// fakeTool writes an executable shell script standing in for ffmpeg or
// ffprobe.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

// fakeFFmpeg consumes stdin and writes n bytes to its last argument, the
// output path in every invocation the writer builds.
func fakeFFmpeg(t *testing.T, n int) string {
	t.Helper()
	return fakeTool(t, fmt.Sprintf(`cat >/dev/null
for a in "$@"; do out="$a"; done
head -c %d /dev/zero > "$out"`, n))
}

func fakeFFprobe(t *testing.T, seconds string) string {
	t.Helper()
	return fakeTool(t, "echo "+seconds)
}

func testFrame(ts time.Time) *frame.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	return frame.New(img, ts, 1, 10*time.Millisecond, 50, 1024, "camera")
}

// findFiles returns base names of files under root matching the prefix.
func findFiles(t *testing.T, root, prefix string) []string {
	t.Helper()
	var found []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), prefix) {
			found = append(found, d.Name())
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

func TestSubmitNeverBlocks(t *testing.T) {
	m := newTestManager(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2*frameBacklog; i++ {
			m.Submit(testFrame(time.Now()))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Submit blocked with no consumer")
	}
	assert.Positive(t, m.dropped.Load())
}

func TestHandleFrameStartsSession(t *testing.T) {
	m := newTestManager(t, nil)
	now := time.Date(2026, 1, 2, 10, 15, 0, 0, time.Local)

	m.handleFrame(testFrame(now), now)

	assert.True(t, m.active)
	assert.Equal(t, "20260102_10", m.hourKey)
	require.NotNil(t, m.current)
	assert.Equal(t, 1, m.current.FrameCount())
	assert.EqualValues(t, 1, m.counters.FramesRecorded)
	assert.DirExists(t, PartialDir(m.hourDir))
}

func TestHandleFrameRejectsInvalidFrames(t *testing.T) {
	m := newTestManager(t, nil)
	now := time.Now()

	m.handleFrame(nil, now)
	m.handleFrame(&frame.Frame{}, now)
	m.handleFrame(&frame.Frame{Pixels: &image.RGBA{}}, now)

	assert.EqualValues(t, 3, m.counters.InvalidFrames)
	assert.Zero(t, m.counters.FramesRecorded)
}

func TestHandleFrameRotatesAtTargetDuration(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.TargetDuration = 100 * time.Millisecond })
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.Local)

	for _, offset := range []time.Duration{0, 60 * time.Millisecond, 150 * time.Millisecond} {
		ts := base.Add(offset)
		m.handleFrame(testFrame(ts), ts)
	}
	require.Len(t, m.pending, 0)

	// The current segment now spans past the target, so the next frame
	// opens a new one.
	ts := base.Add(250 * time.Millisecond)
	m.handleFrame(testFrame(ts), ts)

	require.Len(t, m.pending, 1)
	assert.Equal(t, 3, m.pending[0].FrameCount())
	require.NotNil(t, m.current)
	assert.Equal(t, 1, m.current.FrameCount())
	assert.Equal(t, 2, m.current.number)
}

func TestHourRolloverResetsNumbering(t *testing.T) {
	m := newTestManager(t, nil)
	before := time.Date(2026, 1, 2, 10, 59, 59, 0, time.Local)
	after := time.Date(2026, 1, 2, 11, 0, 1, 0, time.Local)

	m.handleFrame(testFrame(before), before)
	require.Equal(t, "20260102_10", m.hourKey)

	m.handleFrame(testFrame(after), after)

	assert.Equal(t, "20260102_11", m.hourKey)
	require.Len(t, m.pending, 1)
	require.NotNil(t, m.current)
	assert.Equal(t, 1, m.current.number)
	assert.Equal(t, "20260102_11", m.current.hourKey)
}

func TestAutoSaveFlushesStaleSegments(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.FFmpegPath = fakeFFmpeg(t, 600_000) })
	now := time.Now()

	stale := newSegment(1, hourKeyOf(now), now.Add(-40*time.Second), m.segPolicy)
	fillSegment(t, stale, 10, now.Add(-40*time.Second), 5*time.Second)
	m.pending = []*Segment{stale}
	m.active = true
	m.lastFrame = now.Add(-time.Second)

	m.autoSave(context.Background(), now)

	assert.Empty(t, m.pending)
	assert.EqualValues(t, 1, m.counters.SavesPartial)
	assert.Len(t, findFiles(t, m.layout.Root(), "partial_"), 1)
}

func TestAutoSaveSkipsYoungSegments(t *testing.T) {
	m := newTestManager(t, nil)
	now := time.Now()

	young := newSegment(1, hourKeyOf(now), now.Add(-10*time.Second), m.segPolicy)
	fillSegment(t, young, 10, now.Add(-10*time.Second), 5*time.Second)
	m.pending = []*Segment{young}
	m.active = true
	m.lastFrame = now.Add(-time.Second)

	m.autoSave(context.Background(), now)

	assert.Len(t, m.pending, 1)
	assert.Zero(t, m.counters.SavesPartial)
}

func TestAutoSaveDetectsDeadProducer(t *testing.T) {
	m := newTestManager(t, nil)
	now := time.Now()
	m.active = true
	m.lastFrame = now.Add(-40 * time.Second)

	m.autoSave(context.Background(), now)

	assert.False(t, m.active)
	assert.True(t, m.lastFrame.IsZero())
}

func TestDisconnectFlushesAllSegments(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.FFmpegPath = fakeFFmpeg(t, 600_000) })
	now := time.Now()

	m.active = true
	m.current = newSegment(1, hourKeyOf(now), now.Add(-20*time.Second), m.segPolicy)
	fillSegment(t, m.current, 5, now.Add(-20*time.Second), 10*time.Second)
	require.NoError(t, m.current.Add([]byte{0xFF, 0xD8, 0x00}, now)) // torn last frame

	older := newSegment(2, hourKeyOf(now), now.Add(-25*time.Second), m.segPolicy)
	fillSegment(t, older, 3, now.Add(-25*time.Second), 2*time.Second)
	m.pending = []*Segment{older}

	m.disconnect(context.Background(), now, "test")

	assert.False(t, m.active)
	assert.Nil(t, m.current)
	assert.Empty(t, m.pending)
	assert.EqualValues(t, 2, m.counters.SavesPartial)
	assert.Len(t, findFiles(t, m.layout.Root(), "partial_"), 2)
}

func TestCriticalRecoveryAndEmergencyReset(t *testing.T) {
	m := newTestManager(t, nil)
	now := time.Now()
	m.active = true
	m.pending = []*Segment{newSegment(1, hourKeyOf(now), now, m.segPolicy)}

	for i := 0; i < maxConsecutiveErrors; i++ {
		m.recordProcessError(now)
	}
	assert.Equal(t, 1, m.recoveries)
	assert.Zero(t, m.consecErrors)
	assert.Empty(t, m.pending)
	assert.False(t, m.active)
	assert.False(t, m.disabled)

	// Burn the remaining recovery budget.
	for r := 0; r < maxRecoveries; r++ {
		for i := 0; i < maxConsecutiveErrors; i++ {
			m.recordProcessError(now)
		}
	}
	assert.True(t, m.disabled)

	m.handleFrame(testFrame(now), now)
	assert.Zero(t, m.counters.FramesRecorded)

	m.emergencyReset(now)
	assert.False(t, m.disabled)
	assert.Zero(t, m.recoveries)

	m.handleFrame(testFrame(now), now)
	assert.EqualValues(t, 1, m.counters.FramesRecorded)
}

func TestMergeInMemorySavesWhenReady(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.FFmpegPath = fakeFFmpeg(t, 600_000) })
	now := time.Now()
	start := now.Add(-5 * time.Minute)
	key := hourKeyOf(start)

	first := newSegment(1, key, start, m.segPolicy)
	fillSegment(t, first, 60, start, time.Second)
	second := newSegment(2, key, start.Add(1100*time.Millisecond), m.segPolicy)
	fillSegment(t, second, 60, start.Add(1100*time.Millisecond), time.Second)
	m.pending = []*Segment{first, second}

	require.NoError(t, m.mergeInMemory(context.Background(), now))

	assert.Empty(t, m.pending)
	assert.EqualValues(t, 1, m.counters.SavesMerged)
	assert.Len(t, findFiles(t, m.layout.Root(), "merged_"), 1)
}

func TestMergeInMemoryKeepsUnreadyResult(t *testing.T) {
	m := newTestManager(t, nil)
	now := time.Now()
	key := hourKeyOf(now)

	first := newSegment(1, key, now.Add(-10*time.Second), m.segPolicy)
	fillSegment(t, first, 5, now.Add(-10*time.Second), time.Second)
	second := newSegment(2, key, now.Add(-8*time.Second), m.segPolicy)
	fillSegment(t, second, 5, now.Add(-8*time.Second), time.Second)
	m.pending = []*Segment{first, second}

	require.NoError(t, m.mergeInMemory(context.Background(), now))

	require.Len(t, m.pending, 1)
	assert.Equal(t, 10, m.pending[0].FrameCount())
	assert.Zero(t, m.counters.SavesMerged)
}

func TestMergeInMemoryHonorsRecoveryWipe(t *testing.T) {
	// Default config points ffmpeg at /bin/false, so the merged save fails.
	m := newTestManager(t, nil)
	now := time.Now()
	start := now.Add(-5 * time.Minute)
	key := hourKeyOf(start)

	first := newSegment(1, key, start, m.segPolicy)
	fillSegment(t, first, 60, start, time.Second)
	second := newSegment(2, key, start.Add(1100*time.Millisecond), m.segPolicy)
	fillSegment(t, second, 60, start.Add(1100*time.Millisecond), time.Second)
	m.pending = []*Segment{first, second}

	// The next error tips the consecutive-error count over the limit, so the
	// failed merged save triggers critical recovery mid-walk. The walk must
	// not write its kept segments back over the wiped state.
	m.consecErrors = maxConsecutiveErrors - 1

	err := m.mergeInMemory(context.Background(), now)

	require.Error(t, err)
	assert.Equal(t, 1, m.recoveries)
	assert.Zero(t, m.consecErrors)
	assert.Empty(t, m.pending, "recovery discarded all segments; the merge walk must not resurrect them")
	assert.Zero(t, m.counters.SavesMerged)
}

func TestMergeOnDiskAssemblesCompleteHour(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.FFmpegPath = fakeFFmpeg(t, 600_000)
		c.FFprobePath = fakeFFprobe(t, "1750.0")
	})
	hour := time.Date(2026, 1, 2, 10, 0, 0, 0, time.Local)
	hourDir, err := m.layout.HourDir(hour)
	require.NoError(t, err)
	for _, name := range []string{"partial_100000_01.mp4", "partial_101500_02.mp4"} {
		require.NoError(t, os.WriteFile(filepath.Join(PartialDir(hourDir), name), []byte("x"), 0o644))
	}

	require.NoError(t, m.mergeOnDisk(context.Background(), time.Now()))

	assert.Empty(t, findFiles(t, PartialDir(hourDir), "partial_"))
	assert.Len(t, findFiles(t, CompleteDir(hourDir), "complete_hour_"), 1)
	assert.EqualValues(t, 1, m.counters.HourFiles)
}

func TestMergeOnDiskCoalescesBelowThreshold(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.FFmpegPath = fakeFFmpeg(t, 600_000)
		c.FFprobePath = fakeFFprobe(t, "60.0")
	})
	hour := time.Date(2026, 1, 2, 10, 0, 0, 0, time.Local)
	hourDir, err := m.layout.HourDir(hour)
	require.NoError(t, err)
	for _, name := range []string{"partial_100000_01.mp4", "partial_101500_02.mp4"} {
		require.NoError(t, os.WriteFile(filepath.Join(PartialDir(hourDir), name), []byte("x"), 0o644))
	}

	require.NoError(t, m.mergeOnDisk(context.Background(), time.Now()))

	left := findFiles(t, PartialDir(hourDir), "partial_")
	require.Len(t, left, 1)
	assert.Equal(t, "partial_100000_01.mp4", left[0])
	assert.Empty(t, findFiles(t, CompleteDir(hourDir), "complete_hour_"))
}

func TestParseHourDir(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{filepath.Join("root", "2026_01", "20260102", "10"), true},
		{filepath.Join("root", "fallback", "20260102_1015"), false},
		{filepath.Join("root", "2026_01", "garbage", "10"), false},
	}
	for _, tt := range tests {
		got, ok := parseHourDir(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		if tt.ok {
			assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.Local), got)
		}
	}
}

func TestCleanupTinyRemovesSmallFiles(t *testing.T) {
	m := newTestManager(t, nil)
	hourDir, err := m.layout.HourDir(time.Now())
	require.NoError(t, err)

	small := filepath.Join(PartialDir(hourDir), "partial_090000_01.mp4")
	big := filepath.Join(PartialDir(hourDir), "partial_090100_02.mp4")
	require.NoError(t, os.WriteFile(small, []byte("xx"), 0o644))
	require.NoError(t, os.WriteFile(big, make([]byte, 5000), 0o644))

	require.NoError(t, m.cleanupTiny())

	assert.NoFileExists(t, small)
	assert.FileExists(t, big)
	assert.EqualValues(t, 1, m.counters.TinyFilesRemoved)
}

func TestLowFPSModeSwitches(t *testing.T) {
	m := newTestManager(t, nil)
	now := time.Now()

	assert.Equal(t, 60, m.effectiveFPS())

	// One-second gaps put the observed rate well under 5 fps.
	for i := 0; i < 3; i++ {
		m.observeInterval(now.Add(time.Duration(i) * time.Second))
	}
	assert.True(t, m.lowFPS)
	assert.Equal(t, 1, m.effectiveFPS())

	// A burst of 10 ms gaps drags the smoothed gap back down.
	base := now.Add(10 * time.Second)
	for i := 0; i < 30; i++ {
		m.observeInterval(base.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	assert.False(t, m.lowFPS)
	assert.Equal(t, 60, m.effectiveFPS())
}

func TestCommandsRoundTripThroughRunLoop(t *testing.T) {
	m := newTestManager(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	st, err := m.Status()
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, m.cfg.RootDir, st.Root)
	assert.Equal(t, []string{"complete_hours", "partial_segments", "merged_videos"}, st.Subdirectories)

	st, err = m.Reconnect()
	require.NoError(t, err)
	assert.True(t, st.Active)

	st, err = m.Disconnect()
	require.NoError(t, err)
	assert.False(t, st.Active)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

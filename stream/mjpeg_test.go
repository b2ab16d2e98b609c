package stream

import (
	"context"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/control"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/metrics"
)

func newTestStreamer(t *testing.T, buf *frame.Buffer) *Streamer {
	t.Helper()
	deps := StreamerDeps{
		Buffer:     buf,
		Controller: control.NewAdaptiveController(30, 60, 90, zaptest.NewLogger(t)),
		FrameRate:  control.NewFrameRateController(30, 15, 60),
		Network:    metrics.NewNetworkMetrics(30),
		FPS:        metrics.NewFPSTracker(),
		Logger:     loglimit.New(zaptest.NewLogger(t), time.Second, time.Second),
	}
	return NewStreamer(deps, 5, 50*time.Millisecond)
}

func bufferedFrame(seq uint64) *frame.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for i := range img.Pix {
		img.Pix[i] = uint8((int(seq)*31 + i) % 255)
	}
	return frame.New(img, time.Now(), seq, time.Millisecond, 70, 1024, "cam")
}

func TestVideoFeedDeliversFrames(t *testing.T) {
	buf := frame.NewBuffer(16, 2, 10*time.Millisecond, 50*time.Millisecond)
	for i := uint64(1); i <= 3; i++ {
		buf.Add(bufferedFrame(i))
	}
	s := newTestStreamer(t, buf)

	ts := httptest.NewServer(http.HandlerFunc(s.HandleVideoFeed))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Contains(t, resp.Header.Get("Content-Type"), "multipart/x-mixed-replace")
	assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "optimal", resp.Header.Get("X-System-State"))
	assert.NotEmpty(t, resp.Header.Get("X-Frame-Quality"))

	mr := multipart.NewReader(resp.Body, boundary)
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))

		body, err := io.ReadAll(part)
		require.NoError(t, err)
		require.Greater(t, len(body), 2)
		assert.Equal(t, byte(0xFF), body[0])
		assert.Equal(t, byte(0xD8), body[1])
	}
}

func TestVideoFeedKeepsAliveWithoutFrames(t *testing.T) {
	buf := frame.NewBuffer(16, 2, 10*time.Millisecond, 50*time.Millisecond)
	s := newTestStreamer(t, buf)

	ts := httptest.NewServer(http.HandlerFunc(s.HandleVideoFeed))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	mr := multipart.NewReader(resp.Body, boundary)
	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part)
	require.NoError(t, err)

	assert.Equal(t, frame.KeepAlive(), body, "an idle producer still yields valid JPEG chunks")
}

func TestViewerCountTracksConnections(t *testing.T) {
	buf := frame.NewBuffer(16, 2, 10*time.Millisecond, 50*time.Millisecond)
	s := newTestStreamer(t, buf)

	ts := httptest.NewServer(http.HandlerFunc(s.HandleVideoFeed))
	defer ts.Close()

	require.EqualValues(t, 0, s.Viewers())

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Viewers() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp.Body.Close()
	require.Eventually(t, func() bool { return s.Viewers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEffectiveQualityCuts(t *testing.T) {
	buf := frame.NewBuffer(16, 2, time.Second, 2*time.Second)
	s := newTestStreamer(t, buf)

	assert.Equal(t, 90, s.effectiveQuality(90, 30, 0, 0.5), "no pressure keeps the setpoint")
	assert.Equal(t, 75, s.effectiveQuality(90, 10, 0, 0.5), "collapsed FPS cuts quality")
	assert.Equal(t, 80, s.effectiveQuality(90, 30, 0.2, 0.5), "jitter cuts quality")
	assert.Equal(t, 80, s.effectiveQuality(90, 30, 0, 0.95), "buffer pressure cuts quality")
	assert.Equal(t, 55, s.effectiveQuality(90, 10, 0.2, 0.95), "cuts stack")
	assert.Equal(t, effectiveQualityFloor, s.effectiveQuality(45, 10, 0.2, 0.95), "floor holds")
}

func TestWaitForGateAbortsOnDisconnect(t *testing.T) {
	buf := frame.NewBuffer(16, 8, time.Second, time.Hour)
	s := NewStreamer(StreamerDeps{
		Buffer:     buf,
		Controller: control.NewAdaptiveController(30, 60, 90, zaptest.NewLogger(t)),
		FrameRate:  control.NewFrameRateController(30, 15, 60),
		Network:    metrics.NewNetworkMetrics(30),
		FPS:        metrics.NewFPSTracker(),
		Logger:     loglimit.New(zaptest.NewLogger(t), time.Second, time.Second),
	}, 5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.waitForGate(ctx))
}

func TestEncodeJPEGRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 253)
	}

	data, err := EncodeJPEG(img, 80)
	require.NoError(t, err)
	assert.Greater(t, len(data), 100)
	assert.Equal(t, byte(0xFF), data[0])
	assert.Equal(t, byte(0xD8), data[1])
}

package ingest

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
)

func newTestServer(t *testing.T, queueCap int) (*Server, *frame.Queue, *httptest.Server) {
	t.Helper()
	q := frame.NewQueue(queueCap)
	s := NewServer(q, 2, loglimit.New(zaptest.NewLogger(t), time.Second, time.Second))
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(ts.Close)
	return s, q, ts
}

func dialProducer(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func jpegPayload(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

func TestProducerFramesAreAdmitted(t *testing.T) {
	s, q, ts := newTestServer(t, 16)
	conn := dialProducer(t, ts)

	payload := jpegPayload(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))
	}

	require.Eventually(t, func() bool { return q.Len() == 3 }, 2*time.Second, 5*time.Millisecond)

	st := s.Stats()
	assert.True(t, st.Connected)
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, uint64(3), st.AdmittedFrames)
	assert.Zero(t, st.DroppedFrames)
}

func TestUndecodablePayloadIsSkipped(t *testing.T) {
	s, q, ts := newTestServer(t, 16)
	conn := dialProducer(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("not a jpeg")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, jpegPayload(t)))

	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	st := s.Stats()
	assert.True(t, st.Connected, "a bad frame must not tear down the session")
	assert.Equal(t, uint64(2), st.ReceivedMessages)
	assert.Equal(t, uint64(1), st.AdmittedFrames)
}

func TestAdmitDelayStopsAtDecode(t *testing.T) {
	q := frame.NewQueue(4)
	s := NewServer(q, 8, loglimit.New(zaptest.NewLogger(t), time.Second, time.Second))
	sess := &session{id: "timing", connectedAt: time.Now()}

	// Large enough that conversion and scoring cost real time next to the
	// decode.
	img := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	payload := buf.Bytes()

	// Warm-up, then measure the decode and analysis stages separately; the
	// costs scale the assertion to the machine running the test.
	warm, err := jpeg.Decode(bytes.NewReader(payload))
	require.NoError(t, err)
	frame.Score(frame.ToRGBA(warm))

	start := time.Now()
	decoded, err := jpeg.Decode(bytes.NewReader(payload))
	require.NoError(t, err)
	decodeCost := time.Since(start)

	start = time.Now()
	frame.Score(frame.ToRGBA(decoded))
	analysisCost := time.Since(start)

	s.admit(sess, payload)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := q.PopWait(ctx)
	require.NoError(t, err)

	assert.Positive(t, f.Delay)
	assert.Less(t, f.Delay, 3*decodeCost+analysisCost/3+15*time.Millisecond,
		"recorded delay must end at decode completion, not after conversion and scoring")
}

func TestTextMessagesAreIgnored(t *testing.T) {
	s, q, ts := newTestServer(t, 16)
	conn := dialProducer(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"booted"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, jpegPayload(t)))

	require.Eventually(t, func() bool { return s.Stats().ReceivedMessages == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, q.Len())
}

func TestNewProducerReplacesOld(t *testing.T) {
	var disconnects atomic.Int32
	s, _, ts := newTestServer(t, 16)
	s.SetHandlers(nil, func() { disconnects.Add(1) })

	first := dialProducer(t, ts)
	require.Eventually(t, func() bool { return s.Stats().Connected }, 2*time.Second, 5*time.Millisecond)
	firstID := s.Stats().SessionID

	dialProducer(t, ts)
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Connected && st.SessionID != firstID
	}, 2*time.Second, 5*time.Millisecond)

	// The server closes the replaced connection.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	assert.Equal(t, int32(0), disconnects.Load(), "replacement is not a disconnect")
}

func TestDisconnectSignalsHandler(t *testing.T) {
	var connects, disconnects atomic.Int32
	s, _, ts := newTestServer(t, 16)
	s.SetHandlers(func() { connects.Add(1) }, func() { disconnects.Add(1) })

	conn := dialProducer(t, ts)
	require.Eventually(t, func() bool { return connects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, closeMsg))
	conn.Close()

	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Stats().Connected)
}

func TestQueueFullCountsDrops(t *testing.T) {
	s, q, ts := newTestServer(t, 2)
	conn := dialProducer(t, ts)

	payload := jpegPayload(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))
	}

	require.Eventually(t, func() bool { return s.Stats().AdmittedFrames == 5 }, 2*time.Second, 5*time.Millisecond)

	st := s.Stats()
	assert.Equal(t, uint64(3), st.DroppedFrames)
	assert.Equal(t, 2, q.Len())
	assert.GreaterOrEqual(t, st.ConsecutiveDrops, 1)
}

func TestSequenceContinuesAcrossSessions(t *testing.T) {
	s, q, ts := newTestServer(t, 16)

	payload := jpegPayload(t)
	first := dialProducer(t, ts)
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, payload))
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, payload))
	require.Eventually(t, func() bool { return s.Stats().AdmittedFrames == 2 }, 2*time.Second, 5*time.Millisecond)
	first.Close()
	require.Eventually(t, func() bool { return !s.Stats().Connected }, 2*time.Second, 5*time.Millisecond)

	second := dialProducer(t, ts)
	require.NoError(t, second.WriteMessage(websocket.BinaryMessage, payload))
	require.Eventually(t, func() bool { return s.Stats().AdmittedFrames == 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var maxSeq uint64
	for i := 0; i < 3; i++ {
		f, err := q.PopWait(ctx)
		require.NoError(t, err)
		if f.Sequence > maxSeq {
			maxSeq = f.Sequence
		}
	}
	assert.Equal(t, uint64(3), maxSeq, "admission resumes from the last sequence")
}

package ingest

import (
	"bytes"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/metrics"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024

	// Two queue-full drops within this window count as consecutive.
	dropBurstWindow = time.Second

	// sustainedDropThreshold is the consecutive-drop count that triggers a
	// rate-limited warning.
	sustainedDropThreshold = 10

	closeGracePeriod = time.Second
)

// Server owns the producer-facing WebSocket endpoint. Exactly one producer
// session is active at a time; a newer connection replaces the current one,
// which covers cameras that reconnect before the server notices the old
// socket died.
type Server struct {
	upgrader websocket.Upgrader
	queue    *frame.Queue
	logger   *loglimit.Logger

	maxPayload int64

	// onConnect fires for every new session, onDisconnect only when the
	// active session ends without a replacement.
	onConnect    func()
	onDisconnect func()

	mu      sync.Mutex
	session *session

	sequence atomic.Uint64
	received atomic.Uint64
	admitted atomic.Uint64
	dropped  atomic.Uint64

	dropMu           sync.Mutex
	lastDrop         time.Time
	consecutiveDrops int
}

// session is one producer connection.
type session struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time
}

// Stats is the ingest contribution to the status API.
type Stats struct {
	Connected        bool      `json:"connected"`
	SessionID        string    `json:"session_id,omitempty"`
	RemoteAddr       string    `json:"remote_addr,omitempty"`
	ConnectedAt      time.Time `json:"connected_at"`
	ReceivedMessages uint64    `json:"received_messages"`
	AdmittedFrames   uint64    `json:"admitted_frames"`
	DroppedFrames    uint64    `json:"dropped_frames"`
	ConsecutiveDrops int       `json:"consecutive_drops"`
}

// NewServer builds the ingest endpoint. maxPayloadMB bounds a single frame
// message; oversized messages terminate the session.
func NewServer(queue *frame.Queue, maxPayloadMB int, logger *loglimit.Logger) *Server {
	if maxPayloadMB <= 0 {
		maxPayloadMB = 1
	}
	s := &Server{
		queue:      queue,
		logger:     logger,
		maxPayload: int64(maxPayloadMB) << 20,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		// The producer is a camera module, not a browser; there is no
		// origin to validate.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// SetHandlers registers the producer lifecycle callbacks.
func (s *Server) SetHandlers(onConnect, onDisconnect func()) {
	s.onConnect = onConnect
	s.onDisconnect = onDisconnect
}

// HandleWebSocket upgrades the producer connection and serves it until it
// closes. It blocks for the lifetime of the session.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Base().Error("Failed to upgrade producer connection", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.maxPayload)

	sess := &session{
		id:          uuid.New().String(),
		conn:        conn,
		remoteAddr:  r.RemoteAddr,
		connectedAt: time.Now(),
	}

	s.mu.Lock()
	prev := s.session
	s.session = sess
	s.mu.Unlock()

	if prev != nil {
		s.logger.Base().Warn("Producer replaced by new connection",
			zap.String("old_session", prev.id),
			zap.String("session", sess.id))
		prev.conn.Close()
	}

	metrics.ProducerConnected.Set(1)
	s.logger.Base().Info("Producer connected",
		zap.String("session", sess.id),
		zap.String("remote_addr", sess.remoteAddr))
	if s.onConnect != nil {
		s.onConnect()
	}

	s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	defer s.teardown(sess)

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Base().Error("Producer read error",
					zap.String("session", sess.id), zap.Error(err))
			}
			return
		}
		s.received.Add(1)

		switch msgType {
		case websocket.BinaryMessage:
			s.admit(sess, data)
		case websocket.TextMessage:
			// Producers occasionally send status text; frames are binary.
			s.logger.Debug("producer-text", "Ignoring text message from producer",
				zap.String("session", sess.id), zap.Int("bytes", len(data)))
		}
	}
}

// teardown releases the producer slot. When the session was replaced by a
// newer one, the slot already belongs to the replacement and no disconnect
// is signaled.
func (s *Server) teardown(sess *session) {
	sess.conn.Close()

	s.mu.Lock()
	current := s.session == sess
	if current {
		s.session = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}

	metrics.ProducerConnected.Set(0)
	s.logger.Base().Info("Producer disconnected",
		zap.String("session", sess.id),
		zap.Duration("session_duration", time.Since(sess.connectedAt)),
		zap.Uint64("admitted_frames", s.admitted.Load()))
	if s.onDisconnect != nil {
		s.onDisconnect()
	}
}

// admit decodes one binary payload and pushes it into the priority queue.
// Undecodable payloads are dropped without touching the session.
func (s *Server) admit(sess *session, data []byte) {
	receiveStart := time.Now()

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		metrics.DecodeFailuresTotal.Inc()
		s.logger.Warn("decode-failure", "Dropping undecodable frame",
			zap.String("session", sess.id),
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return
	}

	// Delay ends at decode completion; conversion and scoring below are
	// server work, not ingest latency.
	delay := time.Since(receiveStart)

	pixels := frame.ToRGBA(img)
	score := frame.Score(pixels)
	f := frame.New(pixels, receiveStart, s.sequence.Add(1), delay, score, len(data), sess.id)

	if evicted := s.queue.Push(f); evicted != nil {
		s.recordDrop(time.Now())
	}
	s.admitted.Add(1)
	metrics.FramesIngestedTotal.Inc()
}

func (s *Server) recordDrop(now time.Time) {
	metrics.RecordDrop("queue_full")
	s.dropped.Add(1)

	s.dropMu.Lock()
	if !s.lastDrop.IsZero() && now.Sub(s.lastDrop) <= dropBurstWindow {
		s.consecutiveDrops++
	} else {
		s.consecutiveDrops = 1
	}
	s.lastDrop = now
	burst := s.consecutiveDrops
	s.dropMu.Unlock()

	if burst >= sustainedDropThreshold {
		s.logger.Warn("sustained-drops", "Queue is shedding frames faster than the processor drains them",
			zap.Int("consecutive_drops", burst))
	}
}

// Stats snapshots the ingest counters and session identity.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	s.dropMu.Lock()
	burst := s.consecutiveDrops
	if !s.lastDrop.IsZero() && time.Since(s.lastDrop) > dropBurstWindow {
		burst = 0
	}
	s.dropMu.Unlock()

	st := Stats{
		Connected:        sess != nil,
		ReceivedMessages: s.received.Load(),
		AdmittedFrames:   s.admitted.Load(),
		DroppedFrames:    s.dropped.Load(),
		ConsecutiveDrops: burst,
	}
	if sess != nil {
		st.SessionID = sess.id
		st.RemoteAddr = sess.remoteAddr
		st.ConnectedAt = sess.connectedAt
	}
	return st
}

// ResetCounters zeroes the message and drop counters. The active session,
// if any, is untouched.
func (s *Server) ResetCounters() {
	s.received.Store(0)
	s.admitted.Store(0)
	s.dropped.Store(0)

	s.dropMu.Lock()
	s.lastDrop = time.Time{}
	s.consecutiveDrops = 0
	s.dropMu.Unlock()
}

// Close terminates the active producer session, if any.
func (s *Server) Close() {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return
	}
	deadline := time.Now().Add(closeGracePeriod)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	if err := sess.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Base().Debug("Close handshake failed", zap.Error(err))
	}
	sess.conn.Close()
}

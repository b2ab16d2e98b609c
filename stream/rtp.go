package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/frame"
	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
)

// RFC 2435 RTP/JPEG republishing. A recording box or NVR can consume the
// processed stream as plain RTP datagrams without speaking HTTP.
const (
	rtpPayloadTypeJPEG = 26
	rtpClockRate       = 90000
	rtpHeaderSize      = 12
	jpegPayloadHeader  = 8

	rtpDefaultMTU    = 1200
	rtpEncodeQuality = 80

	rtpQueueDepth = 10

	// Quantization tables ride inside the JPEG payload; receivers treat
	// Q >= 128 as "tables are dynamic".
	rtpDynamicQTable = 128
)

// RTPPublisherStats is a snapshot of the republisher counters.
type RTPPublisherStats struct {
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
	PacketsSent   uint64 `json:"packets_sent"`
	BytesSent     uint64 `json:"bytes_sent"`
	SendErrors    uint64 `json:"send_errors"`
}

// RTPPublisher fans processed frames out as RTP/JPEG datagrams to one fixed
// UDP destination. Submit never blocks; when the send queue is full the
// frame is dropped.
type RTPPublisher struct {
	host       string
	port       int
	mtu        int
	maxPayload int
	targetFPS  int
	ssrc       uint32
	logger     *loglimit.Logger

	conn     *net.UDPConn
	destAddr *net.UDPAddr

	frames chan *frame.Frame

	sequence uint16

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	packetsSent   atomic.Uint64
	bytesSent     atomic.Uint64
	sendErrors    atomic.Uint64
}

// NewRTPPublisher builds a republisher for the given destination.
func NewRTPPublisher(host string, port, mtu, targetFPS int, logger *loglimit.Logger) *RTPPublisher {
	if mtu <= 0 {
		mtu = rtpDefaultMTU
	}
	if targetFPS <= 0 {
		targetFPS = 30
	}
	return &RTPPublisher{
		host:       host,
		port:       port,
		mtu:        mtu,
		maxPayload: mtu - rtpHeaderSize - jpegPayloadHeader,
		targetFPS:  targetFPS,
		ssrc:       rand.Uint32(),
		logger:     logger,
		frames:     make(chan *frame.Frame, rtpQueueDepth),
	}
}

// Submit queues one processed frame for sending. It never blocks.
func (p *RTPPublisher) Submit(f *frame.Frame) {
	select {
	case p.frames <- f:
	default:
		p.framesDropped.Add(1)
	}
}

// Run opens the UDP socket and sends queued frames until the context is
// canceled.
func (p *RTPPublisher) Run(ctx context.Context) error {
	destAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", p.host, p.port))
	if err != nil {
		return fmt.Errorf("resolve rtp destination: %w", err)
	}
	p.destAddr = destAddr

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("open rtp socket: %w", err)
	}
	p.conn = conn
	defer conn.Close()

	if err := conn.SetWriteBuffer(1 << 20); err != nil {
		p.logger.Base().Warn("Failed to set UDP write buffer size", zap.Error(err))
	}

	p.logger.Base().Info("RTP republisher started",
		zap.String("dest", destAddr.String()),
		zap.Int("mtu", p.mtu),
		zap.Uint32("ssrc", p.ssrc))

	var frameCount uint64
	for {
		select {
		case <-ctx.Done():
			stats := p.Stats()
			p.logger.Base().Info("RTP republisher stopped",
				zap.Uint64("frames_sent", stats.FramesSent),
				zap.Uint64("frames_dropped", stats.FramesDropped),
				zap.Uint64("send_errors", stats.SendErrors))
			return nil
		case f := <-p.frames:
			if err := p.sendFrame(f, frameCount); err != nil {
				p.sendErrors.Add(1)
				p.logger.Error("rtp-send", "Failed to send RTP frame", zap.Error(err))
				continue
			}
			p.framesSent.Add(1)
			frameCount++
		}
	}
}

func (p *RTPPublisher) sendFrame(f *frame.Frame, frameCount uint64) error {
	data, err := EncodeJPEG(f.Pixels, rtpEncodeQuality)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", f.Sequence, err)
	}

	bounds := f.Pixels.Bounds()
	timestamp := uint32(frameCount) * (rtpClockRate / uint32(p.targetFPS))
	packets, err := p.packetize(data, bounds.Dx(), bounds.Dy(), timestamp)
	if err != nil {
		return err
	}

	for i, pkt := range packets {
		if _, err := p.conn.WriteToUDP(pkt, p.destAddr); err != nil {
			return fmt.Errorf("send packet %d/%d: %w", i+1, len(packets), err)
		}
		p.packetsSent.Add(1)
		p.bytesSent.Add(uint64(len(pkt)))
	}
	return nil
}

// packetize fragments one JPEG into marshaled RTP packets. The last
// fragment carries the marker bit.
func (p *RTPPublisher) packetize(jpegData []byte, width, height int, timestamp uint32) ([][]byte, error) {
	if len(jpegData) < 2 || jpegData[0] != 0xFF || jpegData[1] != 0xD8 {
		return nil, errors.New("payload is not a JPEG")
	}

	numPackets := (len(jpegData) + p.maxPayload - 1) / p.maxPayload
	packets := make([][]byte, 0, numPackets)

	for offset := 0; offset < len(jpegData); offset += p.maxPayload {
		n := p.maxPayload
		if offset+n > len(jpegData) {
			n = len(jpegData) - offset
		}
		last := offset+n >= len(jpegData)

		payload := make([]byte, jpegPayloadHeader+n)
		payload[0] = 0 // type-specific
		payload[1] = uint8(offset >> 16)
		payload[2] = uint8(offset >> 8)
		payload[3] = uint8(offset)
		payload[4] = 0 // baseline sequential DCT
		payload[5] = rtpDynamicQTable
		payload[6] = uint8(width / 8)
		payload[7] = uint8(height / 8)
		copy(payload[jpegPayloadHeader:], jpegData[offset:offset+n])

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         last,
				PayloadType:    rtpPayloadTypeJPEG,
				SequenceNumber: p.sequence,
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		buf, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal rtp packet: %w", err)
		}
		packets = append(packets, buf)
		p.sequence++
	}
	return packets, nil
}

// Stats snapshots the republisher counters.
func (p *RTPPublisher) Stats() RTPPublisherStats {
	return RTPPublisherStats{
		FramesSent:    p.framesSent.Load(),
		FramesDropped: p.framesDropped.Load(),
		PacketsSent:   p.packetsSent.Load(),
		BytesSent:     p.bytesSent.Load(),
		SendErrors:    p.sendErrors.Load(),
	}
}

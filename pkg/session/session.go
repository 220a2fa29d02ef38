// Package session implements the per-peer WebRTC connection: SDP
// negotiation, SSRC/timestamp/sequence state, and the handle into the
// external WebRTC stack's send path. Each session is independent,
// created from an in-process SDP offer, and owns its own RFC 6184
// packetizer rather than pion/rtp/codecs.H264Payloader.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/ethan/h264-webrtc-relay/pkg/paramcache"
	"github.com/ethan/h264-webrtc-relay/pkg/rtppkt"
	"github.com/ethan/h264-webrtc-relay/pkg/sdprewrite"
)

// Config carries the RTP parameters a session packetizes with.
type Config struct {
	PayloadType uint8
	ClockRate   uint32
	FPS         uint32
	MTU         int
}

// ICEConfig carries STUN/TURN server configuration for the peer
// connection.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// TerminalFunc is invoked exactly once, from whichever callback fires
// first, when a session should be reclaimed.
type TerminalFunc func(id string)

// Session is one peer's negotiated WebRTC connection plus its RTP
// state: seq lives inside pkt, timestamp and the rest are fields below.
type Session struct {
	id          string
	ssrc        uint32
	payloadType uint8
	clockRate   uint32
	fps         uint32

	logger *slog.Logger

	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender

	pkt *rtppkt.Packetizer

	mu                 sync.Mutex
	timestamp          uint32
	sentParameterSets  bool
	frameCount         uint64
	active             atomic.Bool
	cleanupTimer       *time.Timer
	cleanupOnce        sync.Once
	onTerminal         TerminalFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New negotiates a new peer session from an SDP offer: it builds a
// PeerConnection with a single send-only H.264 video transceiver,
// applies the offer, rewrites the answer to carry sprop-parameter-sets
// from cache, and applies the rewritten answer as the local
// description. The SSRC is then read back from that local description.
func New(
	parent context.Context,
	cfg Config,
	ice ICEConfig,
	offerSDP string,
	cache *paramcache.Cache,
	logger *slog.Logger,
	onTerminal TerminalFunc,
) (s *Session, answerSDP string, err error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   cfg.ClockRate,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: webrtc.PayloadType(cfg.PayloadType),
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, "", fmt.Errorf("register H264 codec: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, "", fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   ice.Servers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create peer connection: %w", err)
	}

	id := uuid.NewString()

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: cfg.ClockRate},
		"video", "relay-"+id,
	)
	if err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("create video track: %w", err)
	}

	sender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("add video track: %w", err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)

	sps, pps := cache.Snapshot()
	rewritten := sdprewrite.Rewrite(answer.SDP, cfg.PayloadType, int(cfg.ClockRate), sps, pps)

	if err := pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  rewritten,
	}); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-parent.Done():
		pc.Close()
		return nil, "", parent.Err()
	case <-time.After(10 * time.Second):
		pc.Close()
		return nil, "", fmt.Errorf("ICE gathering timeout")
	}

	localSDP := pc.LocalDescription().SDP
	ssrc, err := sdprewrite.ExtractSSRC(localSDP)
	if err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("extract ssrc: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)

	s = &Session{
		id:          id,
		ssrc:        ssrc,
		payloadType: cfg.PayloadType,
		clockRate:   cfg.ClockRate,
		fps:         cfg.FPS,
		logger:      logger.With("session_id", id, "ssrc", ssrc),
		pc:          pc,
		videoTrack:  videoTrack,
		sender:      sender,
		pkt:         rtppkt.New(cfg.PayloadType, ssrc, cfg.MTU),
		timestamp:   randomUint32(),
		onTerminal:  onTerminal,
		cancel:      cancel,
	}
	s.active.Store(true)

	s.wg.Add(1)
	go s.readRTCP(ctx)

	pc.OnICEConnectionStateChange(s.onICEStateChange)
	pc.OnConnectionStateChange(s.onConnectionStateChange)

	return s, localSDP, nil
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// Active reports whether the session is still eligible for fan-out.
func (s *Session) Active() bool { return s.active.Load() }

// Timestamp returns the session's current RTP timestamp.
func (s *Session) Timestamp() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp
}

// SentParameterSets reports whether SPS/PPS priming has already
// happened on this session.
func (s *Session) SentParameterSets() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentParameterSets
}

// FrameCount returns the diagnostic frame counter.
func (s *Session) FrameCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCount
}

// ICEState returns the cached ICE connection state, for /stats.
func (s *Session) ICEState() webrtc.ICEConnectionState {
	return s.pc.ICEConnectionState()
}

// ConnectionState returns the cached peer connection state, for /stats.
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// SendParameterSet packetizes and writes sps or pps ahead of the first
// IDR on this session. marker is always false.
func (s *Session) SendParameterSet(nal []byte) error {
	ts := s.Timestamp()
	return s.packetizeAndSend(nal, false, ts)
}

// SendFrame packetizes and writes a video/other NAL, advancing the
// session timestamp after video frames.
func (s *Session) SendFrame(nal []byte, marker, isVideoFrame bool) error {
	ts := s.Timestamp()
	if err := s.packetizeAndSend(nal, marker, ts); err != nil {
		return err
	}

	if isVideoFrame {
		s.mu.Lock()
		s.timestamp += s.clockRate / s.fps
		s.frameCount++
		s.mu.Unlock()
	}
	return nil
}

// MarkParameterSetsSent records that priming has completed, exactly
// once per session.
func (s *Session) MarkParameterSetsSent() {
	s.mu.Lock()
	s.sentParameterSets = true
	s.mu.Unlock()
}

func (s *Session) packetizeAndSend(nal []byte, marker bool, ts uint32) error {
	packets, err := s.pkt.Packetize(nal, marker, ts)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		var rp rtp.Packet
		if err := rp.Unmarshal(pkt.Payload); err != nil {
			s.logger.Warn("failed to unmarshal packetized RTP fragment", "session_id", s.id, "error", err)
			continue
		}
		if err := s.videoTrack.WriteRTP(&rp); err != nil {
			if err == io.ErrClosedPipe {
				return nil
			}
			s.logger.Warn("failed to write RTP fragment", "session_id", s.id, "error", err)
			continue
		}
	}
	return nil
}

func (s *Session) onICEStateChange(state webrtc.ICEConnectionState) {
	s.logger.Info("ICE connection state changed", "state", state.String())
	switch state {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed, webrtc.ICEConnectionStateDisconnected:
		// Scheduled on the first failed, closed or disconnected state, and
		// never cancelled on recovery — see DESIGN.md.
		s.scheduleDelayedCleanup(3 * time.Second)
	}
}

func (s *Session) onConnectionStateChange(state webrtc.PeerConnectionState) {
	s.logger.Info("peer connection state changed", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.Close()
	}
}

func (s *Session) scheduleDelayedCleanup(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanupTimer != nil {
		return
	}
	s.cleanupTimer = time.AfterFunc(d, s.Close)
}

// Close deregisters the session, stops the sink track, and closes the
// peer connection. Idempotent.
func (s *Session) Close() {
	s.cleanupOnce.Do(func() {
		s.active.Store(false)
		if s.cancel != nil {
			s.cancel()
		}
		if s.pc != nil {
			if err := s.pc.Close(); err != nil {
				s.logger.Error("error closing peer connection", "error", err)
			}
		}
		s.wg.Wait()
		if s.onTerminal != nil {
			s.onTerminal(s.id)
		}
	})
}

// readRTCP drains inbound RTCP (PLI/FIR/REMB) for diagnostics. The core
// never generates RTCP and never reacts to PLI with a keyframe request:
// RTCP is delegated entirely to the WebRTC stack.
func (s *Session) readRTCP(ctx context.Context) {
	defer s.wg.Done()
	for {
		packets, _, err := s.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				s.logger.Debug("RTCP PLI received", "media_ssrc", p.MediaSSRC)
			case *rtcp.FullIntraRequest:
				s.logger.Debug("RTCP FIR received", "sender_ssrc", p.SenderSSRC)
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				s.logger.Debug("RTCP REMB received", "bitrate_bps", p.Bitrate)
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

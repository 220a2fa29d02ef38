// Package fanout implements the per-NAL fan-out engine: the session
// table and the parameter-set cache, threaded through ingest and
// signaling rather than kept at module scope.
package fanout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ethan/h264-webrtc-relay/pkg/nalu"
	"github.com/ethan/h264-webrtc-relay/pkg/paramcache"
)

// Sender is the subset of *session.Session the engine needs. Declaring
// it as an interface keeps the fan-out loop testable without a real
// WebRTC negotiation.
type Sender interface {
	ID() string
	Active() bool
	SentParameterSets() bool
	SendParameterSet(nal []byte) error
	SendFrame(nal []byte, marker, isVideoFrame bool) error
	MarkParameterSetsSent()
}

// Engine owns the session table and the parameter-set cache and
// forwards each framed NAL to every active session.
type Engine struct {
	cache *paramcache.Cache

	mu       sync.RWMutex
	sessions map[string]Sender

	logger *slog.Logger

	startedAt        time.Time
	packetsReceived  uint64
	bytesReceived    uint64
	totalConnections uint64
}

// New returns an Engine backed by cache.
func New(cache *paramcache.Cache, logger *slog.Logger) *Engine {
	return &Engine{
		cache:     cache,
		sessions:  make(map[string]Sender),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Register adds a session to the fan-out set.
func (e *Engine) Register(s Sender) {
	e.mu.Lock()
	e.sessions[s.ID()] = s
	e.totalConnections++
	e.mu.Unlock()
}

// Deregister removes a session from the fan-out set. Safe to call more
// than once for the same id.
func (e *Engine) Deregister(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

// Cache exposes the parameter-set cache shared with C6 (SDP rewriting
// at session-creation time).
func (e *Engine) Cache() *paramcache.Cache {
	return e.cache
}

// Forward classifies one NAL unit and fans it out to every active
// session. SPS/PPS update the cache and are never forwarded directly;
// everything else is forwarded, primed with cached SPS/PPS ahead of
// each session's first IDR.
func (e *Engine) Forward(nal []byte) {
	if len(nal) == 0 {
		return
	}
	e.mu.Lock()
	e.packetsReceived++
	e.bytesReceived += uint64(len(nal))
	e.mu.Unlock()

	t := nalu.Type(nal)

	if nalu.IsParameterSet(t) {
		if t == nalu.TypeSPS {
			e.cache.SetSPS(nal)
		} else {
			e.cache.SetPPS(nal)
		}
		return
	}

	isIDR := t == nalu.TypeIDR
	isVideoFrame := nalu.IsVideoFrame(t)

	for _, s := range e.snapshotActiveSessions() {
		if isIDR && !s.SentParameterSets() {
			if sps, pps := e.cache.Snapshot(); sps != nil && pps != nil {
				if err := s.SendParameterSet(sps); err != nil {
					e.logger.Warn("failed to send primed SPS", "session_id", s.ID(), "error", err)
				}
				if err := s.SendParameterSet(pps); err != nil {
					e.logger.Warn("failed to send primed PPS", "session_id", s.ID(), "error", err)
				}
				s.MarkParameterSetsSent()
			}
		}

		if err := s.SendFrame(nal, isVideoFrame, isVideoFrame); err != nil {
			e.logger.Warn("failed to forward NAL to session", "session_id", s.ID(), "nal_type", t, "error", err)
		}
	}
}

// snapshotActiveSessions copies the current session list under a read
// lock so that concurrent teardown can safely mutate the table while
// fan-out is in progress.
func (e *Engine) snapshotActiveSessions() []Sender {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Sender, 0, len(e.sessions))
	for _, s := range e.sessions {
		if s.Active() {
			out = append(out, s)
		}
	}
	return out
}

// Stats is a point-in-time summary for GET /stats.
type Stats struct {
	TotalConnections  uint64
	ActiveConnections int
	PacketsReceived   uint64
	BytesReceived     uint64
	Uptime            time.Duration
	HasSPS            bool
	HasPPS            bool
	Connections       []ConnectionDetail
}

// ConnectionDetail is one entry of Stats.Connections.
type ConnectionDetail struct {
	ID              string
	FrameCount      uint64
	SentSPSPPS      bool
	ICEState        string
	ConnectionState string
}

// Stats snapshots engine-wide and per-session counters.
func (e *Engine) Stats(details func(s Sender) (iceState, connState string)) Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sps, pps := e.cache.Snapshot()

	st := Stats{
		TotalConnections: e.totalConnections,
		PacketsReceived:  e.packetsReceived,
		BytesReceived:    e.bytesReceived,
		Uptime:           time.Since(e.startedAt),
		HasSPS:           sps != nil,
		HasPPS:           pps != nil,
		Connections:      make([]ConnectionDetail, 0, len(e.sessions)),
	}

	for _, s := range e.sessions {
		if s.Active() {
			st.ActiveConnections++
		}
		ice, conn := "", ""
		if details != nil {
			ice, conn = details(s)
		}
		st.Connections = append(st.Connections, ConnectionDetail{
			ID:              s.ID(),
			FrameCount:      frameCountOf(s),
			SentSPSPPS:      s.SentParameterSets(),
			ICEState:        ice,
			ConnectionState: conn,
		})
	}
	return st
}

func frameCountOf(s Sender) uint64 {
	if fc, ok := s.(interface{ FrameCount() uint64 }); ok {
		return fc.FrameCount()
	}
	return 0
}

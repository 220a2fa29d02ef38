// Package signaling implements the HTTP control plane: POST /offer,
// GET /stats, GET /health, behind a CORS/logging middleware chain with
// a background Serve on a pre-bound listener and a short startup-error
// window.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// SessionCreator negotiates one new peer session from an SDP offer.
// Implemented by the fanout.Engine-aware wiring (relayApp) in cmd/relay.
type SessionCreator interface {
	CreateSession(ctx context.Context, offerSDP string) (connectionID, answerSDP string, err error)
}

// StatsProvider reports current fan-out/session statistics.
type StatsProvider interface {
	Stats() StatsView
}

// StatsView is the wire shape of GET /stats.
type StatsView struct {
	TotalConnections  uint64             `json:"totalConnections"`
	ActiveConnections int                `json:"activeConnections"`
	PacketsReceived   uint64             `json:"packetsReceived"`
	BytesReceived     uint64             `json:"bytesReceived"`
	UptimeSeconds     float64            `json:"uptime"`
	HasSPS            bool               `json:"hasSPS"`
	HasPPS            bool               `json:"hasPPS"`
	Connections       []ConnectionDetail `json:"connectionDetails"`
}

// ConnectionDetail is one entry of StatsView.Connections.
type ConnectionDetail struct {
	ID              string `json:"id"`
	FrameCount      uint64 `json:"frameCount"`
	SentSPSPPS      bool   `json:"sentSPSPPS"`
	ICEState        string `json:"iceState"`
	ConnectionState string `json:"connectionState"`
}

type offerResponse struct {
	Code         int    `json:"code"`
	Type         string `json:"type,omitempty"`
	SDP          string `json:"sdp,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// Server is the HTTP signaling front-end.
type Server struct {
	sessions   SessionCreator
	stats      StatsProvider
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
}

// New returns a Server ready to Start.
func New(sessions SessionCreator, stats StatsProvider, logger *slog.Logger) *Server {
	return &Server{sessions: sessions, stats: stats, logger: logger}
}

// Addr returns the address the server is bound to. Only valid after
// Start returns successfully.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds addr and begins serving in the background. It returns an
// error if the bind or the listener fails within a short startup
// window.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("signaling: listen %q: %w", addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting signaling server", "address", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("signaling server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping signaling server")
	return s.httpServer.Shutdown(ctx)
}

// handleOffer implements POST /offer: the request body is a raw SDP
// offer, the response is {code,type,sdp,connectionId} on success or
// {code:-1,error} with HTTP 500 on failure.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeOfferError(w, http.StatusInternalServerError, fmt.Errorf("read offer body: %w", err))
		return
	}

	connID, answerSDP, err := s.sessions.CreateSession(r.Context(), string(body))
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		s.writeOfferError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offerResponse{
		Code:         0,
		Type:         "answer",
		SDP:          answerSDP,
		ConnectionID: connID,
	})
}

func (s *Server) writeOfferError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(offerResponse{Code: -1, Error: err.Error()})
}

// handleStats implements GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.stats.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.stats.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "ok", Connections: st.ActiveConnections})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

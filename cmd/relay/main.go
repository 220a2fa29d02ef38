package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethan/h264-webrtc-relay/pkg/config"
	"github.com/ethan/h264-webrtc-relay/pkg/fanout"
	"github.com/ethan/h264-webrtc-relay/pkg/ingest"
	"github.com/ethan/h264-webrtc-relay/pkg/logger"
	"github.com/ethan/h264-webrtc-relay/pkg/paramcache"
	"github.com/ethan/h264-webrtc-relay/pkg/session"
	"github.com/ethan/h264-webrtc-relay/pkg/signaling"
)

func main() {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	var envPath string
	fs.StringVar(&envPath, "env", ".env", "Path to .env configuration file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "H.264 over UDP -> WebRTC relay\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)
	log.Info("starting H.264 over UDP -> WebRTC relay", "log_config", logFlags.String())

	cfg, err := config.Load(envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded",
		"signaling_addr", fmt.Sprintf("%s:%d", cfg.Signaling.Host, cfg.Signaling.Port),
		"udp_addr", fmt.Sprintf("%s:%d", cfg.UDP.Host, cfg.UDP.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	cache := paramcache.New()
	engine := fanout.New(cache, log.Logger)
	app := newRelayApp(ctx, cfg, cache, engine, log.Logger)

	udpAddr := fmt.Sprintf("%s:%d", cfg.UDP.Host, cfg.UDP.Port)
	udpListener, err := ingest.Listen(udpAddr, engine, log.Logger)
	if err != nil {
		log.Error("failed to start UDP ingest", "error", err)
		os.Exit(1)
	}
	defer udpListener.Close()

	go func() {
		if err := udpListener.Run(ctx); err != nil {
			log.Error("udp ingest stopped", "error", err)
		}
	}()
	log.Info("UDP ingest listening", "address", udpListener.Addr().String())

	signalingServer := signaling.New(app, app, log.Logger)
	signalingAddr := fmt.Sprintf("%s:%d", cfg.Signaling.Host, cfg.Signaling.Port)
	if err := signalingServer.Start(signalingAddr); err != nil {
		log.Error("failed to start signaling server", "error", err)
		os.Exit(1)
	}
	log.Info("signaling server listening", "address", signalingServer.Addr())

	log.Info("ready - press Ctrl+C to stop")
	<-ctx.Done()

	log.Info("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := signalingServer.Stop(stopCtx); err != nil {
		log.Error("error stopping signaling server", "error", err)
	}

	app.closeAllSessions()
	log.Info("graceful shutdown complete")
}

// relayApp wires the fan-out engine and configuration into the
// signaling.SessionCreator/StatsProvider interfaces, and tracks live
// sessions (keyed separately from fanout.Engine, which only sees the
// Sender interface) so shutdown can close each one synchronously.
type relayApp struct {
	ctx    context.Context
	cfg    *config.Config
	cache  *paramcache.Cache
	engine *fanout.Engine
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newRelayApp(ctx context.Context, cfg *config.Config, cache *paramcache.Cache, engine *fanout.Engine, logger *slog.Logger) *relayApp {
	return &relayApp{
		ctx:      ctx,
		cfg:      cfg,
		cache:    cache,
		engine:   engine,
		logger:   logger,
		sessions: make(map[string]*session.Session),
	}
}

// CreateSession implements signaling.SessionCreator.
func (a *relayApp) CreateSession(ctx context.Context, offerSDP string) (string, string, error) {
	sessCfg := session.Config{
		PayloadType: a.cfg.RTP.PayloadType,
		ClockRate:   a.cfg.RTP.ClockRate,
		FPS:         a.cfg.RTP.FPS,
		MTU:         a.cfg.RTP.MTU,
	}
	iceCfg := session.ICEConfig{Servers: a.cfg.ICE.Servers()}

	s, answerSDP, err := session.New(a.ctx, sessCfg, iceCfg, offerSDP, a.cache, a.logger, a.onSessionTerminal)
	if err != nil {
		return "", "", err
	}

	a.mu.Lock()
	a.sessions[s.ID()] = s
	a.mu.Unlock()
	a.engine.Register(s)

	return s.ID(), answerSDP, nil
}

func (a *relayApp) onSessionTerminal(id string) {
	a.engine.Deregister(id)
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// Stats implements signaling.StatsProvider.
func (a *relayApp) Stats() signaling.StatsView {
	st := a.engine.Stats(func(s fanout.Sender) (string, string) {
		sess, ok := s.(*session.Session)
		if !ok {
			return "", ""
		}
		return sess.ICEState().String(), sess.ConnectionState().String()
	})

	details := make([]signaling.ConnectionDetail, len(st.Connections))
	for i, c := range st.Connections {
		details[i] = signaling.ConnectionDetail{
			ID:              c.ID,
			FrameCount:      c.FrameCount,
			SentSPSPPS:      c.SentSPSPPS,
			ICEState:        c.ICEState,
			ConnectionState: c.ConnectionState,
		}
	}

	return signaling.StatsView{
		TotalConnections:  st.TotalConnections,
		ActiveConnections: st.ActiveConnections,
		PacketsReceived:   st.PacketsReceived,
		BytesReceived:     st.BytesReceived,
		UptimeSeconds:     st.Uptime.Seconds(),
		HasSPS:            st.HasSPS,
		HasPPS:            st.HasPPS,
		Connections:       details,
	}
}

func (a *relayApp) closeAllSessions() {
	a.mu.Lock()
	sessions := make([]*session.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

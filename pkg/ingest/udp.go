// Package ingest owns the UDP socket the relay receives its H.264
// Annex-B elementary stream on and feeds each datagram through a
// nalu.Framer before handing complete NAL units to the fan-out engine.
//
// Each parsed unit is dispatched to the next stage immediately rather
// than queued; there is no buffering between a read and its Forward.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/ethan/h264-webrtc-relay/pkg/nalu"
)

// Forwarder receives complete NAL units as they're framed.
type Forwarder interface {
	Forward(nal []byte)
}

// Listener owns a single UDP socket.
type Listener struct {
	conn   *net.UDPConn
	framer *nalu.Framer
	out    Forwarder
	logger *slog.Logger
}

// Listen binds addr and returns a Listener ready to Run.
func Listen(addr string, out Forwarder, logger *slog.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("ingest: listen %q: %w", addr, err)
	}
	return &Listener{
		conn:   conn,
		framer: nalu.NewFramer(),
		out:    out,
		logger: logger,
	}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Close releases the socket. Run returns once Close unblocks the
// in-flight ReadFromUDP.
func (l *Listener) Close() error { return l.conn.Close() }

// Run reads datagrams until ctx is cancelled or the socket is closed.
// Each datagram is fed to the Annex-B framer; every NAL unit the framer
// emits is handed to out.Forward before the next datagram is read, so
// fan-out backpressure (if any) is felt directly on the read loop —
// there is no internal queue and no rate adaptation.
func (l *Listener) Run(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn("udp read error", "error", err)
			continue
		}
		for _, nalUnit := range l.framer.Feed(buf[:n]) {
			l.out.Forward(nalUnit)
		}
	}
}

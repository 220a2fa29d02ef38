package ingest_test

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/h264-webrtc-relay/pkg/ingest"
)

type recordingForwarder struct {
	mu   sync.Mutex
	nals [][]byte
}

func (r *recordingForwarder) Forward(nal []byte) {
	cp := append([]byte(nil), nal...)
	r.mu.Lock()
	r.nals = append(r.nals, cp)
	r.mu.Unlock()
}

func (r *recordingForwarder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.nals...)
}

func TestListenerFramesDatagramsIntoNALs(t *testing.T) {
	fwd := &recordingForwarder{}
	l, err := ingest.Listen("127.0.0.1:0", fwd, slog.Default())
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	datagram := []byte{0, 0, 0, 1, 0x67, 0xAA, 0, 0, 0, 1, 0x68, 0xBB, 0, 0, 0, 1, 0x65, 0xCC}
	_, err = conn.Write(datagram)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fwd.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	nals := fwd.snapshot()
	require.Equal(t, []byte{0x67, 0xAA}, nals[0])
	require.Equal(t, []byte{0x68, 0xBB}, nals[1])

	cancel()
	<-done
}

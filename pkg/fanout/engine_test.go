package fanout_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/h264-webrtc-relay/pkg/fanout"
	"github.com/ethan/h264-webrtc-relay/pkg/paramcache"
)

type fakeSender struct {
	id                string
	active            bool
	sentParameterSets bool
	frameCount        uint64

	primedCalls []string
	frameCalls  [][]byte
}

func (f *fakeSender) ID() string             { return f.id }
func (f *fakeSender) Active() bool           { return f.active }
func (f *fakeSender) SentParameterSets() bool { return f.sentParameterSets }
func (f *fakeSender) MarkParameterSetsSent()  { f.sentParameterSets = true }

func (f *fakeSender) SendParameterSet(nal []byte) error {
	f.primedCalls = append(f.primedCalls, string(nal))
	return nil
}

func (f *fakeSender) SendFrame(nal []byte, marker, isVideoFrame bool) error {
	f.frameCalls = append(f.frameCalls, nal)
	if isVideoFrame {
		f.frameCount++
	}
	return nil
}

func (f *fakeSender) FrameCount() uint64 { return f.frameCount }

func TestForwardCachesSPSAndPPSWithoutFanningOut(t *testing.T) {
	cache := paramcache.New()
	e := fanout.New(cache, slog.Default())

	sender := &fakeSender{id: "s1", active: true}
	e.Register(sender)

	e.Forward([]byte{0x67, 1, 2, 3}) // SPS
	e.Forward([]byte{0x68, 4, 5, 6}) // PPS

	sps, pps := cache.Snapshot()
	require.NotNil(t, sps)
	require.NotNil(t, pps)
	require.Empty(t, sender.frameCalls, "parameter sets must not be forwarded as frames")
}

func TestForwardPrimesParameterSetsBeforeFirstIDR(t *testing.T) {
	cache := paramcache.New()
	e := fanout.New(cache, slog.Default())

	sender := &fakeSender{id: "s1", active: true}
	e.Register(sender)

	e.Forward([]byte{0x67, 1, 2}) // SPS
	e.Forward([]byte{0x68, 3, 4}) // PPS

	e.Forward([]byte{0x65, 9, 9}) // IDR (type 5)

	require.Len(t, sender.primedCalls, 2, "SPS then PPS must be sent before the first IDR")
	require.True(t, sender.sentParameterSets)
	require.Len(t, sender.frameCalls, 1)

	e.Forward([]byte{0x65, 8, 8}) // a second IDR must not re-prime
	require.Len(t, sender.primedCalls, 2)
}

func TestForwardSkipsPrimingWithoutCachedParameterSets(t *testing.T) {
	cache := paramcache.New()
	e := fanout.New(cache, slog.Default())

	sender := &fakeSender{id: "s1", active: true}
	e.Register(sender)

	e.Forward([]byte{0x65, 1, 1}) // IDR arrives before SPS/PPS are cached

	require.Empty(t, sender.primedCalls)
	require.False(t, sender.sentParameterSets)
	require.Len(t, sender.frameCalls, 1)
}

func TestForwardSkipsInactiveSessions(t *testing.T) {
	cache := paramcache.New()
	e := fanout.New(cache, slog.Default())

	active := &fakeSender{id: "active", active: true}
	inactive := &fakeSender{id: "inactive", active: false}
	e.Register(active)
	e.Register(inactive)

	e.Forward([]byte{0x61, 1, 1}) // non-IDR video frame

	require.Len(t, active.frameCalls, 1)
	require.Empty(t, inactive.frameCalls)
}

func TestDeregisterRemovesSessionFromFanout(t *testing.T) {
	cache := paramcache.New()
	e := fanout.New(cache, slog.Default())

	sender := &fakeSender{id: "s1", active: true}
	e.Register(sender)
	e.Deregister("s1")

	e.Forward([]byte{0x61, 1, 1})
	require.Empty(t, sender.frameCalls)
}

func TestStatsReportsCountersAndConnectionDetails(t *testing.T) {
	cache := paramcache.New()
	e := fanout.New(cache, slog.Default())

	s1 := &fakeSender{id: "s1", active: true}
	s2 := &fakeSender{id: "s2", active: true}
	e.Register(s1)
	e.Register(s2)

	e.Forward([]byte{0x67, 1}) // SPS
	e.Forward([]byte{0x68, 2}) // PPS
	e.Forward([]byte{0x65, 3}) // IDR, fans out to both and primes both

	st := e.Stats(nil)
	require.Equal(t, uint64(2), st.TotalConnections)
	require.Equal(t, 2, st.ActiveConnections)
	require.True(t, st.HasSPS)
	require.True(t, st.HasPPS)
	require.Len(t, st.Connections, 2)
}

package signaling_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/h264-webrtc-relay/pkg/signaling"
)

type fakeSessions struct {
	connID, answerSDP string
	err               error
	gotOffer          string
}

func (f *fakeSessions) CreateSession(ctx context.Context, offerSDP string) (string, string, error) {
	f.gotOffer = offerSDP
	if f.err != nil {
		return "", "", f.err
	}
	return f.connID, f.answerSDP, nil
}

type fakeStats struct {
	view signaling.StatsView
}

func (f *fakeStats) Stats() signaling.StatsView { return f.view }

func startTestServer(t *testing.T, sessions signaling.SessionCreator, stats signaling.StatsProvider) string {
	t.Helper()

	srv := signaling.New(sessions, stats, slog.Default())
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	// Start binds an ephemeral port chosen by the OS; poll /health on a
	// fixed well-known test port isn't possible here, so instead this
	// test exercises the server through the address it actually bound.
	return srv.Addr()
}

func TestHandleOfferSuccess(t *testing.T) {
	sessions := &fakeSessions{connID: "conn-1", answerSDP: "v=0\r\nanswer"}
	stats := &fakeStats{}
	addr := startTestServer(t, sessions, stats)

	resp, err := http.Post(fmt.Sprintf("http://%s/offer", addr), "text/plain", bytes.NewBufferString("v=0\r\noffer"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, float64(0), body["code"])
	require.Equal(t, "answer", body["type"])
	require.Equal(t, "conn-1", body["connectionId"])
	require.Equal(t, "v=0\r\noffer", sessions.gotOffer)
}

func TestHandleOfferFailure(t *testing.T) {
	sessions := &fakeSessions{err: errors.New("negotiation failed")}
	addr := startTestServer(t, sessions, &fakeStats{})

	resp, err := http.Post(fmt.Sprintf("http://%s/offer", addr), "text/plain", bytes.NewBufferString("bad"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, float64(-1), body["code"])
	require.Equal(t, "negotiation failed", body["error"])
}

func TestHandleOfferRejectsNonPost(t *testing.T) {
	addr := startTestServer(t, &fakeSessions{}, &fakeStats{})

	resp, err := http.Get(fmt.Sprintf("http://%s/offer", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleStats(t *testing.T) {
	stats := &fakeStats{view: signaling.StatsView{
		TotalConnections:  3,
		ActiveConnections: 2,
		HasSPS:            true,
		HasPPS:            true,
	}}
	addr := startTestServer(t, &fakeSessions{}, stats)

	resp, err := http.Get(fmt.Sprintf("http://%s/stats", addr))
	require.NoError(t, err)
	defer resp.Body.Close()

	var got signaling.StatsView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, stats.view, got)
}

func TestHandleHealth(t *testing.T) {
	stats := &fakeStats{view: signaling.StatsView{ActiveConnections: 5}}
	addr := startTestServer(t, &fakeSessions{}, stats)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(5), body["connections"])
}

package paramcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/h264-webrtc-relay/pkg/paramcache"
)

func TestCacheSnapshotAbsentInitially(t *testing.T) {
	c := paramcache.New()
	sps, pps := c.Snapshot()
	require.Nil(t, sps)
	require.Nil(t, pps)
	require.False(t, c.Ready())
}

func TestCacheLastWins(t *testing.T) {
	c := paramcache.New()
	c.SetSPS([]byte{1, 2, 3})
	c.SetSPS([]byte{4, 5, 6})
	sps, _ := c.Snapshot()
	require.Equal(t, []byte{4, 5, 6}, sps)
}

func TestCacheReadyRequiresBoth(t *testing.T) {
	c := paramcache.New()
	c.SetSPS([]byte{1})
	require.False(t, c.Ready())
	c.SetPPS([]byte{2})
	require.True(t, c.Ready())
}

func TestCacheSnapshotIsACopy(t *testing.T) {
	c := paramcache.New()
	original := []byte{9, 9, 9}
	c.SetSPS(original)

	sps, _ := c.Snapshot()
	sps[0] = 0xff

	sps2, _ := c.Snapshot()
	require.Equal(t, byte(9), sps2[0], "mutating a snapshot must not affect cache state")
}

func TestCacheIdempotentWrites(t *testing.T) {
	c := paramcache.New()
	c.SetSPS([]byte{1, 2, 3})
	before, _ := c.Snapshot()
	c.SetSPS([]byte{1, 2, 3})
	after, _ := c.Snapshot()
	require.Equal(t, before, after)
}

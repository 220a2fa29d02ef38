// Package paramcache remembers the most recently observed SPS and PPS
// NAL units so that a peer joining after ingest has already produced a
// keyframe can still be primed with decoder configuration.
package paramcache

import "sync"

// Cache holds the latest SPS and PPS byte sequences seen on ingest.
// Writes are last-wins; Snapshot is atomic with respect to writes and
// returns copies safe for the caller to retain or transmit.
//
// Modeled on gortsplib's TrackH264 SafeSPS/SafeSetSPS accessors,
// generalized to a standalone cache rather than a track field.
type Cache struct {
	mu  sync.RWMutex
	sps []byte
	pps []byte
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{}
}

// SetSPS replaces the cached SPS.
func (c *Cache) SetSPS(nal []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sps = clone(nal)
}

// SetPPS replaces the cached PPS.
func (c *Cache) SetPPS(nal []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pps = clone(nal)
}

// Snapshot returns copies of the currently cached SPS and PPS. Either
// may be nil if never set. A snapshot observing a fresh SPS need not
// observe a matching fresh PPS written concurrently — callers tolerate
// that by forwarding whatever is present.
func (c *Cache) Snapshot() (sps, pps []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.sps), clone(c.pps)
}

// Ready reports whether both SPS and PPS are currently cached.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sps != nil && c.pps != nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Package server implements bulkdns-go's secondary server mode: a UDP (and
// optionally TCP) listener that hands each received packet to a hook and
// writes back whatever bytes the hook produces.
package server

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// ClientTracker records a short TTL-backed window of recent activity per
// source address. Same expiring-map shape as a session manager keyed by
// ID and refreshed on every access, applied here to query bursts per
// client IP instead of session state.
type ClientTracker struct {
	store *cache.Cache
	mu    sync.Mutex
}

// clientActivity is the per-client record kept in the cache.
type clientActivity struct {
	Count    int
	LastSeen time.Time
}

// NewClientTracker builds a tracker with a 30s window and a 1 minute
// cleanup interval: a burst worth flagging here is measured in seconds.
func NewClientTracker() *ClientTracker {
	return &ClientTracker{store: cache.New(30*time.Second, time.Minute)}
}

// Observe records one packet from addr and returns the request count seen
// from that address within the current window.
func (t *ClientTracker) Observe(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if val, found := t.store.Get(addr); found {
		act := val.(*clientActivity)
		act.Count++
		act.LastSeen = time.Now()
		t.store.Set(addr, act, cache.DefaultExpiration)
		return act.Count
	}

	act := &clientActivity{Count: 1, LastSeen: time.Now()}
	t.store.Set(addr, act, cache.DefaultExpiration)
	return 1
}

// Package stats tracks scan-run counters and a short-lived duplicate-query
// detector. Neither is part of the per-response JSON schema: the counters
// are the operator-facing summary printed at shutdown, and the detector,
// built on the same TTL-backed lookup shape used elsewhere for expiring
// per-key state, only feeds Debug log lines.
package stats

import (
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Counters are the end-of-run totals printed at shutdown.
type Counters struct {
	Sent             atomic.Int64
	UDPAccepted      atomic.Int64
	TCPAttempted     atomic.Int64
	TCPSucceeded     atomic.Int64
	DecodeFailures   atomic.Int64
	EncodeFailures   atomic.Int64
	QueueFullWaits   atomic.Int64
	TimeoutResets    atomic.Int64
}

// Snapshot is a point-in-time render of Counters suitable for logging.
type Snapshot struct {
	Sent, UDPAccepted, TCPAttempted, TCPSucceeded int64
	DecodeFailures, EncodeFailures                int64
	QueueFullWaits, TimeoutResets                 int64
}

// Snapshot reads every counter once.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Sent:           c.Sent.Load(),
		UDPAccepted:    c.UDPAccepted.Load(),
		TCPAttempted:   c.TCPAttempted.Load(),
		TCPSucceeded:   c.TCPSucceeded.Load(),
		DecodeFailures: c.DecodeFailures.Load(),
		EncodeFailures: c.EncodeFailures.Load(),
		QueueFullWaits: c.QueueFullWaits.Load(),
		TimeoutResets:  c.TimeoutResets.Load(),
	}
}

// DuplicateTracker flags domains submitted more than once within a short
// window by refreshing a TTL on every access. It is purely advisory
// (logged at Debug), never part of the scan's correctness contract.
type DuplicateTracker struct {
	seen *cache.Cache
}

// NewDuplicateTracker builds a tracker with a 30s expiration and a 1 minute
// cleanup interval, short enough for a scan that may run for seconds
// rather than hours.
func NewDuplicateTracker() *DuplicateTracker {
	return &DuplicateTracker{seen: cache.New(30*time.Second, time.Minute)}
}

// Observe records qname and reports whether it was already seen within the
// tracking window.
func (d *DuplicateTracker) Observe(qname string) (isDuplicate bool) {
	if _, found := d.seen.Get(qname); found {
		d.seen.Set(qname, true, cache.DefaultExpiration)
		return true
	}
	d.seen.Set(qname, true, cache.DefaultExpiration)
	return false
}

// Package ratelimit provides a simple datagrams-per-second send limiter.
package ratelimit

import "time"

// Limiter paces sends to dps datagrams per second on average.
// Not safe for concurrent use.
type Limiter struct {
	nsPerDatagram int64
	sent          uint64
	start         time.Time
	checkEvery    uint64
}

// New creates a limiter for dps datagrams per second.
// If dps == 0, pacing is disabled.
func New(dps uint64) *Limiter {
	if dps == 0 {
		return nil
	}
	return &Limiter{
		nsPerDatagram: int64(time.Second) / int64(dps),
		start:         time.Now(),

		// Check time every ~10ms of sends to balance accuracy vs overhead.
		// At least every 32 datagrams. At most every 1024.
		checkEvery: min(max(dps/100, 32), 1024),
	}
}

// Take blocks until n more datagrams are allowed.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Limiter) Take(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.sent += n
	if l.sent%l.checkEvery != 0 {
		return // Fast path: only check time periodically.
	}

	// Slow path: check if we need to sleep
	expected := l.start.Add(time.Duration(int64(l.sent) * l.nsPerDatagram))

	if now := time.Now(); now.Before(expected) {
		time.Sleep(expected.Sub(now))
	}
	// If behind schedule, naturally catch up by not sleeping
}

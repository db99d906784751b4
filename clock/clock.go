// Process-relative wall clock.  The cache stores 32-bit expiration
// times relative to server start, refreshed once per second, so item
// headers stay small and comparisons stay cheap.
package clock

import (
	"time"

	"github.com/dropbox/godropbox/sync2"
)

// Seconds since the owning Source's process start.
type Rel uint32

// Expiration deltas above this are treated as absolute unix timestamps.
const MaxRelativeDelta = 60 * 60 * 24 * 30

// The slice of time2.Clock the source needs; time2.DefaultClock and
// time2.MockClock both satisfy it.
type WallClock interface {
	Now() time.Time
}

type Source struct {
	clock WallClock

	// Process start is backdated by two seconds so the relative clock
	// is never zero, which lets callers treat a zero oldest_live as
	// "never set".
	started time.Time

	current sync2.AtomicUint32

	done chan struct{}
}

// This creates a started Source.  Pass time2.DefaultClock outside of
// tests.
func NewSource(clock WallClock) *Source {
	s := &Source{
		clock:   clock,
		started: clock.Now().Add(-2 * time.Second),
		done:    make(chan struct{}),
	}
	s.RefreshNow()
	return s
}

// Started returns the (backdated) process start time.
func (s *Source) Started() time.Time {
	return s.started
}

// Rel returns the current relative time.  It is updated once per
// second by Run and on demand by RefreshNow.
func (s *Source) Rel() Rel {
	return Rel(s.current.Get())
}

// RefreshNow recomputes the relative time from the wall clock.  Called
// by commands that act on time (flush_all, expiration computation) so
// they never act on a stale second.
func (s *Source) RefreshNow() Rel {
	now := Rel(s.clock.Now().Sub(s.started) / time.Second)
	s.current.Set(uint32(now))
	return now
}

// Run refreshes the relative time once per second until Stop is
// called.  Runs on its own goroutine.
func (s *Source) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RefreshNow()
		case <-s.done:
			return
		}
	}
}

func (s *Source) Stop() {
	close(s.done)
}

// Realtime converts a client-provided exptime into a relative time:
// zero never expires, values up to thirty days are deltas from now,
// and anything larger is an absolute unix timestamp.  Absolute times
// in the past clamp to one second after start so the item is already
// expired without tripping the zero tri-state.
func (s *Source) Realtime(exptime int64) Rel {
	if exptime == 0 {
		return 0
	}

	if exptime > MaxRelativeDelta {
		started := s.started.Unix()
		if exptime <= started {
			return Rel(1)
		}
		return Rel(exptime - started)
	}

	return Rel(int64(s.Rel()) + exptime)
}

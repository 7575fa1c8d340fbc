// Package clock provides the millisecond monotonic down-timer contract the
// data-link protocol's retry, beacon, and disconnect-grace timers are built
// on (spec §6 clock contract). Production code uses the Real clock, backed
// by time.Now; tests substitute Fake to advance time deterministically,
// following the teacher's preference for an injectable clock over sprinkling
// time.Now() through state-machine logic (see pkg/nmt.NMT's time.Timer use,
// adapted here to a pollable down-timer rather than a callback timer since
// the protocol engine is driven by a single cooperative Update call, not by
// goroutine-delivered timer events).
package clock

import "time"

// Clock abstracts the passage of time for a single owning goroutine.
type Clock interface {
	Now() time.Time
	StartDownTimer(d time.Duration) Timer
}

// Timer is a monotonic down-timer. IsExpired is a pure query; it never
// blocks and never resets itself.
type Timer interface {
	IsExpired(now time.Time) bool
	Remaining(now time.Time) time.Duration
}

// Real is the production Clock, backed by the system monotonic clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) StartDownTimer(d time.Duration) Timer {
	return &downTimer{deadline: time.Now().Add(d)}
}

type downTimer struct {
	deadline time.Time
}

func (t *downTimer) IsExpired(now time.Time) bool {
	return !now.Before(t.deadline)
}

func (t *downTimer) Remaining(now time.Time) time.Duration {
	d := t.deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

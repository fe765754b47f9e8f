// Package backoff computes retransmit schedules as absolute trigger
// instants. It wraps the exponential engine from cenkalti/backoff so the
// caller never deals in relative durations: every question is "when does
// this fire next" and "is it dead yet", both answered against an explicit
// clock supplied by the caller.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// Multiplier doubles the interval between successive triggers.
	Multiplier = 2

	// MaxJitter bounds the randomisation applied to each interval.
	// With a 1 s base interval the randomisation factor below yields
	// at most 50 ms of jitter in either direction.
	MaxJitter = 50 * time.Millisecond

	randomizationFactor = 0.05
)

// expiredStep is the artificial interval used to keep NextTrigger
// monotonically increasing after the schedule has expired. The returned
// instants are invalid in the sense that the caller must check IsExpired
// before acting on them.
const expiredStep = time.Hour

// Backoff is an exponential retransmit schedule projected onto absolute
// instants. It is driven entirely by the caller's clock: no wall-clock
// reads happen inside.
type Backoff struct {
	exp        *backoff.ExponentialBackOff
	clock      *manualClock
	start      time.Time
	next       time.Time
	maxElapsed time.Duration
	expired    bool
}

// New creates a schedule whose first trigger is at now + initial, with each
// successive interval multiplied by Multiplier and capped at max. Once the
// elapsed time exceeds maxElapsed the schedule expires.
func New(now time.Time, initial, max, maxElapsed time.Duration) *Backoff {
	clock := &manualClock{now: now}
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: randomizationFactor,
		Multiplier:          Multiplier,
		MaxInterval:         max,
		MaxElapsedTime:      maxElapsed,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	exp.Reset()

	b := &Backoff{
		exp:        exp,
		clock:      clock,
		start:      now,
		maxElapsed: maxElapsed,
	}
	b.next = now.Add(exp.NextBackOff())
	return b
}

// NewFast is the schedule used for proactive allocation refreshes:
// effectively one-shot, a single trigger one second out.
func NewFast(now time.Time) *Backoff {
	return New(now, time.Second, time.Second, time.Second)
}

// NewStandard is the schedule used for authenticated TURN requests:
// a trigger every second for up to eight seconds.
func NewStandard(now time.Time) *Backoff {
	return New(now, time.Second, time.Second, 8*time.Second)
}

// NextTrigger returns the absolute instant of the next retransmit. After
// expiry the returned instants keep increasing but must not be acted on;
// check IsExpired first.
func (b *Backoff) NextTrigger() time.Time {
	return b.next
}

// HandleTimeout advances the schedule after the caller has acted on a
// trigger. now should be the instant the trigger fired at.
func (b *Backoff) HandleTimeout(now time.Time) {
	if b.expired {
		b.next = b.next.Add(expiredStep)
		return
	}
	b.clock.now = now
	d := b.exp.NextBackOff()
	if d == backoff.Stop {
		b.expired = true
		b.next = b.next.Add(expiredStep)
		return
	}
	b.next = now.Add(d)
}

// IsExpired reports whether the schedule has run out of triggers, either
// because the engine signalled stop or because more than maxElapsed has
// passed since the schedule started.
func (b *Backoff) IsExpired(now time.Time) bool {
	return b.expired || now.Sub(b.start) > b.maxElapsed
}

// Reset restarts the schedule from now, as if freshly created.
func (b *Backoff) Reset(now time.Time) {
	b.clock.now = now
	b.start = now
	b.expired = false
	b.exp.Reset()
	b.next = now.Add(b.exp.NextBackOff())
}

// manualClock satisfies backoff.Clock with a caller-controlled instant so
// that elapsed-time accounting follows the sans-I/O timestamps instead of
// the wall clock.
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

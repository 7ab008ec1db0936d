// Package rate implements the frame-rate shaping used by the serve loop: an
// integrator that trims an inter-frame delay offset so the long-run send
// rate tracks a target even when the producer runs much faster.
package rate

import "time"

// DefaultGain is the integrator gain on the send-interval error.
const DefaultGain = 0.1

// Limiter decides whether a candidate frame may be sent now.
//
// Not safe for concurrent use; each serve loop owns one.
type Limiter struct {
	fpsTgt float64
	gain   float64

	delta     float64 // integrator state, seconds
	lastCheck time.Time
	lastSend  time.Time

	now func() time.Time // stubbed in tests
}

// New returns a limiter targeting fpsTgt frames per second.
func New(fpsTgt, gain float64) *Limiter {
	l := &Limiter{fpsTgt: fpsTgt, gain: gain, now: time.Now}
	t := l.now()
	l.lastCheck = t
	l.lastSend = t
	return l
}

func (l *Limiter) period() float64 { return 1.0 / l.fpsTgt }

// Ready reports whether enough time has passed since the last accepted
// check. A false return means the caller should micro-sleep and re-poll; a
// true return commits the check time, and the caller is expected to send
// and then call Sent.
func (l *Limiter) Ready() bool {
	t := l.now()
	if t.Sub(l.lastCheck).Seconds() < l.period()-l.delta {
		return false
	}
	l.lastCheck = t
	return true
}

// Sent folds the achieved send interval into the integrator.
func (l *Limiter) Sent() {
	t := l.now()
	l.delta += l.gain * (t.Sub(l.lastSend).Seconds() - l.period())
	l.lastSend = t
}

// Idle is called while no frame is being sent. If more than two periods
// have passed since the last send the integrator is reset and the last-send
// time back-dated, so a subscriber reconnecting after a quiet stretch does
// not get a burst of overshoot.
func (l *Limiter) Idle() {
	t := l.now()
	if t.Sub(l.lastSend).Seconds() > 2*l.period() {
		l.delta = 0
		l.lastSend = t.Add(-time.Duration(2 * l.period() * float64(time.Second)))
	}
}

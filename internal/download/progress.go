package download

import (
	"time"

	"golang.org/x/time/rate"
)

// emitter coalesces byte progress so listeners see at most one update per interval.
// Status changes bypass the limit.
type emitter struct {
	session   *Session
	fn        ProgressFunc
	sometimes *rate.Sometimes
}

func newEmitter(session *Session, fn ProgressFunc, interval time.Duration) *emitter {
	return &emitter{
		session:   session,
		fn:        fn,
		sometimes: &rate.Sometimes{Interval: interval},
	}
}

// tick reports byte progress if the interval has passed
func (e *emitter) tick() {
	if e.fn == nil {
		return
	}
	e.sometimes.Do(func() {
		e.fn(e.session.progress())
	})
}

// force reports the current state unconditionally
func (e *emitter) force() {
	if e.fn == nil {
		return
	}
	e.fn(e.session.progress())
}

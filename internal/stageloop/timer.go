package stageloop

import "time"

// Timer posts a callback onto a Loop after initialDelay, repeating every
// period if repeating is true (spec.md §4.6 message kind "Timer").
// Stopping a Timer is best-effort: a tick already in flight when Stop is
// called still posts once.
type Timer struct {
	stop chan struct{}
}

// StartTimer schedules callback to run on loop's goroutine. If repeating is
// false, it fires once after initialDelay and stops. Otherwise it fires
// every period, starting after initialDelay.
func StartTimer(loop *Loop, repeating bool, initialDelay, period time.Duration, callback func()) *Timer {
	t := &Timer{stop: make(chan struct{})}
	go t.run(loop, repeating, initialDelay, period, callback)
	return t
}

func (t *Timer) run(loop *Loop, repeating bool, initialDelay, period time.Duration, callback func()) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
			loop.Post(func() { callback() })
			if !repeating {
				return
			}
			timer.Reset(period)
		}
	}
}

// Stop cancels future ticks. A tick already posted to the loop still runs.
func (t *Timer) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"sync/atomic"
	"time"
)

// TimerCallback is invoked when a timer expires.
type TimerCallback func()

var timerSequenceGenerator int64

// Timer is a scheduled callback: an expiration timestamp, a repeat
// interval (zero means one-shot), and a monotonically assigned sequence
// used to break expiration ties and to identify the timer for
// cancellation. Only the expiration changes after construction, when
// restart reschedules a repeating timer.
type Timer struct {
	callback   TimerCallback
	expiration time.Time
	interval   time.Duration
	repeat     bool
	sequence   int64

	heapIndex int // private to the TimerQueue's heap
}

func newTimer(cb TimerCallback, when time.Time, interval time.Duration) *Timer {
	return &Timer{
		callback:   cb,
		expiration: when,
		interval:   interval,
		repeat:     interval > 0,
		sequence:   atomic.AddInt64(&timerSequenceGenerator, 1),
	}
}

// restart reschedules a repeating timer interval past now, the way a
// fired repeating timer is reinserted rather than recreated.
func (t *Timer) restart(now time.Time) {
	if t.repeat {
		t.expiration = now.Add(t.interval)
	} else {
		t.expiration = time.Time{}
	}
}

// TimerID is the opaque handle returned by scheduling operations; only
// Cancel operates on it.
type TimerID struct {
	timer    *Timer
	sequence int64
}

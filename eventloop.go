// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/netloop/netloop/internal"
	"github.com/netloop/netloop/log"
)

// pollTimeout bounds how long one Poll call may block when nothing is
// ready, so a quit request or a newly-armed timer is never delayed by
// more than this.
const pollTimeout = 10 * time.Second

// activeLoops maps goroutine id to the loop bound to it, standing in for
// the thread-local slot that enforces one-loop-per-goroutine: a second
// NewEventLoop on the same goroutine is a programmer error and aborts.
var activeLoops sync.Map

// EventLoop is a per-thread scheduler: it polls for readiness, dispatches
// channel callbacks, then runs any tasks queued onto it, forever, until
// told to quit. Every Channel, the Poller, and the TimerQueue it owns may
// only be mutated from this loop's own goroutine; work from elsewhere
// must travel through RunInLoop/QueueInLoop.
type EventLoop struct {
	goroutineID int64

	poller *epollPoller
	timers *TimerQueue

	wakeFd      *internal.EventFd
	wakeChannel *Channel

	activeChannels []*Channel

	pendingMu      sync.Mutex
	pendingFuncs   []func()
	callingPending atomic.Bool

	looping atomic.Bool
	quit    atomic.Bool
}

// NewEventLoop constructs a loop bound to the calling goroutine. It must
// be constructed on the goroutine that will call Loop(); construction
// elsewhere followed by Loop() on a different goroutine violates the
// affinity invariant that RunInLoop depends on.
func NewEventLoop() *EventLoop {
	p, err := newPoller()
	if err != nil {
		fatalf("failed to create poller: %v", err)
	}
	wfd, err := internal.NewEventFd()
	if err != nil {
		fatalf("failed to create wake eventfd: %v", err)
	}
	loop := &EventLoop{
		goroutineID: currentGoroutineID(),
		poller:      p,
		wakeFd:      wfd,
	}
	if prev, loaded := activeLoops.LoadOrStore(loop.goroutineID, loop); loaded {
		fatalf("goroutine %d already runs EventLoop %p", loop.goroutineID, prev)
	}
	loop.wakeChannel = NewChannel(loop, wfd.Fd())
	loop.wakeChannel.SetReadCallback(loop.handleWakeRead)
	loop.wakeChannel.EnableReading()
	loop.timers = newTimerQueue(loop)
	return loop
}

// Loop runs the scheduler until Quit is called. Must be invoked on the
// same goroutine that constructed the loop.
func (l *EventLoop) Loop() {
	l.assertInLoopGoroutine()
	l.looping.Store(true)
	l.quit.Store(false)
	log.L().Debugw("event loop starting")

	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		now, err := l.poller.Poll(pollTimeout, &l.activeChannels)
		if err != nil {
			log.L().Errorw("poll failed", "error", err)
			continue
		}
		for _, ch := range l.activeChannels {
			ch.HandleEvent(now)
		}
		l.doPendingFunctors()
	}

	log.L().Debugw("event loop stopping")
	l.looping.Store(false)
}

// doPendingFunctors swaps the pending list out under the mutex, marks
// callingPending for the duration, then runs every task without holding
// the lock so a task may re-enqueue work without deadlocking.
func (l *EventLoop) doPendingFunctors() {
	l.pendingMu.Lock()
	funcs := l.pendingFuncs
	l.pendingFuncs = nil
	l.pendingMu.Unlock()

	l.callingPending.Store(true)
	for _, f := range funcs {
		f()
	}
	l.callingPending.Store(false)
}

// RunInLoop executes f immediately if called from the loop's own
// goroutine; otherwise it queues f to run during the loop's next task
// phase.
func (l *EventLoop) RunInLoop(f func()) {
	if l.IsInLoopGoroutine() {
		f()
		return
	}
	l.QueueInLoop(f)
}

// QueueInLoop always defers f to the next task phase, waking the loop if
// the caller is not the loop's own goroutine or if the loop is currently
// mid-task-phase (about to return to Poll).
func (l *EventLoop) QueueInLoop(f func()) {
	l.pendingMu.Lock()
	l.pendingFuncs = append(l.pendingFuncs, f)
	l.pendingMu.Unlock()

	if !l.IsInLoopGoroutine() || l.callingPending.Load() {
		l.wakeup()
	}
}

// wakeup writes a single event to the wake fd to force the next Poll
// call to return promptly.
func (l *EventLoop) wakeup() {
	if err := l.wakeFd.WriteEvent(1); err != nil {
		log.L().Errorw("failed to wake loop", "error", err)
	}
}

func (l *EventLoop) handleWakeRead(time.Time) {
	if _, err := l.wakeFd.ReadEvent(); err != nil {
		log.L().Errorw("failed to drain wake fd", "error", err)
	}
}

// Quit requests the loop stop after its current iteration. In-flight
// callbacks always complete; quit is only observed between poll cycles.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopGoroutine() {
		l.wakeup()
	}
}

// RunAt schedules cb to fire once at when.
func (l *EventLoop) RunAt(when time.Time, cb TimerCallback) TimerID {
	return l.timers.AddTimer(cb, when, 0)
}

// RunAfter schedules cb to fire once after delay elapses.
func (l *EventLoop) RunAfter(delay time.Duration, cb TimerCallback) TimerID {
	return l.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb to fire repeatedly, starting after interval and
// then every interval thereafter.
func (l *EventLoop) RunEvery(interval time.Duration, cb TimerCallback) TimerID {
	return l.timers.AddTimer(cb, time.Now().Add(interval), interval)
}

// CancelTimer cancels a previously scheduled timer by id.
func (l *EventLoop) CancelTimer(id TimerID) {
	l.timers.Cancel(id)
}

func (l *EventLoop) updateChannel(ch *Channel) {
	l.assertInLoopGoroutine()
	if err := l.poller.UpdateChannel(ch); err != nil {
		log.L().Errorw("update channel failed", "fd", ch.Fd(), "error", err)
	}
}

func (l *EventLoop) removeChannel(ch *Channel) {
	l.assertInLoopGoroutine()
	if err := l.poller.RemoveChannel(ch); err != nil {
		log.L().Errorw("remove channel failed", "fd", ch.Fd(), "error", err)
	}
}

func (l *EventLoop) hasChannel(ch *Channel) bool {
	return l.poller.HasChannel(ch)
}

// IsInLoopGoroutine reports whether the calling goroutine is this loop's
// own goroutine.
func (l *EventLoop) IsInLoopGoroutine() bool {
	return currentGoroutineID() == l.goroutineID
}

func (l *EventLoop) assertInLoopGoroutine() {
	if !l.IsInLoopGoroutine() {
		fatalf("EventLoop method called from a foreign goroutine")
	}
}

// Close releases the loop's wake fd, timer fd, and poller fd, and frees
// the goroutine's loop slot. Call only after Loop has returned.
func (l *EventLoop) Close() {
	l.wakeChannel.DisableAll()
	l.wakeChannel.Remove()
	l.wakeFd.Close()
	l.timers.close()
	l.poller.Close()
	activeLoops.Delete(l.goroutineID)
}

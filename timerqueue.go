// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"container/heap"
	"time"

	"github.com/netloop/netloop/internal"
)

// timerHeap orders live timers by (expiration, sequence), the earliest
// first; it is one of TimerQueue's two parallel views over the same
// timers, mirroring the "ordered by expiry" set described for the queue.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration.Equal(h[j].expiration) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].expiration.Before(h[j].expiration)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// TimerQueue maintains every live timer for one EventLoop, backed by a
// timerfd registered as a read-interest channel on that loop. The heap
// gives earliest-first order; the byID map gives the second ordering
// (by identity) that cancellation needs, together satisfying the "two
// parallel ordered sets" contract with a single heap plus a hash index.
type TimerQueue struct {
	loop    *EventLoop
	timerFd *internal.TimerFd
	channel *Channel

	heap            timerHeap
	byID            map[int64]*Timer
	callingExpired  bool
	cancelingDuring map[int64]bool
}

func newTimerQueue(loop *EventLoop) *TimerQueue {
	tfd, err := internal.NewTimerFd()
	if err != nil {
		fatalf("timerfd_create failed: %v", err)
	}
	tq := &TimerQueue{
		loop:            loop,
		timerFd:         tfd,
		byID:            make(map[int64]*Timer),
		cancelingDuring: make(map[int64]bool),
	}
	tq.channel = NewChannel(loop, tfd.Fd())
	tq.channel.SetReadCallback(tq.handleRead)
	tq.channel.EnableReading()
	return tq
}

func (tq *TimerQueue) close() {
	tq.channel.DisableAll()
	tq.channel.Remove()
	tq.timerFd.Close()
}

// AddTimer schedules cb to run at when, repeating every interval if
// interval > 0, and returns an opaque id usable with Cancel. Safe to call
// from any thread: the insertion itself always runs on the owning loop.
func (tq *TimerQueue) AddTimer(cb TimerCallback, when time.Time, interval time.Duration) TimerID {
	t := newTimer(cb, when, interval)
	id := TimerID{timer: t, sequence: t.sequence}
	tq.loop.RunInLoop(func() {
		tq.insert(t)
	})
	return id
}

// Cancel removes a timer if it has not yet fired. Cancelling a repeating
// timer from within its own expired-callback invocation prevents the
// pending reinsertion that would otherwise follow.
func (tq *TimerQueue) Cancel(id TimerID) {
	tq.loop.RunInLoop(func() {
		tq.cancelInLoop(id)
	})
}

func (tq *TimerQueue) cancelInLoop(id TimerID) {
	if t, ok := tq.byID[id.sequence]; ok {
		delete(tq.byID, id.sequence)
		if t.heapIndex >= 0 {
			heap.Remove(&tq.heap, t.heapIndex)
		}
		return
	}
	if tq.callingExpired {
		tq.cancelingDuring[id.sequence] = true
	}
}

// insert adds t to both views and, if t now expires earlier than every
// other live timer, reprograms the timerfd. Returns whether the earliest
// deadline changed.
func (tq *TimerQueue) insert(t *Timer) bool {
	earliestChanged := len(tq.heap) == 0 || t.expiration.Before(tq.heap[0].expiration)
	heap.Push(&tq.heap, t)
	tq.byID[t.sequence] = t
	if earliestChanged {
		tq.timerFd.Reset(t.expiration)
	}
	return earliestChanged
}

func (tq *TimerQueue) handleRead(time.Time) {
	tq.timerFd.ReadExpirations()

	now := time.Now()
	expired := tq.getExpired(now)

	tq.callingExpired = true
	tq.cancelingDuring = make(map[int64]bool)
	for _, t := range expired {
		t.callback()
	}
	tq.callingExpired = false

	tq.reset(expired, now)
}

// getExpired pops every timer whose expiration is <= now off the heap,
// removing it from both views.
func (tq *TimerQueue) getExpired(now time.Time) []*Timer {
	var expired []*Timer
	for len(tq.heap) > 0 && !tq.heap[0].expiration.After(now) {
		t := heap.Pop(&tq.heap).(*Timer)
		delete(tq.byID, t.sequence)
		expired = append(expired, t)
	}
	return expired
}

// reset restarts repeating timers that were not cancelled mid-fire and
// rearms the timerfd to the new earliest deadline, if any remain.
func (tq *TimerQueue) reset(expired []*Timer, now time.Time) {
	for _, t := range expired {
		if t.repeat && !tq.cancelingDuring[t.sequence] {
			t.restart(now)
			tq.insert(t)
		}
	}
	if len(tq.heap) > 0 {
		tq.timerFd.Reset(tq.heap[0].expiration)
	}
}

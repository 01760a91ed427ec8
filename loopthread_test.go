// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopThreadStartLoopPublishesRunningLoop(t *testing.T) {
	var initRan atomic.Bool
	lt := NewLoopThread(func(*EventLoop) {
		initRan.Store(true)
	})
	loop := lt.StartLoop()
	if loop == nil {
		t.Fatal("StartLoop returned nil")
	}
	defer loop.Quit()

	if !initRan.Load() {
		t.Fatal("init callback did not run before StartLoop returned")
	}

	done := make(chan struct{})
	loop.RunInLoop(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("published loop is not dispatching tasks")
	}
}

func TestLoopThreadPoolRoundRobin(t *testing.T) {
	base, _ := startTestLoop(t)

	pool := NewLoopThreadPool(base)
	pool.Start(3, nil)
	loops := pool.AllLoops()
	if len(loops) != 3 {
		t.Fatalf("expected 3 worker loops, got %d", len(loops))
	}
	t.Cleanup(func() {
		for _, l := range loops {
			l.Quit()
		}
	})

	for round := 0; round < 2; round++ {
		for i := 0; i < 3; i++ {
			if got := pool.NextLoop(); got != loops[i] {
				t.Fatalf("round %d pick %d: expected loop %p, got %p", round, i, loops[i], got)
			}
		}
	}

	for i, l := range loops {
		if l == base {
			t.Fatalf("worker loop %d is the base loop", i)
		}
		for j := i + 1; j < len(loops); j++ {
			if l == loops[j] {
				t.Fatalf("worker loops %d and %d are the same loop", i, j)
			}
		}
	}
}

func TestLoopThreadPoolZeroThreadsUsesBaseLoop(t *testing.T) {
	base, _ := startTestLoop(t)

	var initLoop atomic.Pointer[EventLoop]
	pool := NewLoopThreadPool(base)
	pool.Start(0, func(l *EventLoop) {
		initLoop.Store(l)
	})

	if got := pool.NextLoop(); got != base {
		t.Fatal("zero-thread pool must hand out the base loop")
	}
	if got := initLoop.Load(); got != base {
		t.Fatal("init callback must run against the base loop when the pool is empty")
	}
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import "sync"

// ThreadInitCallback runs once on a worker's goroutine after its
// EventLoop is constructed but before Loop begins.
type ThreadInitCallback func(*EventLoop)

// LoopThread spawns a single worker goroutine that constructs and runs
// one EventLoop. StartLoop blocks until the worker has published its
// loop pointer, mirroring the semaphore rendezvous a native thread needs
// to hand its identity back to the spawner.
type LoopThread struct {
	initCallback ThreadInitCallback

	mu      sync.Mutex
	cond    *sync.Cond
	loop    *EventLoop
	started bool
}

func NewLoopThread(init ThreadInitCallback) *LoopThread {
	lt := &LoopThread{initCallback: init}
	lt.cond = sync.NewCond(&lt.mu)
	return lt
}

// StartLoop spawns the worker goroutine (if not already running) and
// blocks until its EventLoop has been constructed and published.
func (lt *LoopThread) StartLoop() *EventLoop {
	lt.mu.Lock()
	if lt.started {
		loop := lt.loop
		lt.mu.Unlock()
		return loop
	}
	lt.started = true
	lt.mu.Unlock()

	go lt.run()

	lt.mu.Lock()
	for lt.loop == nil {
		lt.cond.Wait()
	}
	loop := lt.loop
	lt.mu.Unlock()
	return loop
}

func (lt *LoopThread) run() {
	loop := NewEventLoop()
	if lt.initCallback != nil {
		lt.initCallback(loop)
	}

	lt.mu.Lock()
	lt.loop = loop
	lt.mu.Unlock()
	lt.cond.Signal()

	loop.Loop()
	loop.Close()
}

// LoopThreadPool manages N worker threads, each running its own
// EventLoop, and hands loops out round-robin via NextLoop. A pool of
// size zero means single-threaded: NextLoop always returns the base
// loop.
type LoopThreadPool struct {
	baseLoop *EventLoop
	started  bool
	threads  []*LoopThread
	loops    []*EventLoop
	next     int
}

func NewLoopThreadPool(baseLoop *EventLoop) *LoopThreadPool {
	return &LoopThreadPool{baseLoop: baseLoop}
}

// Start spawns numThreads worker loops, running init on each before its
// Loop begins. numThreads == 0 leaves the pool empty: every NextLoop call
// returns the base loop, and the base loop alone handles both accepts and
// connections.
func (p *LoopThreadPool) Start(numThreads int, init ThreadInitCallback) {
	if p.started {
		fatalf("LoopThreadPool already started")
	}
	p.started = true
	for i := 0; i < numThreads; i++ {
		lt := NewLoopThread(init)
		p.threads = append(p.threads, lt)
		p.loops = append(p.loops, lt.StartLoop())
	}
	if numThreads == 0 && init != nil {
		init(p.baseLoop)
	}
}

// NextLoop returns the next loop in round-robin order, or the base loop
// if the pool was started with zero worker threads.
func (p *LoopThreadPool) NextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// AllLoops returns every worker loop, or just the base loop for a
// single-threaded pool.
func (p *LoopThreadPool) AllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return p.loops
}

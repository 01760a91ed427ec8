// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type fakeTieable struct {
	liveness bool
}

func (f *fakeTieable) alive() bool { return f.liveness }

func TestChannelTieDropsEventsAfterDeath(t *testing.T) {
	loop, _ := startTestLoop(t)

	fired := make(chan struct{}, 1)
	var ch *Channel
	loop.RunInLoop(func() {
		ch = NewChannel(loop, -1) // never registered with the poller; dispatched manually
		ch.SetReadCallback(func(time.Time) { fired <- struct{}{} })
		owner := &fakeTieable{liveness: false}
		ch.Tie(owner)
		ch.SetRevents(unix.EPOLLIN)
		ch.HandleEvent(time.Now())
	})

	select {
	case <-fired:
		t.Fatal("callback fired for a dead tied owner")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelTieDispatchesWhileAlive(t *testing.T) {
	loop, _ := startTestLoop(t)

	fired := make(chan struct{}, 1)
	loop.RunInLoop(func() {
		ch := NewChannel(loop, -1)
		ch.SetReadCallback(func(time.Time) { fired <- struct{}{} })
		owner := &fakeTieable{liveness: true}
		ch.Tie(owner)
		ch.SetRevents(unix.EPOLLIN)
		ch.HandleEvent(time.Now())
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired for a live tied owner")
	}
}

func TestChannelDispatchPrecedence(t *testing.T) {
	loop, _ := startTestLoop(t)

	var got string
	done := make(chan struct{})
	loop.RunInLoop(func() {
		ch := NewChannel(loop, -1)
		ch.SetCloseCallback(func() { got = "close" })
		ch.SetErrorCallback(func() { got = "error" })
		ch.SetReadCallback(func(time.Time) { got = "read" })
		ch.SetWriteCallback(func() { got = "write" })

		// Error + read + write set: error must win.
		ch.SetRevents(unix.EPOLLERR | unix.EPOLLIN | unix.EPOLLOUT)
		ch.HandleEvent(time.Now())
		close(done)
	})
	<-done
	if got != "error" {
		t.Fatalf("expected error to take precedence, got %q", got)
	}
}

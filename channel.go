// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// Interest bits mirror the epoll event bits directly so Poller can pass
// them straight through to epoll_ctl without translation.
const (
	EventNone  = 0
	EventRead  = unix.EPOLLIN | unix.EPOLLPRI
	EventWrite = unix.EPOLLOUT
)

// channelState tracks a Channel's registration with the Poller.
type channelState int

const (
	stateNew channelState = iota
	stateAdded
	stateDeleted
)

// ReadCallback receives a timestamp alongside the readiness notification
// so message handlers can record when bytes actually arrived.
type ReadCallback func(when time.Time)
type EventCallback func()

// Channel binds one fd to an interest mask, the poller-filled revents, and
// up to four callbacks. A Channel belongs to exactly one EventLoop for its
// entire lifetime and must only be mutated from that loop's thread. The
// optional tie holds a weak reference to an owning object (a
// TcpConnection) so that events arriving after the owner's destruction are
// dropped instead of dispatched into freed state.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  uint32 // requested interest
	revents uint32 // set by the poller before HandleEvent
	state   channelState

	readCallback  ReadCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback

	tieTarget tieable
	tied      bool
}

// tieable is satisfied by any object a Channel can hold a weak reference
// to for the duration of one dispatch. TcpConnection implements it.
type tieable interface {
	alive() bool
}

func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, state: stateNew}
}

func (c *Channel) Fd() int                 { return c.fd }
func (c *Channel) Events() uint32          { return c.events }
func (c *Channel) SetRevents(r uint32)     { c.revents = r }
func (c *Channel) State() channelState     { return c.state }
func (c *Channel) SetState(s channelState) { c.state = s }
func (c *Channel) IsNoneEvent() bool       { return c.events == EventNone }
func (c *Channel) IsWriting() bool         { return c.events&EventWrite != 0 }
func (c *Channel) IsReading() bool         { return c.events&EventRead != 0 }

func (c *Channel) SetReadCallback(cb ReadCallback)   { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb EventCallback) { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb EventCallback) { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb EventCallback) { c.errorCallback = cb }

// Tie installs a weak liveness reference. While tied, HandleEvent drops
// the dispatch silently if the owner reports itself no longer alive.
func (c *Channel) Tie(owner tieable) {
	c.tieTarget = owner
	c.tied = true
}

func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// Remove deregisters the channel from its loop's Poller. The channel must
// be none-events (all interest disabled) before removal.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// HandleEvent dispatches exactly once based on revents, honoring the tie
// if one was installed. Precedence: close, then error, then read, then
// write, matching the level-triggered semantics epoll reports them in.
func (c *Channel) HandleEvent(when time.Time) {
	if c.tied {
		if !c.tieTarget.alive() {
			return
		}
	}
	c.handleEventWithGuard(when)
}

func (c *Channel) handleEventWithGuard(when time.Time) {
	if c.revents&unix.EPOLLHUP != 0 && c.revents&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
		return
	}
	if c.revents&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
		return
	}
	if c.revents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(when)
		}
		return
	}
	if c.revents&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

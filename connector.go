// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/netloop/netloop/log"
)

type connectorState int

const (
	connectorDisconnected connectorState = iota
	connectorConnecting
	connectorConnected
)

// NewConnectionCallback hands a freshly connected, non-blocking fd to its
// owner (typically a TcpClient) once self-connect has been ruled out.
type NewConnectionCallback func(fd int)

// newConnectorBackOff returns the exact doubling sequence spec.md's
// retry law requires: 500ms, 1s, 2s, ... capped at 30s, with no jitter.
func newConnectorBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Connector drives a non-blocking outbound connect through its retry
// state machine, scheduling backoff retries on the owning loop's timer
// facility rather than spinning.
type Connector struct {
	loop       *EventLoop
	serverAddr InetAddr

	state   connectorState
	connect atomic.Bool // "wants to connect" intent, set from any goroutine

	channel *Channel
	backOff *backoff.ExponentialBackOff
	retryID *TimerID

	newConnectionCallback NewConnectionCallback
}

func NewConnector(loop *EventLoop, serverAddr InetAddr) *Connector {
	return &Connector{
		loop:       loop,
		serverAddr: serverAddr,
		state:      connectorDisconnected,
		backOff:    newConnectorBackOff(),
	}
}

func (c *Connector) SetNewConnectionCallback(cb NewConnectionCallback) {
	c.newConnectionCallback = cb
}

// Start is callable from any thread; it posts the actual connect attempt
// to the owning loop.
func (c *Connector) Start() {
	c.connect.Store(true)
	c.loop.RunInLoop(c.startInLoop)
}

func (c *Connector) startInLoop() {
	c.loop.assertInLoopGoroutine()
	if !c.connect.Load() {
		return
	}
	c.connectToServer()
}

// Restart must be called from the loop thread. It resets the backoff
// delay and the connect intent, then starts again.
func (c *Connector) Restart() {
	c.loop.assertInLoopGoroutine()
	c.state = connectorDisconnected
	c.backOff.Reset()
	c.connect.Store(true)
	c.startInLoop()
}

// Stop clears the intent to connect and cancels any in-flight attempt.
func (c *Connector) Stop() {
	c.connect.Store(false)
	c.loop.QueueInLoop(func() {
		if c.state == connectorConnecting {
			c.state = connectorDisconnected
			c.removeAndResetChannel()
		}
		if c.retryID != nil {
			c.loop.CancelTimer(*c.retryID)
			c.retryID = nil
		}
	})
}

func (c *Connector) connectToServer() {
	fd, err := newNonblockingSocket()
	if err != nil {
		log.L().Errorw("failed to create connect socket", "error", err)
		return
	}

	sa, err := c.serverAddr.toSockaddrInet4()
	if err != nil {
		log.L().Errorw("failed to resolve connect address", "addr", c.serverAddr, "error", err)
		unix.Close(fd)
		return
	}

	err = unix.Connect(fd, sa)
	switch {
	case err == nil, err == unix.EINPROGRESS, err == unix.EINTR, err == unix.EISCONN:
		c.connecting(fd)
	case isTransientConnectError(err):
		c.retry(fd)
	case isPermanentConnectError(err):
		log.L().Errorw("permanent connect error", "addr", c.serverAddr, "error", err)
		unix.Close(fd)
		c.state = connectorDisconnected
	default:
		log.L().Errorw("unexpected connect error", "addr", c.serverAddr, "error", err)
		unix.Close(fd)
	}
}

func isTransientConnectError(err error) bool {
	switch err {
	case unix.EAGAIN, unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.ECONNREFUSED,
		unix.ENETUNREACH, unix.ETIMEDOUT:
		return true
	default:
		return false
	}
}

func isPermanentConnectError(err error) bool {
	switch err {
	case unix.EACCES, unix.EPERM, unix.EAFNOSUPPORT, unix.EBADF,
		unix.EFAULT, unix.ENOTSOCK:
		return true
	default:
		return false
	}
}

func (c *Connector) connecting(fd int) {
	c.state = connectorConnecting
	c.channel = NewChannel(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)
	// A refused connect reports EPOLLHUP alongside EPOLLERR, and Channel
	// dispatches a hangup to the close callback first, so a hangup must
	// take the same retry path as an error.
	c.channel.SetCloseCallback(c.handleError)
	c.channel.EnableWriting()
}

func (c *Connector) handleWrite() {
	if c.state != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()

	if err := getSocketError(fd); err != nil {
		log.L().Debugw("connect failed", "addr", c.serverAddr, "error", err)
		c.retry(fd)
		return
	}
	if isSelfConnect(fd) {
		log.L().Debugw("rejecting self-connect", "addr", c.serverAddr)
		c.retry(fd)
		return
	}

	c.state = connectorConnected
	if c.connect.Load() && c.newConnectionCallback != nil {
		c.newConnectionCallback(fd)
	} else {
		unix.Close(fd)
	}
}

func (c *Connector) handleError() {
	if c.state != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	err := getSocketError(fd)
	log.L().Debugw("connect error event", "addr", c.serverAddr, "error", err)
	c.retry(fd)
}

func (c *Connector) removeAndResetChannel() int {
	fd := c.channel.Fd()
	c.channel.DisableAll()
	c.channel.Remove()
	c.channel = nil
	return fd
}

// retry closes the failed fd and schedules the next connect attempt via
// the loop's timer facility, following the deterministic doubling
// sequence. This must never busy-loop or spin; the source's equivalent
// call is commented out, which this implementation corrects.
func (c *Connector) retry(fd int) {
	unix.Close(fd)
	c.state = connectorDisconnected
	if !c.connect.Load() {
		return
	}
	delay := c.backOff.NextBackOff()
	log.L().Debugw("scheduling connect retry", "addr", c.serverAddr, "delay", delay)
	id := c.loop.RunAfter(delay, func() {
		c.startInLoop()
	})
	c.retryID = &id
}

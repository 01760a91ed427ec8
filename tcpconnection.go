// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"sync/atomic"
	"time"

	"github.com/netloop/netloop/log"
	"golang.org/x/sys/unix"
)

type connState int32

const (
	connConnecting connState = iota
	connConnected
	connDisconnecting
	connDisconnected
)

func (s connState) String() string {
	switch s {
	case connConnecting:
		return "connecting"
	case connConnected:
		return "connected"
	case connDisconnecting:
		return "disconnecting"
	case connDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// defaultHighWaterMark is the default threshold, in bytes, at which a
// TcpConnection reports outbound backpressure via HighWaterMarkCallback.
const defaultHighWaterMark = 64 * 1024 * 1024

// TcpConnection is one established socket's state machine: connecting,
// connected, disconnecting, or disconnected. It owns its socket, channel,
// input and output buffers, and the watermark threshold; all mutating
// operations run on its loop's goroutine. Its lifetime must outlive any
// in-flight callback dispatch, which the channel's tie enforces.
type TcpConnection struct {
	loop *EventLoop
	name string

	fd      int
	channel *Channel

	localAddr InetAddr
	peerAddr  InetAddr

	// state is atomic so foreign goroutines (Send, Shutdown, a user
	// polling Connected) may observe it, but it is only ever mutated
	// from the loop goroutine; the atomic is for observation, not
	// mutual exclusion.
	state     atomic.Int32
	destroyed bool

	inputBuffer  *Buffer
	outputBuffer *Buffer

	highWaterMark int

	connectionCallback     ConnectionCallback
	messageCallback        MessageCallback
	writeCompleteCallback  WriteCompleteCallback
	highWaterMarkCallback  HighWaterMarkCallback
	frameworkCloseCallback closeCallback

	context any
}

// NewTcpConnection wraps an already-connected, non-blocking fd. The
// connection starts in the Connecting state; the owner must call
// ConnectEstablished once it is ready to begin dispatching events.
func NewTcpConnection(loop *EventLoop, name string, fd int, local, peer InetAddr) *TcpConnection {
	conn := &TcpConnection{
		loop:          loop,
		name:          name,
		fd:            fd,
		localAddr:     local,
		peerAddr:      peer,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		highWaterMark: defaultHighWaterMark,
	}
	conn.setState(connConnecting)
	conn.channel = NewChannel(loop, fd)
	conn.channel.SetReadCallback(conn.handleRead)
	conn.channel.SetWriteCallback(conn.handleWrite)
	conn.channel.SetCloseCallback(conn.handleClose)
	conn.channel.SetErrorCallback(conn.handleError)
	setKeepAlive(fd, true)
	setTCPNoDelay(fd, true)
	return conn
}

func (c *TcpConnection) Name() string           { return c.name }
func (c *TcpConnection) LocalAddr() InetAddr    { return c.localAddr }
func (c *TcpConnection) PeerAddr() InetAddr     { return c.peerAddr }
func (c *TcpConnection) Connected() bool        { return c.getState() == connConnected }
func (c *TcpConnection) Loop() *EventLoop       { return c.loop }
func (c *TcpConnection) Context() any           { return c.context }
func (c *TcpConnection) SetContext(ctx any)     { c.context = ctx }
func (c *TcpConnection) SetHighWaterMark(n int) { c.highWaterMark = n }

func (c *TcpConnection) getState() connState  { return connState(c.state.Load()) }
func (c *TcpConnection) setState(s connState) { c.state.Store(int32(s)) }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpConnection) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback) { c.highWaterMarkCallback = cb }
func (c *TcpConnection) setCloseCallback(cb closeCallback)                 { c.frameworkCloseCallback = cb }

// alive implements the tieable interface the Channel consults before
// dispatching: once ConnectDestroyed has run the connection is no longer
// alive, so any event arriving after that is dropped.
func (c *TcpConnection) alive() bool {
	return !c.destroyed
}

// ConnectEstablished must be called exactly once, from the loop thread,
// after the connection's fd is ready to be dispatched on. It ties the
// channel's liveness to this connection, enables read interest, and
// invokes the connection callback.
func (c *TcpConnection) ConnectEstablished() {
	c.loop.assertInLoopGoroutine()
	if s := c.getState(); s != connConnecting {
		fatalf("ConnectEstablished called in state %s", s)
	}
	c.setState(connConnected)
	c.channel.Tie(c)
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed tears down the channel's registration and closes the
// fd. If the connection is still Connected (handleClose never ran), it
// first moves to the disconnected state and fires the connection
// callback a second time; otherwise handleClose already fired it. Called
// once, from the loop thread, as the final step of closing a connection.
func (c *TcpConnection) ConnectDestroyed() {
	c.loop.assertInLoopGoroutine()
	if c.destroyed {
		return
	}
	if c.getState() == connConnected {
		c.setState(connDisconnected)
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	c.destroyed = true
	unix.Close(c.fd)
}

func (c *TcpConnection) handleRead(when time.Time) {
	c.loop.assertInLoopGoroutine()
	n, err := c.inputBuffer.ReadFromFd(c.fd)
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, when)
		}
	case n == 0:
		c.handleClose()
	case n < 0 && err == nil:
		// EAGAIN/EINTR: nothing available right now, not a close.
	default:
		log.L().Errorw("read failed", "conn", c.name, "error", err)
		c.handleError()
		c.handleClose()
	}
}

// Send queues data for the peer, writing directly to the socket first
// when nothing is already buffered and the channel is not already
// write-interested, falling back to the output buffer (and enabling
// write interest) for whatever does not go through immediately.
func (c *TcpConnection) Send(data []byte) {
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop(data)
		return
	}
	buf := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() {
		c.sendInLoop(buf)
	})
}

func (c *TcpConnection) sendInLoop(data []byte) {
	if c.getState() != connConnected {
		log.L().Debugw("dropping send on disconnected connection", "conn", c.name)
		return
	}

	remaining := data
	var faultError bool

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		switch {
		case err == nil:
			remaining = data[n:]
			if len(remaining) == 0 && c.writeCompleteCallback != nil {
				cb := c.writeCompleteCallback
				c.loop.QueueInLoop(func() { cb(c) })
			}
		case err == unix.EAGAIN:
			// nothing written; fall through to buffering
		case err == unix.EPIPE || err == unix.ECONNRESET:
			faultError = true
		default:
			log.L().Errorw("write failed", "conn", c.name, "error", err)
			faultError = true
		}
	}

	if faultError {
		return
	}

	if len(remaining) > 0 {
		oldLen := c.outputBuffer.ReadableBytes()
		newLen := oldLen + len(remaining)
		if oldLen < c.highWaterMark && newLen >= c.highWaterMark && c.highWaterMarkCallback != nil {
			cb := c.highWaterMarkCallback
			c.loop.QueueInLoop(func() { cb(c, newLen) })
		}
		c.outputBuffer.Append(remaining)
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

func (c *TcpConnection) handleWrite() {
	c.loop.assertInLoopGoroutine()
	if !c.channel.IsWriting() {
		log.L().Debugw("write readiness with no write interest, ignoring", "conn", c.name)
		return
	}
	n, err := c.outputBuffer.WriteToFd(c.fd)
	if err != nil {
		log.L().Errorw("write failed", "conn", c.name, "error", err)
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.getState() == connDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *TcpConnection) handleClose() {
	c.loop.assertInLoopGoroutine()
	if c.getState() == connDisconnected {
		return
	}
	c.setState(connDisconnected)
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.frameworkCloseCallback != nil {
		c.frameworkCloseCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	err := getSocketError(c.fd)
	log.L().Errorw("connection error", "conn", c.name, "error", err)
}

// Shutdown half-closes the connection for writing once any queued output
// has drained; reads continue to be serviced until the peer closes.
func (c *TcpConnection) Shutdown() {
	if c.getState() != connConnected {
		return
	}
	c.loop.RunInLoop(func() {
		c.shutdownInLoop()
	})
}

func (c *TcpConnection) shutdownInLoop() {
	switch c.getState() {
	case connConnecting, connDisconnected:
		return
	}
	c.setState(connDisconnecting)
	if !c.channel.IsWriting() {
		shutdownWrite(c.fd)
	}
}

// ForceClose tears the connection down immediately, ignoring any queued
// output. The state check runs inside the posted task so a connection
// that closes on its own in the meantime is left alone.
func (c *TcpConnection) ForceClose() {
	c.loop.QueueInLoop(func() {
		switch c.getState() {
		case connConnected, connDisconnecting:
			c.handleClose()
		}
	})
}

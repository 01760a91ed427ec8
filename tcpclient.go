// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/netloop/netloop/log"
)

// TcpClient wires a Connector to a TcpConnection: once the connector
// succeeds, it wraps the new fd in a connection, installs the user's
// callbacks, and (if retry is enabled) reconnects after the peer closes.
type TcpClient struct {
	loop      *EventLoop
	connector *Connector
	name      string

	retry      atomic.Bool
	connect    atomic.Bool
	nextConnID int

	mu   sync.Mutex
	conn *TcpConnection

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
}

func NewTcpClient(loop *EventLoop, serverAddr InetAddr, name string) *TcpClient {
	c := &TcpClient{
		loop: loop,
		name: name,
	}
	c.connector = NewConnector(loop, serverAddr)
	c.connector.SetNewConnectionCallback(c.newConnection)
	c.connect.Store(true)
	return c
}

func (c *TcpClient) EnableRetry() { c.retry.Store(true) }

func (c *TcpClient) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpClient) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpClient) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// Connection returns the current connection, or nil if none is
// established.
func (c *TcpClient) Connection() *TcpConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *TcpClient) Connect() {
	c.connect.Store(true)
	c.connector.Start()
}

// Disconnect shuts down the current connection (if any) but leaves the
// client able to Connect again later.
func (c *TcpClient) Disconnect() {
	c.connect.Store(false)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Shutdown()
	}
}

// Stop cancels any in-flight connect attempt and disables future intent.
func (c *TcpClient) Stop() {
	c.connect.Store(false)
	c.connector.Stop()
}

func (c *TcpClient) newConnection(fd int) {
	c.loop.assertInLoopGoroutine()

	local, err := localAddr(fd)
	if err != nil {
		log.L().Errorw("failed to read local addr", "error", err)
	}
	peer, err := peerAddr(fd)
	if err != nil {
		log.L().Errorw("failed to read peer addr", "error", err)
	}

	c.nextConnID++
	connName := c.name + "#" + strconv.Itoa(c.nextConnID)

	conn := NewTcpConnection(c.loop, connName, fd, local, peer)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.setCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.ConnectEstablished()
}

// removeConnection deregisters conn once it has closed. The original
// source's equivalent check is a known-buggy assertion (a stray
// semicolon turns it into dead code); this asserts the invariant
// correctly: removeConnection must only ever be called with the loop
// that owns the client, since it is always invoked via that loop's
// dispatch.
func (c *TcpClient) removeConnection(conn *TcpConnection) {
	c.loop.assertInLoopGoroutine()
	if c.loop != conn.Loop() {
		fatalf("removeConnection called with a connection from a foreign loop")
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	c.loop.QueueInLoop(func() {
		conn.ConnectDestroyed()
	})

	if c.retry.Load() && c.connect.Load() {
		log.L().Debugw("reconnecting after close", "client", c.name, "addr", c.connector.serverAddr)
		c.connector.Restart()
	}
}

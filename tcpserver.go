// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"strconv"
	"sync"

	"github.com/netloop/netloop/log"
)

// ReusePortOption selects whether a TcpServer's listening socket sets
// SO_REUSEPORT.
type ReusePortOption int

const (
	NoReusePort ReusePortOption = iota
	ReusePort
)

// TcpServer wires an Acceptor to a LoopThreadPool: every accepted
// connection is handed to the next loop in round-robin order and
// tracked in a name-keyed registry. Mutations happen on the base loop's
// goroutine, but the registry is guarded by a mutex anyway so a future
// read path (metrics, introspection) can observe it from elsewhere
// without risking a race.
type TcpServer struct {
	baseLoop   *EventLoop
	name       string
	listenAddr InetAddr

	acceptor   *Acceptor
	threadPool *LoopThreadPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	threadInitCallback    ThreadInitCallback

	mu          sync.Mutex
	connections map[string]*TcpConnection
	nextConnID  int

	numThreads int
	started    bool
}

// NewTcpServer constructs a server bound to listenAddr; nothing is
// listened on until Start is called.
func NewTcpServer(baseLoop *EventLoop, listenAddr InetAddr, name string, option ReusePortOption) (*TcpServer, error) {
	acceptor, err := NewAcceptor(baseLoop, listenAddr, option == ReusePort)
	if err != nil {
		return nil, err
	}
	s := &TcpServer{
		baseLoop:    baseLoop,
		name:        name,
		listenAddr:  listenAddr,
		acceptor:    acceptor,
		connections: make(map[string]*TcpConnection),
	}
	s.threadPool = NewLoopThreadPool(baseLoop)
	acceptor.SetNewConnectionHandler(s.newConnection)
	return s, nil
}

func (s *TcpServer) Name() string         { return s.name }
func (s *TcpServer) ListenAddr() InetAddr { return s.listenAddr }

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }
func (s *TcpServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback) { s.highWaterMarkCallback = cb }
func (s *TcpServer) SetThreadInitCallback(cb ThreadInitCallback)       { s.threadInitCallback = cb }

// SetThreadNum sets how many subordinate loops accept hand-off targets;
// 0 means the base loop handles both accepts and connections. Must be
// called before Start.
func (s *TcpServer) SetThreadNum(n int) {
	if s.started {
		fatalf("SetThreadNum called after Start")
	}
	s.numThreads = n
}

// Start spins up the thread pool (if not already started) and enables
// the accept loop.
func (s *TcpServer) Start() {
	if s.started {
		return
	}
	s.started = true
	s.threadPool.Start(s.numThreads, s.threadInitCallback)
	s.baseLoop.RunInLoop(func() {
		s.acceptor.Listen()
	})
}

func (s *TcpServer) newConnection(fd int, peer InetAddr) {
	s.baseLoop.assertInLoopGoroutine()

	loop := s.threadPool.NextLoop()
	local, err := localAddr(fd)
	if err != nil {
		log.L().Errorw("failed to read local addr for accepted socket", "error", err)
	}

	s.nextConnID++
	connName := s.name + "-" + strconv.Itoa(s.nextConnID)

	conn := NewTcpConnection(loop, connName, fd, local, peer)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	loop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection deregisters conn; the actual teardown always happens
// on conn's own loop, posted from whichever goroutine called close.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.baseLoop.RunInLoop(func() {
		s.mu.Lock()
		delete(s.connections, conn.Name())
		s.mu.Unlock()
		conn.Loop().QueueInLoop(conn.ConnectDestroyed)
	})
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package netloop is a non-blocking TCP networking library built on the
// Reactor pattern with a one-loop-per-thread discipline: a small, fixed
// pool of goroutines, each running an independent EventLoop, multiplexes
// any number of connections via epoll. Callbacks for a connection always
// run on the goroutine that owns it; work destined for another loop
// travels through that loop's task queue and wake fd, never by direct
// mutation.
//
// A typical server:
//
//	base := netloop.NewEventLoop()
//	srv, _ := netloop.NewTcpServer(base, netloop.NewInetAddr("0.0.0.0", 9000), "echo", netloop.NoReusePort)
//	srv.SetMessageCallback(func(c *netloop.TcpConnection, buf *netloop.Buffer, t time.Time) {
//		c.Send([]byte(buf.RetrieveAllString()))
//	})
//	srv.SetThreadNum(4)
//	srv.Start()
//	base.Loop()
package netloop

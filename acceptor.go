// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"

	"github.com/netloop/netloop/log"
)

// NewConnectionHandler receives a freshly accepted, non-blocking fd
// together with the peer address that was just accepted.
type NewConnectionHandler func(fd int, peer InetAddr)

// Acceptor owns a listening socket and drives its accept loop off the
// owning EventLoop's readiness dispatch. SO_REUSEADDR is always set;
// SO_REUSEPORT is opt-in, following the reuseport option the evio-family
// servers in this corpus expose.
type Acceptor struct {
	loop      *EventLoop
	channel   *Channel
	listenFd  int
	listening bool

	// listenFile pins the *os.File a reuseport listener's fd was
	// extracted from; dropping it would let the finalizer close the fd
	// out from under the channel.
	listenFile *os.File

	newConnectionHandler NewConnectionHandler
}

// NewAcceptor binds and listens on addr. reusePort selects SO_REUSEPORT
// via go_reuseport's listener construction so multiple processes (or,
// less commonly, multiple Acceptors) may share the port.
func NewAcceptor(loop *EventLoop, addr InetAddr, reusePort bool) (*Acceptor, error) {
	var fd int
	var file *os.File
	var err error
	if reusePort {
		fd, file, err = listenReuseport(addr)
	} else {
		fd, err = listenPlain(addr)
	}
	if err != nil {
		return nil, err
	}

	a := &Acceptor{loop: loop, listenFd: fd, listenFile: file}
	a.channel = NewChannel(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

func listenPlain(addr InetAddr) (int, error) {
	fd, err := newNonblockingSocket()
	if err != nil {
		return -1, err
	}
	if err := setReuseAddr(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa, err := addr.toSockaddrInet4()
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// listenReuseport binds via go_reuseport (SO_REUSEPORT) and extracts the
// raw fd from the resulting *net.TCPListener to hand to our own Channel,
// since the core dispatches readiness itself rather than using net.Conn.
// The returned *os.File owns the dup'd fd and must stay referenced for
// as long as the fd is in use. The original listener is closed: its dup
// shares the same open socket description, so the port stays bound.
func listenReuseport(addr InetAddr) (int, *os.File, error) {
	ln, err := reuseport.NewReusablePortListener("tcp4", addr.String())
	if err != nil {
		return -1, nil, err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return -1, nil, errNotTCPListener
	}
	file, err := tcpLn.File()
	if err != nil {
		tcpLn.Close()
		return -1, nil, err
	}
	tcpLn.Close()
	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		return -1, nil, err
	}
	return fd, file, nil
}

var errNotTCPListener = errors.New("reuseport listener was not a *net.TCPListener")

// Listen enables the accept loop. Must be called from the owning loop's
// goroutine, following the thread-affinity rule every other channel
// enable call obeys.
func (a *Acceptor) Listen() {
	a.listening = true
	a.channel.EnableReading()
}

func (a *Acceptor) Listening() bool { return a.listening }

func (a *Acceptor) SetNewConnectionHandler(h NewConnectionHandler) {
	a.newConnectionHandler = h
}

func (a *Acceptor) handleRead(time.Time) {
	for {
		fd, sa, err := unix.Accept4(a.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EMFILE || err == unix.ENFILE {
				log.L().Errorw("accept4 out of file descriptors", "error", err)
				return
			}
			log.L().Errorw("accept4 failed", "error", err)
			return
		}
		peer, perr := inetAddrFromSockaddr(sa)
		if perr != nil {
			log.L().Errorw("failed to decode accepted peer address", "error", perr)
		}
		if a.newConnectionHandler != nil {
			a.newConnectionHandler(fd, peer)
		} else {
			unix.Close(fd)
		}
	}
}

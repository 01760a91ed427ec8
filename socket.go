// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// newNonblockingSocket creates a non-blocking, close-on-exec IPv4 TCP
// socket, the starting point for both a listening and a connecting fd.
func newNonblockingSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	return fd, nil
}

func setReuseAddr(fd int) error {
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1), "setsockopt SO_REUSEADDR")
}

func setTCPNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return errors.Wrap(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v), "setsockopt TCP_NODELAY")
}

func setKeepAlive(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v), "setsockopt SO_KEEPALIVE")
}

// getSocketError reads and clears SO_ERROR, the way a connecting socket's
// outcome is discovered once it becomes writable.
func getSocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt SO_ERROR")
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func localAddr(fd int) (InetAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return InetAddr{}, errors.Wrap(err, "getsockname")
	}
	return inetAddrFromSockaddr(sa)
}

func peerAddr(fd int) (InetAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return InetAddr{}, errors.Wrap(err, "getpeername")
	}
	return inetAddrFromSockaddr(sa)
}

// isSelfConnect reports whether fd's local and peer endpoints are
// identical, the kernel edge-case where a connect() call ends up paired
// with itself and must be rejected rather than treated as success.
func isSelfConnect(fd int) bool {
	local, err := localAddr(fd)
	if err != nil {
		return false
	}
	peer, err := peerAddr(fd)
	if err != nil {
		return false
	}
	return local == peer
}

func shutdownWrite(fd int) error {
	return errors.Wrap(unix.Shutdown(fd, unix.SHUT_WR), "shutdown SHUT_WR")
}

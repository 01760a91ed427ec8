// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"testing"

	"golang.org/x/sys/unix"
)

// TestIsSelfConnectDetectsLoopbackSelfConnect reproduces the classic
// self-connect kernel edge case: binding a socket to an ephemeral port
// and then, without listening, connecting it to that same port on
// loopback pairs the socket with itself, so its local and peer endpoints
// are identical.
// This is spec property 10.
func TestIsSelfConnectDetectsLoopbackSelfConnect(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	boundPort := sa.(*unix.SockaddrInet4).Port

	if err := unix.Connect(fd, &unix.SockaddrInet4{Port: boundPort, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Skipf("kernel did not produce a self-connect on this run: %v", err)
	}

	if !isSelfConnect(fd) {
		t.Fatalf("expected isSelfConnect to detect a bind-to-self connect on fd %d", fd)
	}
}

// TestIsSelfConnectFalseForOrdinaryPeers checks the common case doesn't
// get flagged: two independent loopback sockets talking to each other.
func TestIsSelfConnectFalseForOrdinaryPeers(t *testing.T) {
	ln, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer unix.Close(ln)
	if err := unix.Bind(ln, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(ln, 1); err != nil {
		t.Fatalf("listen: %v", err)
	}
	sa, err := unix.Getsockname(ln)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port

	client, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer unix.Close(client)
	if err := unix.Connect(client, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if isSelfConnect(client) {
		t.Fatalf("ordinary client/server pair should not be flagged as self-connect")
	}
}

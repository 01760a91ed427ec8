// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"strings"
	"testing"
	"time"
)

// TestTcpClientEchoRoundTrip drives the full outbound path: Connector
// handshake, TcpConnection wiring, a send, and the echoed bytes arriving
// back through the client's message callback.
func TestTcpClientEchoRoundTrip(t *testing.T) {
	addr := NewInetAddr("127.0.0.1", 17075)
	startEchoServer(t, addr, 1)

	received := make(chan string, 16)
	result := runOnOwnLoop(t, func(loop *EventLoop) any {
		client := NewTcpClient(loop, addr, "roundtrip-client")
		client.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				conn.Send([]byte("hello\n"))
			}
		})
		client.SetMessageCallback(func(conn *TcpConnection, buf *Buffer, _ time.Time) {
			received <- buf.RetrieveAllString()
		})
		client.Connect()
		return client
	})
	client := result.(*TcpClient)
	t.Cleanup(client.loop.Quit)

	// The echo may arrive split across reads; accumulate until it is whole.
	var got strings.Builder
	deadline := time.After(2 * time.Second)
	for got.String() != "hello\n" {
		select {
		case chunk := <-received:
			got.WriteString(chunk)
			if !strings.HasPrefix("hello\n", got.String()) {
				t.Fatalf("unexpected echo bytes %q", got.String())
			}
		case <-deadline:
			t.Fatalf("echo incomplete after 2s: got %q", got.String())
		}
	}
}

// TestTcpClientDisconnectSignalsConnectionCallback checks the teardown
// half of the connection callback contract: after Disconnect the callback
// fires again with the connection no longer reporting Connected.
func TestTcpClientDisconnectSignalsConnectionCallback(t *testing.T) {
	addr := NewInetAddr("127.0.0.1", 17076)
	startEchoServer(t, addr, 1)

	connected := make(chan *TcpConnection, 1)
	disconnected := make(chan struct{}, 1)
	result := runOnOwnLoop(t, func(loop *EventLoop) any {
		client := NewTcpClient(loop, addr, "disconnect-client")
		client.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				connected <- conn
			} else {
				disconnected <- struct{}{}
			}
		})
		client.Connect()
		return client
	})
	client := result.(*TcpClient)
	t.Cleanup(client.loop.Quit)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	client.Disconnect()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("connection callback never observed the disconnect")
	}

	// The registry clears just after the user callback, on the loop
	// goroutine, so give it a moment.
	deadline := time.Now().Add(time.Second)
	for client.Connection() != nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if conn := client.Connection(); conn != nil {
		t.Fatalf("expected no current connection after disconnect, got %q", conn.Name())
	}
}

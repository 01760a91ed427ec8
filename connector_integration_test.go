// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/netloop/netloop/log"
)

// TestConnectorRetryTiming is S5: against a genuinely closed port, the
// Connector's retry attempts must land at approximately 0, 500, 1500, and
// 3500ms, matching the deterministic doubling backoff.
func TestConnectorRetryTiming(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prevLogger := log.L().Desugar()
	log.SetLogger(zap.New(core))
	t.Cleanup(func() { log.SetLogger(prevLogger) })

	// Bind then immediately release a port so connects to it are refused
	// deterministically rather than racing a real listener.
	closedAddr := findClosedPort(t)

	result := runOnOwnLoop(t, func(loop *EventLoop) any {
		connector := NewConnector(loop, closedAddr)
		connector.SetNewConnectionCallback(func(fd int) {
			t.Fatalf("unexpected successful connect to a closed port")
		})
		connector.Start()
		return connector
	})
	connector := result.(*Connector)
	t.Cleanup(connector.loop.Quit)
	t.Cleanup(connector.Stop)

	deadline := time.Now().Add(4200 * time.Millisecond)
	for time.Now().Before(deadline) && countRetryLogs(logs) < 4 {
		time.Sleep(50 * time.Millisecond)
	}

	entries := retryLogTimestamps(logs)
	if len(entries) < 4 {
		t.Fatalf("expected at least 4 retry attempts within the deadline, saw %d", len(entries))
	}

	t0 := entries[0]
	wantOffsets := []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond, 3500 * time.Millisecond}
	const tolerance = 250 * time.Millisecond
	for i, want := range wantOffsets {
		got := entries[i].Sub(t0)
		if diff := got - want; diff < -tolerance || diff > tolerance {
			t.Fatalf("attempt %d: expected offset near %v, got %v", i+1, want, got)
		}
	}
}

func countRetryLogs(logs *observer.ObservedLogs) int {
	return len(retryLogTimestamps(logs))
}

func retryLogTimestamps(logs *observer.ObservedLogs) []time.Time {
	var times []time.Time
	for _, e := range logs.All() {
		if e.Message == "scheduling connect retry" {
			times = append(times, e.Time)
		}
	}
	return times
}

// findClosedPort binds an ephemeral port, learns its number, and releases
// it immediately so subsequent connects see ECONNREFUSED.
func findClosedPort(t *testing.T) InetAddr {
	t.Helper()
	fd, err := newNonblockingSocket()
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	addr := NewInetAddr("127.0.0.1", 0)
	sa, err := addr.toSockaddrInet4()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		t.Fatalf("bind: %v", err)
	}
	local, err := localAddr(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	unix.Close(fd)
	return local
}

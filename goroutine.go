// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentGoroutineID extracts the calling goroutine's id from its own
// stack trace header ("goroutine 123 [running]:"). This is the only way
// to observe goroutine identity without threading a token through every
// call site, and it is what EventLoop's thread-affinity invariant is
// built on: the id captured when NewEventLoop constructs the loop is
// compared against the id of every RunInLoop/QueueInLoop caller.
func currentGoroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

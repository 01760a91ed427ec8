// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import "time"

// ConnectionCallback fires once when a connection becomes established
// and once more when it is torn down (the connection's State no longer
// reports Connected inside that second call).
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback fires whenever bytes are read from the peer. buf holds
// everything read so far that the user has not yet retrieved.
type MessageCallback func(conn *TcpConnection, buf *Buffer, receiveTime time.Time)

// WriteCompleteCallback fires after the output buffer has fully drained
// to the kernel.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback fires when queued output crosses from below to
// at-or-above HighWaterMark, reporting the new pending byte count.
type HighWaterMarkCallback func(conn *TcpConnection, pendingBytes int)

// closeCallback is framework-internal: it lets TcpServer/TcpClient
// deregister a connection once it has fully closed.
type closeCallback func(conn *TcpConnection)

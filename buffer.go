// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

const (
	prependSize = 8
	initialSize = 1024
	extraBufCap = 65536
)

// Buffer is a growable byte buffer partitioned by a read index and a write
// index into three regions: a fixed prepend region reserved for future
// header writes, a readable region, and a writable tail. It is not safe
// for concurrent use; each Buffer belongs to exactly one TcpConnection,
// mutated only from that connection's loop thread.
type Buffer struct {
	buf        []byte
	readIndex  int
	writeIndex int
}

// NewBuffer returns an empty buffer sized for one typical message.
func NewBuffer() *Buffer {
	return &Buffer{
		buf:        make([]byte, prependSize+initialSize),
		readIndex:  prependSize,
		writeIndex: prependSize,
	}
}

func (b *Buffer) ReadableBytes() int    { return b.writeIndex - b.readIndex }
func (b *Buffer) WritableBytes() int    { return len(b.buf) - b.writeIndex }
func (b *Buffer) PrependableBytes() int { return b.readIndex }

// Peek returns a view over the readable region without consuming it.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readIndex:b.writeIndex]
}

// Retrieve advances the read index by n, the sole consumption operation.
// Once every readable byte has been consumed both indices reset to the
// prepend boundary so later appends need not grow the buffer.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readIndex += n
}

// RetrieveAll consumes the entire readable region.
func (b *Buffer) RetrieveAll() {
	b.readIndex = prependSize
	b.writeIndex = prependSize
}

// RetrieveAllString consumes the entire readable region and returns it
// as a string, the common pattern for a line- or message-oriented echo.
func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Append writes data into the writable tail, growing or compacting first
// if necessary.
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	copy(b.buf[b.writeIndex:], data)
	b.writeIndex += len(data)
}

// ensureWritable guarantees WritableBytes() >= n, compacting the already
// consumed prefix of the readable region forward before ever reallocating.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.WritableBytes()+b.PrependableBytes() >= n+prependSize {
		readable := b.ReadableBytes()
		copy(b.buf[prependSize:], b.buf[b.readIndex:b.writeIndex])
		b.readIndex = prependSize
		b.writeIndex = prependSize + readable
		return
	}
	newBuf := make([]byte, b.writeIndex+n)
	copy(newBuf, b.buf[:b.writeIndex])
	b.buf = newBuf
}

// ReadFromFd performs a scatter-read into the writable tail and a
// stack-resident extension buffer via readv, bounding per-call memory use
// without pre-sizing the buffer for the largest possible message. Bytes
// landing in the extension buffer are appended, which may grow the
// buffer's backing array exactly once.
//
// Return value: n > 0 is the byte count read; n == 0 means the peer
// closed its write side; n == -1 with a nil error means nothing was
// available right now (EAGAIN/EINTR under level-triggered readiness) and
// is not a close; n == -1 with a non-nil error is a failed read.
func (b *Buffer) ReadFromFd(fd int) (int64, error) {
	var extra [extraBufCap]byte
	writable := b.WritableBytes()
	if writable == 0 {
		// Grow first so the tail iovec always has somewhere to land;
		// otherwise a message exactly filling the buffer would read
		// entirely into the stack extension every time.
		b.ensureWritable(initialSize)
		writable = b.WritableBytes()
	}

	iovs := [][]byte{
		b.buf[b.writeIndex:len(b.buf)],
		extra[:],
	}
	n, err := unix.Readv(fd, iovs)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return -1, nil
		}
		return -1, errors.Wrap(err, "readv")
	}
	if n <= 0 {
		return int64(n), nil
	}
	if n <= writable {
		b.writeIndex += n
	} else {
		b.writeIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return int64(n), nil
}

// WriteToFd performs a single write from the readable region. The caller
// is responsible for calling Retrieve with the returned count.
func (b *Buffer) WriteToFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"bytes"
	"testing"
)

func TestBufferRoundTrip(t *testing.T) {
	chunks := [][]byte{
		[]byte("hello "),
		[]byte("world, "),
		bytes.Repeat([]byte("x"), 4096),
		[]byte("tail"),
	}

	b := NewBuffer()
	var want bytes.Buffer
	for _, c := range chunks {
		b.Append(c)
		want.Write(c)
	}

	got := make([]byte, 0, want.Len())
	for b.ReadableBytes() > 0 {
		n := b.ReadableBytes()
		if n > 37 {
			n = 37 // consume in odd-sized steps to exercise partial Retrieve
		}
		got = append(got, b.Peek()[:n]...)
		b.Retrieve(n)
	}

	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), want.Len())
	}
	if b.readIndex != prependSize || b.writeIndex != prependSize {
		t.Fatalf("expected indices reset to prepend boundary, got read=%d write=%d", b.readIndex, b.writeIndex)
	}
}

func TestBufferRetrieveAllResetsToPrependBoundary(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abc"))
	b.Retrieve(b.ReadableBytes())

	if b.readIndex != prependSize || b.writeIndex != prependSize {
		t.Fatalf("expected prepend boundary reset, got read=%d write=%d", b.readIndex, b.writeIndex)
	}
	if b.PrependableBytes() != prependSize {
		t.Fatalf("expected prependable=%d, got %d", prependSize, b.PrependableBytes())
	}
}

func TestBufferGrowthCompactsBeforeReallocating(t *testing.T) {
	b := NewBuffer()
	b.Append(bytes.Repeat([]byte("a"), 900))
	b.Retrieve(800) // erode the prepend-adjacent bytes, leaving room to compact

	capBefore := len(b.buf)
	b.Append(bytes.Repeat([]byte("b"), 700))
	capAfter := len(b.buf)

	if capAfter != capBefore {
		t.Fatalf("expected compaction to satisfy append without growth: before=%d after=%d", capBefore, capAfter)
	}
}

func TestBufferGrowthReallocatesWhenCompactionInsufficient(t *testing.T) {
	b := NewBuffer()
	b.Append(bytes.Repeat([]byte("a"), initialSize))

	capBefore := len(b.buf)
	b.Append(bytes.Repeat([]byte("b"), initialSize))
	capAfter := len(b.buf)

	if capAfter <= capBefore {
		t.Fatalf("expected growth, before=%d after=%d", capBefore, capAfter)
	}
	if b.ReadableBytes() != 2*initialSize {
		t.Fatalf("expected readable=%d, got %d", 2*initialSize, b.ReadableBytes())
	}
}

func TestBufferRetrieveAllString(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("ping\n"))
	s := b.RetrieveAllString()
	if s != "ping\n" {
		t.Fatalf("expected %q, got %q", "ping\n", s)
	}
	if b.ReadableBytes() != 0 {
		t.Fatalf("expected empty buffer after RetrieveAllString")
	}
}

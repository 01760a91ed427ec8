// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import "time"

// Poller is the readiness-notification abstraction: a mapping from fd to
// Channel plus whatever OS-level readiness structure backs it. All
// operations are callable only from the owning EventLoop's thread.
type Poller interface {
	// Poll blocks up to timeout, appends every channel with non-zero
	// revents into active, and returns the time the call returned.
	Poll(timeout time.Duration, active *[]*Channel) (time.Time, error)

	// UpdateChannel inserts or modifies ch's OS-level registration
	// according to its current interest mask.
	UpdateChannel(ch *Channel) error

	// RemoveChannel deletes ch's mapping, issuing an OS-level removal
	// first if it is currently registered.
	RemoveChannel(ch *Channel) error

	// HasChannel is an identity check: it reports whether ch is the
	// channel registered for its fd.
	HasChannel(ch *Channel) bool

	Close() error
}

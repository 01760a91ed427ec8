// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// TimerFd wraps a Linux CLOCK_MONOTONIC timerfd: a single-shot alarm that
// delivers readiness (and a fire count via a read) at an armed deadline.
type TimerFd struct {
	fd int
}

// NewTimerFd creates a non-blocking, close-on-exec monotonic timerfd.
func NewTimerFd() (*TimerFd, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "timerfd_create")
	}
	return &TimerFd{fd: fd}, nil
}

func (t *TimerFd) Fd() int {
	return t.fd
}

// minTimerInterval floors the arm duration to avoid a degenerate
// zero-or-negative relative deadline, which timerfd_settime would
// otherwise reject or fire instantly and repeatedly.
const minTimerInterval = 100 * time.Microsecond

// Reset arms the timerfd to fire once, after expiration has elapsed.
// A past or near-past deadline is floored to minTimerInterval.
func (t *TimerFd) Reset(expiration time.Time) error {
	d := time.Until(expiration)
	if d < minTimerInterval {
		d = minTimerInterval
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(0),
		Value:    unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return errors.Wrap(err, "timerfd_settime")
	}
	return nil
}

// ReadExpirations drains the expiration counter, returning how many times
// the timer fired since the last read (normally 1 under level-triggered
// epoll with prompt draining).
func (t *TimerFd) ReadExpirations() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(t.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, errors.Wrap(err, "timerfd read")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (t *TimerFd) Close() error {
	return unix.Close(t.fd)
}

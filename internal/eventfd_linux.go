// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EventFd wraps a Linux eventfd used as a loop's wake primitive: writes
// accumulate in a 64-bit kernel counter, a single read drains it to zero.
type EventFd struct {
	fd int
}

func newEventFd() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}
	return &EventFd{fd: fd}, nil
}

// NewEventFd creates a non-blocking, close-on-exec eventfd.
func NewEventFd() (*EventFd, error) {
	return newEventFd()
}

func (e *EventFd) Fd() int {
	return e.fd
}

// WriteEvent adds val to the kernel-side counter, waking any blocked reader.
func (e *EventFd) WriteEvent(val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	_, err := unix.Write(e.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "eventfd write")
	}
	return nil
}

// ReadEvent drains the counter, returning its accumulated value. EAGAIN
// (nothing pending) is reported as (0, nil): the caller treats the wake
// as a level-triggered hint, not a count of distinct wakeups.
func (e *EventFd) ReadEvent() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, errors.Wrap(err, "eventfd read")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollPoller implements Poller on top of Linux epoll. fd identity is
// tracked via a map alongside the standard new/added/deleted channel
// state machine described for Poller; each epoll event carries its fd,
// and Poll looks the owning Channel up in that map.
type epollPoller struct {
	epfd   int
	fds    map[int]*Channel
	events []unix.EpollEvent
}

var _ Poller = (*epollPoller)(nil)

func newPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &epollPoller{
		epfd:   epfd,
		fds:    make(map[int]*Channel),
		events: make([]unix.EpollEvent, 16),
	}, nil
}

func (p *epollPoller) Poll(timeout time.Duration, active *[]*Channel) (time.Time, error) {
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch, ok := p.fds[int(ev.Fd)]
		if !ok {
			continue
		}
		ch.SetRevents(ev.Events)
		*active = append(*active, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, nil
}

func (p *epollPoller) UpdateChannel(ch *Channel) error {
	switch ch.State() {
	case stateNew, stateDeleted:
		fd := ch.Fd()
		p.fds[fd] = ch
		ch.SetState(stateAdded)
		// A deleted channel was already removed from the kernel epoll
		// set via EPOLL_CTL_DEL, so re-adding it needs EPOLL_CTL_ADD
		// again, not MOD (which would fail ENOENT on an unregistered fd).
		return p.ctl(unix.EPOLL_CTL_ADD, ch)
	default: // stateAdded
		if ch.IsNoneEvent() {
			ch.SetState(stateDeleted)
			return p.ctl(unix.EPOLL_CTL_DEL, ch)
		}
		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	}
}

func (p *epollPoller) RemoveChannel(ch *Channel) error {
	fd := ch.Fd()
	delete(p.fds, fd)
	if ch.State() == stateAdded {
		if err := p.ctl(unix.EPOLL_CTL_DEL, ch); err != nil {
			return err
		}
	}
	ch.SetState(stateNew)
	return nil
}

func (p *epollPoller) HasChannel(ch *Channel) bool {
	found, ok := p.fds[ch.Fd()]
	return ok && found == ch
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func (p *epollPoller) ctl(op int, ch *Channel) error {
	event := unix.EpollEvent{Events: ch.Events(), Fd: int32(ch.Fd())}
	if err := unix.EpollCtl(p.epfd, op, ch.Fd(), &event); err != nil {
		return errors.Wrapf(err, "epoll_ctl op=%d fd=%d", op, ch.Fd())
	}
	return nil
}

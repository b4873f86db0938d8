//go:build linux

package reactor

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollPoller is the Linux Poller backend.
type epollPoller struct {
	epfd int
	// writeInterest tracks which fds are currently registered with
	// EPOLLOUT, since epoll_ctl needs the full desired event mask on
	// every MOD call rather than an incremental toggle.
	writeInterest map[int]bool
}

// New returns the platform Poller: epoll on Linux.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &epollPoller{epfd: epfd, writeInterest: make(map[int]bool)}, nil
}

func (p *epollPoller) Add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	p.writeInterest[fd] = false
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if _, ok := p.writeInterest[fd]; !ok {
		return nil
	}
	delete(p.writeInterest, fd)
	// EpollCtl DEL's event argument is ignored on modern kernels but
	// older ones require a non-nil pointer.
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
	return nil
}

func (p *epollPoller) SetWriteInterest(fd int, want bool) error {
	if cur, ok := p.writeInterest[fd]; !ok || cur == want {
		return nil
	}
	events := uint32(unix.EPOLLIN)
	if want {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.Wrap(err, "epoll_ctl mod")
	}
	p.writeInterest[fd] = want
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration, dst []Event) ([]Event, error) {
	var raw [128]unix.EpollEvent
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, raw[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		e := raw[i]
		dst = append(dst, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: e.Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0,
		})
	}
	return dst, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

//go:build !linux

package reactor

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// selectPoller is the portable Poller backend for platforms without
// epoll. It rebuilds an fd_set on every Wait, the direct analog of the
// classic C select(2) loop this system is modeled on.
type selectPoller struct {
	writeInterest map[int]bool
	maxFd         int
}

// New returns the platform Poller: select(2) on non-Linux platforms.
func New() (Poller, error) {
	return &selectPoller{writeInterest: make(map[int]bool)}, nil
}

func (p *selectPoller) Add(fd int) error {
	p.writeInterest[fd] = false
	if fd > p.maxFd {
		p.maxFd = fd
	}
	return nil
}

func (p *selectPoller) Remove(fd int) error {
	delete(p.writeInterest, fd)
	if fd == p.maxFd {
		// Re-scan for the new high-water mark, mirroring spec.md §4.4's
		// "if this was the high-water socket ... re-scan the registry
		// for the maximum" close-time bookkeeping.
		p.maxFd = 0
		for f := range p.writeInterest {
			if f > p.maxFd {
				p.maxFd = f
			}
		}
	}
	return nil
}

func (p *selectPoller) SetWriteInterest(fd int, want bool) error {
	if _, ok := p.writeInterest[fd]; !ok {
		return nil
	}
	p.writeInterest[fd] = want
	return nil
}

func (p *selectPoller) Wait(timeout time.Duration, dst []Event) ([]Event, error) {
	var readSet, writeSet unix.FdSet
	for fd, wantWrite := range p.writeInterest {
		fdSet(&readSet, fd)
		if wantWrite {
			fdSet(&writeSet, fd)
		}
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(p.maxFd+1, &readSet, &writeSet, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, errors.Wrap(err, "select")
	}
	if n == 0 {
		return dst, nil
	}

	for fd := range p.writeInterest {
		r := fdIsSet(&readSet, fd)
		w := fdIsSet(&writeSet, fd)
		if r || w {
			dst = append(dst, Event{Fd: fd, Readable: r, Writable: w})
		}
	}
	return dst, nil
}

func (p *selectPoller) Close() error {
	return nil
}

// fdSet/fdIsSet assume a 64-bit Bits word, true for unix.FdSet on
// linux/amd64-family BSDs; 32-bit-word platforms would need a narrower
// shift width here.
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

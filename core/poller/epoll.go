//go:build linux
// +build linux

package poller

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based readiness multiplexer with an eventfd
// wakeup channel so other threads can interrupt a blocked Wait.
type EpollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	closed atomic.Bool
}

// NewPoller creates a new Poller (Linux).
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &EpollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 256),
	}

	// The wakeup descriptor stays armed for the poller's whole lifetime.
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}

	return p, nil
}

// Arm registers fd for a single readiness notification.
func (p *EpollPoller) Arm(fd int, dir Direction) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLONESHOT | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	switch dir {
	case Read:
		ev.Events |= unix.EPOLLIN
	case Write:
		ev.Events |= unix.EPOLLOUT
	}

	// Re-arming a known descriptor is the common case (oneshot leaves it
	// registered but disabled), so try MOD first and fall back to ADD.
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	return err
}

// Disarm removes fd from the watch set.
func (p *EpollPoller) Disarm(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

// Wait blocks for readiness events, a timeout, or a Wakeup call.
func (p *EpollPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if timeout > 0 && ms == 0 {
			ms = 1
		}
	}

	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	out := 0
	for i := 0; i < n && out < len(events); i++ {
		raw := p.events[i]
		if int(raw.Fd) == p.wakefd {
			p.drainWake()
			continue
		}

		events[out] = Event{
			FD:       int(raw.Fd),
			Readable: raw.Events&unix.EPOLLIN != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hup:      raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0,
		}
		out++
	}

	return out, nil
}

// Wakeup interrupts a concurrent Wait. Safe from any thread; a no-op
// once the poller is closed.
func (p *EpollPoller) Wakeup() error {
	if p.closed.Load() {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if err == unix.EAGAIN {
		// Counter already nonzero, a wakeup is pending.
		return nil
	}
	return err
}

func (p *EpollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close closes the poller and its wakeup descriptor.
func (p *EpollPoller) Close() error {
	p.closed.Store(true)
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}

//go:build darwin || freebsd
// +build darwin freebsd

package poller

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// wakeIdent is the identifier of the EVFILT_USER event used by Wakeup.
const wakeIdent = 0

// KqueuePoller is a kqueue-based readiness multiplexer using a user
// event as the cross-thread wakeup channel.
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
	closed atomic.Bool
}

// NewPoller creates a new Poller (BSD/macOS).
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	p := &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 256),
	}

	wake := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kqfd, []unix.Kevent_t{wake}, nil, nil); err != nil {
		unix.Close(kqfd)
		return nil, err
	}

	return p, nil
}

// Arm registers fd for a single readiness notification.
func (p *KqueuePoller) Arm(fd int, dir Direction) error {
	filter := int16(unix.EVFILT_READ)
	if dir == Write {
		filter = unix.EVFILT_WRITE
	}

	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Disarm removes fd from the watch set.
func (p *KqueuePoller) Disarm(fd int) error {
	dels := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	for _, ev := range dels {
		// Oneshot events may already be gone.
		_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
		if err != nil && err != unix.ENOENT && err != unix.EBADF {
			return err
		}
	}
	return nil
}

// Wait blocks for readiness events, a timeout, or a Wakeup call.
func (p *KqueuePoller) Wait(events []Event, timeout time.Duration) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	out := 0
	for i := 0; i < n && out < len(events); i++ {
		raw := p.events[i]
		if raw.Filter == unix.EVFILT_USER {
			continue
		}

		events[out] = Event{
			FD:       int(raw.Ident),
			Readable: raw.Filter == unix.EVFILT_READ,
			Writable: raw.Filter == unix.EVFILT_WRITE,
			Hup:      raw.Flags&unix.EV_EOF != 0,
		}
		out++
	}

	return out, nil
}

// Wakeup interrupts a concurrent Wait. Safe from any thread; a no-op
// once the poller is closed.
func (p *KqueuePoller) Wakeup() error {
	if p.closed.Load() {
		return nil
	}
	ev := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Close closes the poller.
func (p *KqueuePoller) Close() error {
	p.closed.Store(true)
	return unix.Close(p.kqfd)
}

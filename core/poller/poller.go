package poller

import "time"

// Direction is the I/O readiness interest armed for a descriptor.
type Direction uint8

const (
	Read Direction = iota
	Write
)

// Event is one readiness notification reported by Wait.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	// Hup reports peer shutdown or descriptor error. The owner should
	// treat the descriptor as readable (the pending read returns 0 or an
	// error) and close it.
	Hup bool
}

// Poller is a thin wrapper over the OS readiness facility. All methods
// except Wakeup must be called from the reactor thread. Interests are
// one-shot: a descriptor is disarmed after it is reported once and must
// be re-armed for the next notification.
type Poller interface {
	// Arm registers (or re-arms) fd for a single notification in the
	// given direction. A descriptor is armed for one direction at a time.
	Arm(fd int, dir Direction) error

	// Disarm removes fd from the watch set. Removing an unwatched fd is
	// not an error.
	Disarm(fd int) error

	// Wait blocks until at least one armed descriptor is ready, the
	// timeout elapses, or Wakeup is called. timeout < 0 blocks
	// indefinitely. Returns the number of events filled into events.
	Wait(events []Event, timeout time.Duration) (int, error)

	// Wakeup interrupts a concurrent Wait. Safe to call from any thread.
	Wakeup() error

	Close() error
}

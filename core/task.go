package core

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/searchktools/reactor-server/core/poller"
)

// TaskState is the scheduling state of a task.
type TaskState uint8

const (
	TaskPending TaskState = iota
	TaskRunnable
	TaskSuspended
	TaskCompleted
	TaskCancelled
)

// SuspendReason names what a suspended task is waiting for. The reactor
// dispatches wakeups on it; every suspension goes through exactly one of
// these.
type SuspendReason uint8

const (
	SuspendNone SuspendReason = iota

	// SuspendIO: awaiting readiness of a descriptor armed with the
	// poller.
	SuspendIO

	// SuspendTimer: awaiting a deadline on the timer heap.
	SuspendTimer

	// SuspendPoolSlot: queued as a waiter on the resource pool.
	SuspendPoolSlot

	// SuspendResult: awaiting a worker-job or backend-call outcome, or a
	// free submission slot on the worker queue.
	SuspendResult
)

// errTaskCancelled unwinds a cancelled task through its defers. Never
// escapes the task trampoline.
var errTaskCancelled = errors.New("task cancelled")

// resume is the payload a wakeup hands to the parked task.
type resume struct {
	ev  poller.Event
	val any
	err error
}

// Task is a suspendable unit of scheduling. Its body runs on a
// dedicated goroutine, but execution is strictly serialized: the
// reactor is parked while the task runs and the task is parked while
// the reactor (or any other task) runs, handing control back and forth
// over the wake/yield pair. At most one of them is ever running, so
// task code may touch reactor-owned structures freely.
type Task struct {
	id    uint64
	name  string
	r     *Reactor
	state TaskState

	reason    SuspendReason
	waitFD    int // valid while reason == SuspendIO
	cancelled bool

	wake  chan resume
	yield chan struct{}
	next  resume
}

// ID returns the task's identity.
func (t *Task) ID() uint64 { return t.id }

// State returns the task's scheduling state.
func (t *Task) State() TaskState { return t.state }

// Reactor returns the reactor this task is scheduled on.
func (t *Task) Reactor() *Reactor { return t.r }

// main is the task goroutine's trampoline: it waits for the first
// wakeup, runs the body, and reports completion back to the reactor.
func (t *Task) main(fn func(*Task)) {
	<-t.wake
	defer func() {
		if rec := recover(); rec != nil {
			if rec == errTaskCancelled { //nolint:errorlint // sentinel identity
				t.state = TaskCancelled
			} else {
				// A panic that escapes the dispatcher's own recovery is
				// a bug in the runtime, not a handler failure. Contain
				// it to this task.
				t.state = TaskCompleted
				t.r.log.Error().
					Uint64("task", t.id).
					Str("name", t.name).
					Str("panic", fmt.Sprint(rec)).
					Bytes("stack", debug.Stack()).
					Msg("task panicked")
			}
		} else {
			t.state = TaskCompleted
		}
		t.yield <- struct{}{}
	}()

	if t.cancelled {
		panic(errTaskCancelled)
	}
	fn(t)
}

// park suspends the task for the given reason and hands control back to
// the reactor. It returns the wakeup payload once the reactor resumes
// the task. If the task was cancelled while parked, park unwinds the
// task instead of returning, running its defers.
func (t *Task) park(reason SuspendReason) resume {
	t.reason = reason
	t.state = TaskSuspended
	t.yield <- struct{}{}
	res := <-t.wake
	t.reason = SuspendNone
	if t.cancelled {
		panic(errTaskCancelled)
	}
	return res
}

// AwaitReadable arms fd for read readiness and suspends until the
// poller reports it.
func (t *Task) AwaitReadable(fd int) (poller.Event, error) {
	return t.awaitIO(fd, poller.Read)
}

// AwaitWritable arms fd for write readiness and suspends until the
// poller reports it.
func (t *Task) AwaitWritable(fd int) (poller.Event, error) {
	return t.awaitIO(fd, poller.Write)
}

func (t *Task) awaitIO(fd int, dir poller.Direction) (poller.Event, error) {
	if err := t.r.armIO(fd, dir, t); err != nil {
		return poller.Event{}, err
	}
	t.waitFD = fd
	res := t.park(SuspendIO)
	t.waitFD = -1
	return res.ev, res.err
}

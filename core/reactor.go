package core

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/searchktools/reactor-server/core/poller"
)

// Reactor is the single-threaded cooperative scheduler. It owns the
// poller, the ready queue, the timer heap, and the interest table; all
// of these are mutated only from the reactor's serialized context (the
// reactor goroutine or a task it is currently running). The only
// cross-thread entry points are Defer and the poller's Wakeup.
type Reactor struct {
	log zerolog.Logger

	poller    poller.Poller
	ready     *queue.Queue // *Task, FIFO
	timers    timerHeap
	timerSeq  uint64
	interests map[int]*ioInterest
	tasks     map[uint64]*Task
	taskSeq   uint64
	evbuf     []poller.Event

	mu       sync.Mutex
	deferred []func()

	stopping bool
}

type ioInterest struct {
	task *Task
	dir  poller.Direction
}

// NewReactor creates a reactor with its own poller.
func NewReactor(log zerolog.Logger) (*Reactor, error) {
	p, err := poller.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: poller: %w", err)
	}
	return &Reactor{
		log:       log.With().Str("component", "reactor").Logger(),
		poller:    p,
		ready:     queue.New(),
		interests: make(map[int]*ioInterest),
		tasks:     make(map[uint64]*Task),
		evbuf:     make([]poller.Event, 128),
	}, nil
}

// Spawn creates a task running fn and queues it runnable. The task does
// not start executing until the reactor's next drain.
func (r *Reactor) Spawn(name string, fn func(*Task)) *Task {
	r.taskSeq++
	t := &Task{
		id:     r.taskSeq,
		name:   name,
		r:      r,
		state:  TaskRunnable,
		waitFD: -1,
		wake:   make(chan resume),
		yield:  make(chan struct{}),
	}
	r.tasks[t.id] = t
	go t.main(fn)
	r.ready.Add(t)
	return t
}

// Defer queues fn to run on the reactor's next cycle. Safe from any
// thread; this is the sole way worker threads and helper goroutines
// re-enter the reactor.
func (r *Reactor) Defer(fn func()) {
	r.mu.Lock()
	r.deferred = append(r.deferred, fn)
	r.mu.Unlock()
	r.poller.Wakeup()
}

// ScheduleFunc arms a one-shot timer running fn on the reactor after d.
// The returned cancel disarms it; calling cancel after the timer fired
// is a no-op. Reactor context only.
func (r *Reactor) ScheduleFunc(d time.Duration, fn func()) (cancel func()) {
	e := &timerEntry{deadline: time.Now().Add(d), fn: fn}
	r.addTimer(e)
	return func() { e.stopped = true }
}

// Cancel marks a task cancelled. A suspended task is made runnable and
// unwinds (running its defers) instead of resuming; a queued task
// unwinds when it is next stepped. Completed tasks are unaffected.
func (r *Reactor) Cancel(t *Task) {
	if t.state == TaskCompleted || t.state == TaskCancelled || t.cancelled {
		return
	}
	t.cancelled = true
	if t.state != TaskSuspended {
		return
	}
	if t.reason == SuspendIO && t.waitFD >= 0 {
		if in := r.interests[t.waitFD]; in != nil && in.task == t {
			delete(r.interests, t.waitFD)
			r.poller.Disarm(t.waitFD)
		}
	}
	r.makeRunnable(t, resume{})
}

// CancelAll cancels every live task.
func (r *Reactor) CancelAll() {
	for _, t := range r.tasks {
		r.Cancel(t)
	}
}

// RequestStop makes Run return once every task has finished. Reactor
// context only; cross-thread callers go through Defer.
func (r *Reactor) RequestStop() {
	r.stopping = true
}

// TaskCount returns the number of live tasks. Reactor context only.
func (r *Reactor) TaskCount() int { return len(r.tasks) }

func (r *Reactor) addTimer(e *timerEntry) {
	r.timerSeq++
	e.seq = r.timerSeq
	heap.Push(&r.timers, e)
}

// armIO registers t's readiness interest. A descriptor is owned by at
// most one task at a time.
func (r *Reactor) armIO(fd int, dir poller.Direction, t *Task) error {
	if in := r.interests[fd]; in != nil && in.task != t {
		return fmt.Errorf("reactor: fd %d already armed by task %d", fd, in.task.id)
	}
	if err := r.poller.Arm(fd, dir); err != nil {
		return fmt.Errorf("reactor: arm fd %d: %w", fd, err)
	}
	r.interests[fd] = &ioInterest{task: t, dir: dir}
	return nil
}

// makeRunnable queues a suspended task with its wakeup payload. No-op
// unless the task is suspended, so stale wakeups (a timer firing after
// its task was cancelled, a completion for a dead task) fall away here.
func (r *Reactor) makeRunnable(t *Task, res resume) {
	if t.state != TaskSuspended {
		return
	}
	t.state = TaskRunnable
	t.next = res
	r.ready.Add(t)
}

// Run is the reactor cycle: wait for readiness (bounded by the nearest
// timer), wake matching tasks, run deferred functions, fire due timers,
// and step every runnable task until it suspends or completes. It
// returns when RequestStop was called and the last task finished, or
// with an error on poller failure (unrecoverable; the caller shuts the
// process down).
func (r *Reactor) Run() error {
	defer r.poller.Close()

	for {
		if r.stopping && len(r.tasks) == 0 {
			return nil
		}

		n, err := r.poller.Wait(r.evbuf, r.waitTimeout())
		if err != nil {
			r.log.Error().Err(err).Msg("poller wait failed")
			return fmt.Errorf("reactor: wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := r.evbuf[i]
			in := r.interests[ev.FD]
			if in == nil {
				continue
			}
			delete(r.interests, ev.FD) // oneshot
			r.makeRunnable(in.task, resume{ev: ev})
		}

		r.runDeferred()
		r.fireTimers()
		r.drainReady()
	}
}

// waitTimeout picks the poll timeout: zero if work is already pending,
// the nearest timer deadline otherwise, indefinite if neither.
func (r *Reactor) waitTimeout() time.Duration {
	if r.ready.Length() > 0 {
		return 0
	}
	r.mu.Lock()
	pending := len(r.deferred) > 0
	r.mu.Unlock()
	if pending {
		return 0
	}
	if dl, ok := r.timers.nextDeadline(); ok {
		d := time.Until(dl)
		if d < 0 {
			d = 0
		}
		return d
	}
	return -1
}

func (r *Reactor) runDeferred() {
	r.mu.Lock()
	fns := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *Reactor) fireTimers() {
	now := time.Now()
	for r.timers.Len() > 0 {
		e := r.timers[0]
		if e.stopped {
			heap.Pop(&r.timers)
			continue
		}
		if e.deadline.After(now) {
			return
		}
		heap.Pop(&r.timers)
		if e.fn != nil {
			e.fn()
			continue
		}
		r.makeRunnable(e.task, resume{})
	}
}

// drainReady steps queued tasks until the queue is empty. Tasks made
// runnable mid-drain (a release handing a pool slot to a waiter, say)
// run in the same drain.
func (r *Reactor) drainReady() {
	for r.ready.Length() > 0 {
		t := r.ready.Remove().(*Task)
		if t.state != TaskRunnable {
			continue
		}
		r.step(t)
	}
}

// step hands control to a task and blocks until it parks again or
// finishes. This is the serialization point: nothing else runs on the
// reactor while the task does.
func (r *Reactor) step(t *Task) {
	t.wake <- t.next
	t.next = resume{}
	<-t.yield

	if t.state == TaskCompleted || t.state == TaskCancelled {
		delete(r.tasks, t.id)
	}
}

// Package workers runs blocking jobs on a fixed set of OS threads.
// Workers pull from one shared bounded queue and post every outcome to
// a single completion callback; admission control (the in-flight cap
// that realizes backpressure) is enforced by the submitting side.
package workers

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// JobFunc is the blocking function of a job.
type JobFunc func() (any, error)

// Job is one unit of blocking work. It is executed by exactly one
// worker exactly once.
type Job struct {
	ID  uint64
	Run JobFunc
}

// Result is the outcome of a job, delivered exactly once.
type Result struct {
	JobID uint64
	Value any
	Err   error
}

// PanicError is the failure outcome of a job that panicked. The panic
// is isolated to the job; the worker thread recovers and keeps serving.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}

// Pool is a fixed number of long-lived worker threads.
type Pool struct {
	jobs    chan *Job
	deliver func(Result)
	wg      sync.WaitGroup
	closed  atomic.Bool

	numWorkers int
	queueCap   int

	stats struct {
		executed atomic.Uint64
		panics   atomic.Uint64
	}
}

// NewPool starts numWorkers workers sharing a queue of queueCap slots.
// deliver is invoked from worker threads and must be thread-safe; it is
// the pool's only channel back into the rest of the process.
func NewPool(numWorkers, queueCap int, deliver func(Result)) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueCap <= 0 {
		queueCap = 64
	}

	p := &Pool{
		jobs:       make(chan *Job, queueCap),
		deliver:    deliver,
		numWorkers: numWorkers,
		queueCap:   queueCap,
	}

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.run()
	}

	return p
}

// QueueCap returns the shared queue capacity.
func (p *Pool) QueueCap() int { return p.queueCap }

// NumWorkers returns the worker count.
func (p *Pool) NumWorkers() int { return p.numWorkers }

// TrySubmit enqueues a job without blocking. It returns false when the
// queue is full; the caller is expected to hold back submissions until
// a completion frees capacity.
func (p *Pool) TrySubmit(job *Job) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// run is the main loop of one worker thread. Blocking here is fine:
// these are not reactor threads.
func (p *Pool) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer p.wg.Done()

	for job := range p.jobs {
		res := p.execute(job)
		p.stats.executed.Add(1)
		p.deliver(res)
	}
}

// execute runs one job, converting a panic into a failure outcome.
func (p *Pool) execute(job *Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			res = Result{
				JobID: job.ID,
				Err:   &PanicError{Value: r, Stack: debug.Stack()},
			}
		}
	}()

	v, err := job.Run()
	return Result{JobID: job.ID, Value: v, Err: err}
}

// Close stops accepting jobs, waits for in-flight jobs to finish, and
// stops the workers.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}

// Stats is a point-in-time snapshot.
type Stats struct {
	NumWorkers int
	QueueCap   int
	Executed   uint64
	Panics     uint64
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		NumWorkers: p.numWorkers,
		QueueCap:   p.queueCap,
		Executed:   p.stats.executed.Load(),
		Panics:     p.stats.panics.Load(),
	}
}

package core

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/reactor-server/core/backend"
	"github.com/searchktools/reactor-server/core/dbpool"
	"github.com/searchktools/reactor-server/core/observability"
	"github.com/searchktools/reactor-server/core/router"
	"github.com/searchktools/reactor-server/core/workers"
)

// ErrServerClosed reports work submitted while the server is shutting
// down.
var ErrServerClosed = errors.New("server closed")

// HandlerFunc is an application handler. The same function can be
// registered cooperative or blocking; the execution mode belongs to the
// route, not the function.
type HandlerFunc func(*Ctx)

// Options configures a Server. All fields are startup-time only.
type Options struct {
	Addr    string
	OpsAddr string // "" disables the ops endpoint

	Workers     int
	JobQueueCap int

	Pool   dbpool.Config
	Driver backend.Driver

	ReadBufCap      int
	MaxRequestBytes int
	DrainWindow     time.Duration

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.JobQueueCap <= 0 {
		o.JobQueueCap = 64
	}
	if o.ReadBufCap <= 0 {
		o.ReadBufCap = 8192
	}
	if o.MaxRequestBytes <= 0 {
		o.MaxRequestBytes = 1 << 20
	}
	if o.DrainWindow <= 0 {
		o.DrainWindow = 5 * time.Second
	}
	return o
}

// Server ties the reactor, the worker pool, the resource pool, and the
// routing table together. Apart from Stop and the handlers running on
// worker threads, everything below executes in the reactor's serialized
// context.
type Server struct {
	opts Options
	log  zerolog.Logger

	routes  *router.Table
	reactor *Reactor
	workers *workers.Pool
	pool    *dbpool.Pool
	stats   observability.Stats
	ops     *observability.OpsServer

	ln       *net.TCPListener
	lnFile   *os.File // keeps the dup'd listener fd alive
	lfd      int
	acceptor *Task

	// Blocking-job admission: inflight counts queued plus executing
	// jobs and never exceeds the worker queue capacity, so TrySubmit
	// cannot fail on a live pool. Tasks over the cap wait FIFO; a
	// completion grants its capacity unit to the head waiter (grants
	// tracks units granted but not yet consumed).
	inflight   int
	submitQ    *queue.Queue // *Task
	grants     map[uint64]struct{}
	jobWaiters map[uint64]*Task
	jobSeq     uint64

	draining bool
}

// NewServer creates an unstarted server. Register routes before Start.
func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:       opts,
		log:        opts.Logger.With().Str("component", "server").Logger(),
		routes:     router.New(),
		submitQ:    queue.New(),
		grants:     make(map[uint64]struct{}),
		jobWaiters: make(map[uint64]*Task),
	}
}

// Handle registers a handler for method+path with a fixed execution
// mode.
func (s *Server) Handle(method, path string, mode router.Mode, h HandlerFunc) {
	s.routes.Add(method, path, &router.Route{
		Mode: mode,
		Handler: func(ctx any) {
			h(ctx.(*Ctx))
		},
	})
}

// GET registers a GET route.
func (s *Server) GET(path string, mode router.Mode, h HandlerFunc) {
	s.Handle("GET", path, mode, h)
}

// POST registers a POST route.
func (s *Server) POST(path string, mode router.Mode, h HandlerFunc) {
	s.Handle("POST", path, mode, h)
}

// PUT registers a PUT route.
func (s *Server) PUT(path string, mode router.Mode, h HandlerFunc) {
	s.Handle("PUT", path, mode, h)
}

// DELETE registers a DELETE route.
func (s *Server) DELETE(path string, mode router.Mode, h HandlerFunc) {
	s.Handle("DELETE", path, mode, h)
}

// Start binds the listener and brings up the reactor, worker pool,
// resource pool, and ops endpoint. It does not run the loop; call
// Serve (or use Run).
func (s *Server) Start() error {
	laddr, err := net.ResolveTCPAddr("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return err
	}
	lnFile, err := ln.File()
	if err != nil {
		ln.Close()
		return err
	}
	s.ln = ln
	s.lnFile = lnFile
	s.lfd = int(lnFile.Fd())
	if err := unix.SetNonblock(s.lfd, true); err != nil {
		ln.Close()
		return err
	}

	s.reactor, err = NewReactor(s.opts.Logger)
	if err != nil {
		ln.Close()
		return err
	}

	s.workers = workers.NewPool(s.opts.Workers, s.opts.JobQueueCap, func(res workers.Result) {
		s.reactor.Defer(func() { s.finishJob(res) })
	})

	s.pool = dbpool.New(s.opts.Pool, s.reactor, s.opts.Driver, s.opts.Logger)
	s.pool.Prewarm()

	if s.opts.OpsAddr != "" {
		s.ops = observability.NewOpsServer(s.opts.OpsAddr, s.collectStats, s.opts.Logger)
		if _, err := s.ops.Start(); err != nil {
			ln.Close()
			return err
		}
	}

	s.acceptor = s.reactor.Spawn("acceptor", s.acceptLoop)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.workers.NumWorkers()).
		Int("job_queue", s.workers.QueueCap()).
		Int("pool_max", s.opts.Pool.MaxSize).
		Msg("server listening")
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.opts.Addr
	}
	return s.ln.Addr().String()
}

// Serve runs the reactor until shutdown completes, then tears down the
// pools and the ops endpoint.
func (s *Server) Serve() error {
	err := s.reactor.Run()

	// The reactor is stopped; its serialized context is this goroutine.
	s.pool.Close()
	s.workers.Close()
	if s.ops != nil {
		s.ops.Close()
	}
	s.lnFile.Close()
	s.ln.Close()

	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Run is Start followed by Serve.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop begins graceful shutdown: stop accepting, let connections drain
// their output for DrainWindow, then drop what remains. Safe from any
// thread and idempotent.
func (s *Server) Stop() {
	s.reactor.Defer(s.beginShutdown)
}

func (s *Server) beginShutdown() {
	if s.draining {
		return
	}
	s.draining = true
	s.log.Info().Dur("drain_window", s.opts.DrainWindow).Msg("shutting down")

	s.reactor.RequestStop()
	if s.acceptor != nil {
		s.reactor.Cancel(s.acceptor)
	}
	s.reactor.ScheduleFunc(s.opts.DrainWindow, func() {
		if n := s.reactor.TaskCount(); n > 0 {
			s.log.Warn().Int("tasks", n).Msg("drain window elapsed, dropping connections")
		}
		s.reactor.CancelAll()
	})
}

// acceptLoop is the acceptor task: await readiness on the listener,
// then accept until the call would block, spawning a connection task
// per socket.
func (s *Server) acceptLoop(t *Task) {
	// The listener descriptor is owned by lnFile and closed in Serve's
	// teardown, after the reactor stops.
	for {
		if _, err := t.AwaitReadable(s.lfd); err != nil {
			s.log.Error().Err(err).Msg("acceptor await failed")
			return
		}

		for {
			nfd, _, err := unix.Accept(s.lfd)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					break
				}
				if err == unix.EINTR {
					continue
				}
				s.log.Error().Err(err).Msg("accept failed")
				break
			}

			if err := unix.SetNonblock(nfd, true); err != nil {
				unix.Close(nfd)
				continue
			}
			unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

			s.stats.Accepted.Add(1)
			c := newConn(s, nfd)
			s.reactor.Spawn(fmt.Sprintf("conn-%d", nfd), c.run)
		}
	}
}

// finishJob consumes one worker completion on the reactor: grant the
// freed capacity unit to the next submit waiter (or free it), and
// resume the task awaiting this result. A cancelled submitter has
// already left jobWaiters; its result is discarded here.
func (s *Server) finishJob(res workers.Result) {
	if !s.grantCapacity() {
		s.inflight--
	}

	t, ok := s.jobWaiters[res.JobID]
	if !ok {
		return
	}
	delete(s.jobWaiters, res.JobID)
	s.reactor.makeRunnable(t, resume{val: res})
}

// grantCapacity hands the caller's capacity unit to the longest-waiting
// submitter. The unit travels with the wakeup instead of being freed,
// so a task dispatching in the same cycle cannot overtake the queue.
// Returns false when no live waiter remains.
func (s *Server) grantCapacity() bool {
	for s.submitQ.Length() > 0 {
		t := s.submitQ.Remove().(*Task)
		if t.state != TaskSuspended {
			continue
		}
		s.grants[t.id] = struct{}{}
		s.reactor.makeRunnable(t, resume{})
		return true
	}
	return false
}

// runJob submits a blocking function on behalf of t and suspends until
// its result arrives. When the worker queue is at capacity, submission
// itself suspends FIFO until a completion grants t its unit:
// backpressure, not queue growth.
func (s *Server) runJob(t *Task, fn workers.JobFunc) (any, error) {
	if s.inflight >= s.workers.QueueCap() {
		s.stats.SubmitWaits.Add(1)
		s.submitQ.Add(t)
		defer func() {
			// Unwound between grant and submit: the unit moves on to
			// the next waiter instead of leaking. Once park returned
			// the grant is consumed and this finds nothing.
			if _, ok := s.grants[t.id]; !ok {
				return
			}
			delete(s.grants, t.id)
			if !s.grantCapacity() {
				s.inflight--
			}
		}()
		t.park(SuspendResult)
		delete(s.grants, t.id)
	} else {
		s.inflight++
	}

	s.jobSeq++
	id := s.jobSeq
	s.jobWaiters[id] = t
	defer func() {
		// Unwound by cancellation: the job still runs, but finishJob
		// will find no waiter and discard the result.
		if t.cancelled {
			delete(s.jobWaiters, id)
		}
	}()

	if !s.workers.TrySubmit(&workers.Job{ID: id, Run: fn}) {
		s.inflight--
		delete(s.jobWaiters, id)
		return nil, ErrServerClosed
	}

	res := t.park(SuspendResult)
	out := res.val.(workers.Result)
	return out.Value, out.Err
}

// acquireSlot acquires a pool slot on behalf of a cooperative task,
// suspending if the pool has to queue it.
func (s *Server) acquireSlot(t *Task) (*dbpool.Slot, error) {
	w := &taskWaiter{t: t}
	s.pool.Acquire(w)
	if w.done {
		return w.slot, w.err
	}

	w.suspended = true
	defer func() {
		if !t.cancelled {
			return
		}
		if !w.done {
			s.pool.CancelWaiter(w)
		} else if w.slot != nil {
			// Delivered and cancelled in the same cycle: hand the slot
			// straight back.
			s.pool.Release(w.slot, true)
		}
	}()
	t.park(SuspendPoolSlot)
	return w.slot, w.err
}

// taskWaiter adapts a suspended task to the pool's Waiter interface.
type taskWaiter struct {
	t         *Task
	slot      *dbpool.Slot
	err       error
	done      bool
	suspended bool
}

func (w *taskWaiter) Deliver(slot *dbpool.Slot, err error) {
	w.slot, w.err, w.done = slot, err, true
	if w.suspended {
		w.t.r.makeRunnable(w.t, resume{})
	}
}

// awaitBackend runs an opaque blocking backend call off-thread and
// suspends t until it completes. The payload is owned by the call until
// it returns.
func (s *Server) awaitBackend(t *Task, fn func() (any, error)) (any, error) {
	go func() {
		v, err := fn()
		s.reactor.Defer(func() {
			s.reactor.makeRunnable(t, resume{val: v, err: err})
		})
	}()
	res := t.park(SuspendResult)
	return res.val, res.err
}

// collectStats builds the ops document. Reads only atomics and pool
// mirrors.
func (s *Server) collectStats() map[string]any {
	return map[string]any{
		"server":  s.stats.Snapshot(),
		"workers": s.workers.Stats(),
		"dbpool":  s.pool.Stats(),
	}
}

// Package dbpool manages a bounded set of reusable backend connections.
// The pool is owned by the reactor and, except for the atomic stats
// mirror, is only ever touched from the reactor's serialized context;
// cross-thread callers reach it through Host.Defer.
//
// Acquire serves idle slots LIFO (cache warmth) but is strictly FIFO
// across waiters: a slot freed by a release is handed to the
// longest-waiting waiter before it can go idle.
package dbpool

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/searchktools/reactor-server/core/backend"
)

var (
	// ErrPoolExhausted reports an acquire that timed out waiting for a
	// slot. Retryable; an explicit backpressure signal, never a silent
	// drop.
	ErrPoolExhausted = errors.New("dbpool: exhausted")

	// ErrPoolClosed reports an acquire or release against a closed pool.
	ErrPoolClosed = errors.New("dbpool: closed")

	// ErrNotInUse reports a release of a slot that is not checked out.
	// Double releases are a no-op error, never a double-free.
	ErrNotInUse = errors.New("dbpool: slot not in use")
)

// Host is the scheduling surface the pool runs on. Defer is safe from
// any thread and runs the function on the owning reactor's next cycle;
// ScheduleFunc arms a one-shot timer on the reactor.
type Host interface {
	Defer(fn func())
	ScheduleFunc(d time.Duration, fn func()) (cancel func())
}

// Waiter receives the outcome of an acquire: a slot, or an error.
// Deliver is called exactly once, from the reactor's context.
type Waiter interface {
	Deliver(s *Slot, err error)
}

// Config sizes the pool. MinSize connections are kept open; up to
// MaxSize may exist during bursts (bounded overflow).
type Config struct {
	MinSize        int
	MaxSize        int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MaxSize < 1 {
		c.MaxSize = c.MinSize
		if c.MaxSize < 1 {
			c.MaxSize = 1
		}
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// SlotState is the lifecycle state of a pooled connection.
type SlotState uint8

const (
	SlotIdle SlotState = iota
	SlotInUse
	SlotClosed
)

// Slot wraps one backend connection. While InUse it is owned by the
// acquiring task; otherwise by the pool.
type Slot struct {
	conn      backend.Conn
	state     SlotState
	idleSince time.Time
	pool      *Pool
}

// Conn returns the wrapped backend connection.
func (s *Slot) Conn() backend.Conn { return s.conn }

// State returns the slot's lifecycle state.
func (s *Slot) State() SlotState { return s.state }

type waiterEntry struct {
	w         Waiter
	enqueued  time.Time
	cancelled bool
	stopTimer func()
}

// Pool is the bounded connection pool.
type Pool struct {
	cfg    Config
	host   Host
	driver backend.Driver
	log    zerolog.Logger

	idle    []*Slot // LIFO stack, oldest at index 0
	size    int     // open + opening connections
	waiters *queue.Queue
	byWait  map[Waiter]*waiterEntry
	live    int // non-cancelled waiters
	closed  bool

	evictArmed bool

	// Mirror readable from any thread (ops endpoint, tests).
	mirror struct {
		size     atomic.Int64
		idle     atomic.Int64
		waiting  atomic.Int64
		acquired atomic.Uint64
		timeouts atomic.Uint64
		opened   atomic.Uint64
		closedN  atomic.Uint64
		evicted  atomic.Uint64
	}
}

// New creates a pool. No connections are opened until Prewarm or the
// first Acquire.
func New(cfg Config, host Host, driver backend.Driver, log zerolog.Logger) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		host:    host,
		driver:  driver,
		log:     log.With().Str("component", "dbpool").Logger(),
		waiters: queue.New(),
		byWait:  make(map[Waiter]*waiterEntry),
	}
}

// Prewarm opens MinSize connections asynchronously.
func (p *Pool) Prewarm() {
	for p.size < p.cfg.MinSize {
		p.openAsync()
	}
}

// Acquire requests a slot for w. The outcome is delivered to w exactly
// once: an idle slot immediately, a fresh slot once an overflow open
// completes, a released slot in FIFO order, or ErrPoolExhausted after
// AcquireTimeout.
func (p *Pool) Acquire(w Waiter) {
	if p.closed {
		w.Deliver(nil, ErrPoolClosed)
		return
	}

	if s := p.popIdle(); s != nil {
		s.state = SlotInUse
		p.mirror.acquired.Add(1)
		w.Deliver(s, nil)
		return
	}

	entry := &waiterEntry{w: w, enqueued: time.Now()}
	entry.stopTimer = p.host.ScheduleFunc(p.cfg.AcquireTimeout, func() {
		p.expire(entry)
	})
	p.waiters.Add(entry)
	p.byWait[w] = entry
	p.live++
	p.mirror.waiting.Store(int64(p.live))

	if p.size < p.cfg.MaxSize {
		p.openAsync()
	}
}

// CancelWaiter removes w from the wait queue without delivering. The
// queue position is not leaked: the entry is skipped when slots are
// handed out. Returns false if w is not waiting.
func (p *Pool) CancelWaiter(w Waiter) bool {
	entry, ok := p.byWait[w]
	if !ok || entry.cancelled {
		return false
	}
	p.dropWaiter(entry)
	return true
}

// Release returns a slot to the pool. healthy=false closes the
// underlying connection instead of recycling it; pool size is
// decremented until replenished by a later acquire (or immediately if
// waiters are queued). Releasing a slot that is not InUse returns
// ErrNotInUse and changes nothing.
func (p *Pool) Release(s *Slot, healthy bool) error {
	if s == nil || s.pool != p {
		return ErrNotInUse
	}
	if s.state != SlotInUse {
		return ErrNotInUse
	}

	if !healthy || p.closed {
		p.closeSlot(s)
		if !p.closed && p.live > 0 && p.size < p.cfg.MaxSize {
			p.openAsync()
		}
		return nil
	}

	// A freed slot goes to the longest-waiting waiter before it may go
	// idle.
	if entry := p.popWaiter(); entry != nil {
		p.mirror.acquired.Add(1)
		entry.w.Deliver(s, nil)
		return nil
	}

	s.state = SlotIdle
	s.idleSince = time.Now()
	p.idle = append(p.idle, s)
	p.mirror.idle.Store(int64(len(p.idle)))
	p.armEvict()
	return nil
}

// Close fails all waiters, closes idle connections, and refuses further
// acquires. InUse slots are closed as they are released.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.closed = true

	for {
		entry := p.popWaiter()
		if entry == nil {
			break
		}
		entry.w.Deliver(nil, ErrPoolClosed)
	}

	for _, s := range p.idle {
		s.state = SlotClosed
		p.size--
		p.mirror.closedN.Add(1)
		go s.conn.Close()
	}
	p.idle = nil
	p.mirror.idle.Store(0)
	p.mirror.size.Store(int64(p.size))
}

func (p *Pool) popIdle() *Slot {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	s := p.idle[n-1]
	p.idle = p.idle[:n-1]
	p.mirror.idle.Store(int64(len(p.idle)))
	return s
}

// popWaiter returns the longest-waiting live waiter, skipping cancelled
// entries left in the ring.
func (p *Pool) popWaiter() *waiterEntry {
	for p.waiters.Length() > 0 {
		entry := p.waiters.Remove().(*waiterEntry)
		if entry.cancelled {
			continue
		}
		entry.cancelled = true
		entry.stopTimer()
		delete(p.byWait, entry.w)
		p.live--
		p.mirror.waiting.Store(int64(p.live))
		return entry
	}
	return nil
}

// dropWaiter marks an entry dead in place; the ring slot is reclaimed
// lazily by popWaiter.
func (p *Pool) dropWaiter(entry *waiterEntry) {
	entry.cancelled = true
	entry.stopTimer()
	delete(p.byWait, entry.w)
	p.live--
	p.mirror.waiting.Store(int64(p.live))
}

func (p *Pool) expire(entry *waiterEntry) {
	if entry.cancelled {
		return
	}
	p.dropWaiter(entry)
	p.mirror.timeouts.Add(1)
	p.log.Warn().Dur("timeout", p.cfg.AcquireTimeout).Msg("acquire timed out")
	entry.w.Deliver(nil, ErrPoolExhausted)
}

// openAsync reserves a size unit and opens a connection off-thread; the
// outcome re-enters the pool through Host.Defer.
func (p *Pool) openAsync() {
	p.size++
	p.mirror.size.Store(int64(p.size))

	go func() {
		conn, err := p.driver.Open()
		p.host.Defer(func() {
			p.finishOpen(conn, err)
		})
	}()
}

func (p *Pool) finishOpen(conn backend.Conn, err error) {
	if err != nil {
		p.size--
		p.mirror.size.Store(int64(p.size))
		p.log.Error().Err(err).Msg("backend open failed")
		if entry := p.popWaiter(); entry != nil {
			entry.w.Deliver(nil, fmt.Errorf("dbpool: open: %w", err))
		}
		return
	}

	p.mirror.opened.Add(1)
	s := &Slot{conn: conn, pool: p}

	if p.closed {
		s.state = SlotInUse // closeSlot expects a live slot
		p.closeSlot(s)
		return
	}

	if entry := p.popWaiter(); entry != nil {
		s.state = SlotInUse
		p.mirror.acquired.Add(1)
		entry.w.Deliver(s, nil)
		return
	}

	s.state = SlotIdle
	s.idleSince = time.Now()
	p.idle = append(p.idle, s)
	p.mirror.idle.Store(int64(len(p.idle)))
	p.armEvict()
}

func (p *Pool) closeSlot(s *Slot) {
	s.state = SlotClosed
	p.size--
	p.mirror.size.Store(int64(p.size))
	p.mirror.closedN.Add(1)
	// Close may block on the backend.
	go s.conn.Close()
}

// armEvict schedules the next idle sweep if one is not pending.
func (p *Pool) armEvict() {
	if p.evictArmed || p.closed {
		return
	}
	p.evictArmed = true
	p.host.ScheduleFunc(p.cfg.IdleTimeout, p.evictTick)
}

// evictTick closes idle slots beyond MinSize that have been idle for at
// least IdleTimeout, oldest first.
func (p *Pool) evictTick() {
	p.evictArmed = false
	if p.closed {
		return
	}

	now := time.Now()
	for p.size > p.cfg.MinSize && len(p.idle) > 0 {
		oldest := p.idle[0]
		if now.Sub(oldest.idleSince) < p.cfg.IdleTimeout {
			break
		}
		p.idle = p.idle[1:]
		p.mirror.idle.Store(int64(len(p.idle)))
		oldest.state = SlotInUse // closeSlot expects a live slot
		p.closeSlot(oldest)
		p.mirror.evicted.Add(1)
		p.log.Debug().Msg("evicted idle connection")
	}

	if len(p.idle) > 0 && p.size > p.cfg.MinSize {
		p.evictArmed = true
		p.host.ScheduleFunc(p.cfg.IdleTimeout, p.evictTick)
	}
}

// Stats is a point-in-time snapshot, readable from any thread.
type Stats struct {
	Size     int64
	Idle     int64
	Waiting  int64
	Acquired uint64
	Timeouts uint64
	Opened   uint64
	Closed   uint64
	Evicted  uint64
}

// Stats returns the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:     p.mirror.size.Load(),
		Idle:     p.mirror.idle.Load(),
		Waiting:  p.mirror.waiting.Load(),
		Acquired: p.mirror.acquired.Load(),
		Timeouts: p.mirror.timeouts.Load(),
		Opened:   p.mirror.opened.Load(),
		Closed:   p.mirror.closedN.Load(),
		Evicted:  p.mirror.evicted.Load(),
	}
}

package backend

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemDriver is an in-memory driver. All connections opened from one
// driver share a single store. Latency knobs make it usable as a slow
// backend in liveness tests.
type MemDriver struct {
	store *memStore

	// Latency is added to every Execute call.
	Latency time.Duration

	// OpenDelay is added to every Open call.
	OpenDelay time.Duration

	opened atomic.Int64
	active atomic.Int64

	failNextOpen atomic.Bool
}

// NewMemDriver creates an empty in-memory driver.
func NewMemDriver() *MemDriver {
	return &MemDriver{store: newMemStore()}
}

// Open opens a connection to the shared store.
func (d *MemDriver) Open() (Conn, error) {
	if d.OpenDelay > 0 {
		time.Sleep(d.OpenDelay)
	}
	if d.failNextOpen.CompareAndSwap(true, false) {
		return nil, ErrConnFailed
	}
	d.opened.Add(1)
	d.active.Add(1)
	return &memConn{d: d}, nil
}

// FailNextOpen makes the next Open call fail. Test hook.
func (d *MemDriver) FailNextOpen() { d.failNextOpen.Store(true) }

// Opened returns the total number of connections ever opened.
func (d *MemDriver) Opened() int64 { return d.opened.Load() }

// Active returns the number of connections not yet closed.
func (d *MemDriver) Active() int64 { return d.active.Load() }

// Seed inserts a record directly, bypassing any connection.
func (d *MemDriver) Seed(table, key string, value []byte) {
	d.store.put(table, key, value)
}

type memConn struct {
	d        *MemDriver
	closed   atomic.Bool
	failNext atomic.Bool
}

// FailNext poisons the connection: the next Execute fails fatally.
func (c *memConn) FailNext() { c.failNext.Store(true) }

func (c *memConn) Execute(q Query) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	if c.failNext.CompareAndSwap(true, false) {
		return nil, ErrConnFailed
	}
	if c.d.Latency > 0 {
		time.Sleep(c.d.Latency)
	}

	s := c.d.store
	switch q.Op {
	case "ping":
		return &Result{}, nil
	case "get":
		v, ok := s.get(q.Table, q.Key)
		if !ok {
			return nil, ErrNotFound
		}
		return &Result{Value: v}, nil
	case "put":
		s.put(q.Table, q.Key, q.Value)
		return &Result{Count: 1}, nil
	case "del":
		if s.del(q.Table, q.Key) {
			return &Result{Count: 1}, nil
		}
		return nil, ErrNotFound
	case "list":
		return &Result{Rows: s.list(q.Table)}, nil
	case "count":
		return &Result{Count: s.count(q.Table)}, nil
	default:
		return nil, ErrBadQuery
	}
}

func (c *memConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.d.active.Add(-1)
	}
	return nil
}

// memStore is the shared record store behind a driver.
type memStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{tables: make(map[string]map[string][]byte)}
}

func (s *memStore) get(table, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tables[table][key]
	return v, ok
}

func (s *memStore) put(table, key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		t = make(map[string][]byte)
		s.tables[table] = t
	}
	// Copy: the caller's buffer may be reused after Execute returns.
	t[key] = append([]byte(nil), value...)
}

func (s *memStore) del(table, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return false
	}
	if _, ok := t[key]; !ok {
		return false
	}
	delete(t, key)
	return true
}

func (s *memStore) list(table string) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.tables[table]
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]byte, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, append([]byte(nil), t[k]...))
	}
	return rows
}

func (s *memStore) count(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

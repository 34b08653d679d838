// Package backend defines the connection driver consumed by the
// resource pool. A driver hands out opaque connections supporting
// open/execute/close; the pool never looks inside them.
package backend

import "errors"

var (
	// ErrNotFound reports a missing record. Not fatal to the connection.
	ErrNotFound = errors.New("backend: not found")

	// ErrBadQuery reports an unsupported or malformed query. Not fatal.
	ErrBadQuery = errors.New("backend: bad query")

	// ErrConnClosed reports use of a closed connection. Fatal: the
	// pooled slot must not be recycled.
	ErrConnClosed = errors.New("backend: connection closed")

	// ErrConnFailed reports a connection-level failure mid-use. Fatal.
	ErrConnFailed = errors.New("backend: connection failed")
)

// IsFatal reports whether err poisons the connection it occurred on.
// Fatal errors cause the pool to close the slot instead of recycling it.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnClosed) || errors.Is(err, ErrConnFailed)
}

// Query is one backend operation.
type Query struct {
	Op    string // "get", "put", "del", "list", "count", "ping"
	Table string
	Key   string
	Value []byte
}

// Result is the outcome of a query.
type Result struct {
	Value []byte   // get
	Rows  [][]byte // list, ordered by key
	Count int      // count, del
}

// Conn is one open backend connection. Execute may block the calling
// thread; callers on the reactor must route it through an asynchronous
// completion instead of calling it inline.
type Conn interface {
	Execute(q Query) (*Result, error)
	Close() error
}

// Driver opens backend connections. Open may block.
type Driver interface {
	Open() (Conn, error)
}

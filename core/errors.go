package core

import (
	"errors"
	"fmt"

	"github.com/searchktools/reactor-server/core/backend"
	"github.com/searchktools/reactor-server/core/dbpool"
)

// HandlerError is a handler failure carried to the connection as an
// error response. The connection stays open for pipelining unless the
// failure is fatal to connection state.
type HandlerError struct {
	Code int
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler: %d: %v", e.Code, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Fail wraps err as a HandlerError with an explicit status code.
func Fail(code int, err error) error {
	return &HandlerError{Code: code, Err: err}
}

// StatusFor maps a failure to its response category. Every category in
// the taxonomy gets a distinct status; nothing is swallowed.
//
//	malformed input        400 (connection closes)
//	unknown record         404
//	pool exhausted         503 (retryable, explicit backpressure)
//	backend conn failure   502 (slot closed, not recycled)
//	handler failure/panic  500
func StatusFor(err error) int {
	var he *HandlerError
	switch {
	case err == nil:
		return 200
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, dbpool.ErrPoolExhausted):
		return 503
	case errors.Is(err, backend.ErrNotFound):
		return 404
	case errors.Is(err, backend.ErrBadQuery):
		return 400
	case backend.IsFatal(err):
		return 502
	default:
		// Includes workers.PanicError: a job that died is a handler
		// failure to its caller.
		return 500
	}
}

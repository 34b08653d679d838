package core

import (
	"errors"

	"github.com/searchktools/reactor-server/core/backend"
	"github.com/searchktools/reactor-server/core/backend/codec"
	"github.com/searchktools/reactor-server/core/dbpool"
	"github.com/searchktools/reactor-server/core/proto"
	"github.com/searchktools/reactor-server/core/router"
)

var jsonCodec = &codec.JSONCodec{}

// Ctx is the per-request handler context. The same Ctx API works in
// both execution modes: on the reactor thread it suspends the task at
// blocking points, on a worker thread it blocks the worker. Handlers
// never need to know which mode they run in, which is what keeps a
// handler's output identical across modes.
type Ctx struct {
	s      *Server
	task   *Task
	req    *proto.Request
	mode   router.Mode
	params map[string]string

	resp   []byte
	status int

	slot      *dbpool.Slot
	unhealthy bool
}

// Request returns the decoded request.
func (c *Ctx) Request() *proto.Request { return c.req }

// Method returns the request method.
func (c *Ctx) Method() string { return c.req.Method }

// Path returns the request path without the query string.
func (c *Ctx) Path() string { return c.req.Path }

// Body returns the request body.
func (c *Ctx) Body() []byte { return c.req.Body }

// Param returns a path parameter by name.
func (c *Ctx) Param(name string) string { return c.params[name] }

// Acquire checks a backend connection out of the pool for this request.
// Suspends (or blocks, on a worker) until a slot is available or the
// acquire times out. Idempotent while a slot is held.
func (c *Ctx) Acquire() error {
	if c.slot != nil {
		return nil
	}

	var slot *dbpool.Slot
	var err error
	if c.mode == router.Cooperative {
		slot, err = c.s.acquireSlot(c.task)
	} else {
		w := dbpool.NewChanWaiter()
		c.s.reactor.Defer(func() { c.s.pool.Acquire(w) })
		d := <-w.C
		slot, err = d.Slot, d.Err
	}
	if err != nil {
		return err
	}
	c.slot = slot
	return nil
}

// Exec runs a query on this request's pooled connection, acquiring one
// first if needed. Cooperatively the call is completed off-thread and
// the task suspends; on a worker it simply blocks. A fatal connection
// error poisons the slot so it is closed, not recycled.
func (c *Ctx) Exec(q backend.Query) (*backend.Result, error) {
	if err := c.Acquire(); err != nil {
		return nil, err
	}

	if c.mode == router.Blocking {
		res, err := c.slot.Conn().Execute(q)
		if backend.IsFatal(err) {
			c.unhealthy = true
		}
		return res, err
	}

	// Poisoned until the call returns: if the task unwinds mid-call the
	// connection's state is unknown and must not be recycled.
	c.unhealthy = true
	conn := c.slot.Conn()
	v, err := c.s.awaitBackend(c.task, func() (any, error) {
		return conn.Execute(q)
	})
	c.unhealthy = backend.IsFatal(err)
	if err != nil {
		return nil, err
	}
	return v.(*backend.Result), nil
}

// Release returns the held slot to the pool early. Most handlers can
// skip this; an unreleased slot is returned after the handler finishes.
func (c *Ctx) Release(healthy bool) error {
	if c.slot == nil {
		return dbpool.ErrNotInUse
	}
	slot := c.slot
	c.slot = nil
	c.unhealthy = false
	if c.mode == router.Cooperative {
		return c.s.pool.Release(slot, healthy)
	}
	c.s.reactor.Defer(func() { c.s.pool.Release(slot, healthy) })
	return nil
}

// cleanup returns a still-held slot after the handler is done. Runs in
// the reactor's serialized context for cooperative handlers; blocking
// handlers go through cleanupFromWorker instead.
func (c *Ctx) cleanup() {
	if c.slot == nil {
		return
	}
	slot := c.slot
	c.slot = nil
	c.s.pool.Release(slot, !c.unhealthy)
}

// cleanupFromWorker is cleanup for the worker-thread side, routing the
// release through the reactor.
func (c *Ctx) cleanupFromWorker() {
	if c.slot == nil {
		return
	}
	slot := c.slot
	healthy := !c.unhealthy
	c.slot = nil
	c.s.reactor.Defer(func() { c.s.pool.Release(slot, healthy) })
}

// Bytes writes a response with the given status, content type, and
// body. Later writes replace earlier ones; the last response wins.
func (c *Ctx) Bytes(code int, contentType string, body []byte) {
	c.status = code
	c.resp = proto.AppendHead(c.resp[:0], code, contentType, len(body))
	c.resp = append(c.resp, body...)
}

// String writes a text response.
func (c *Ctx) String(code int, body string) {
	c.status = code
	c.resp = proto.AppendHead(c.resp[:0], code, "text/plain", len(body))
	c.resp = append(c.resp, body...)
}

// JSON writes v encoded as a JSON response.
func (c *Ctx) JSON(code int, v any) {
	body, err := jsonCodec.Encode(v)
	if err != nil {
		c.Error(500, "encoding failed")
		return
	}
	c.Bytes(code, "application/json", body)
}

// Encode writes v in the representation the client asked for with the
// Accept header: JSON unless gob or protobuf was requested. The codec
// is resolved through its wire type byte.
func (c *Ctx) Encode(code int, v any) {
	typ := codec.ByAccept(c.req.Accept)
	enc, err := codec.ByType(typ)
	if err != nil {
		c.Error(500, "encoding failed")
		return
	}
	body, err := enc.Encode(v)
	if err != nil {
		c.Error(500, "encoding failed")
		return
	}
	c.Bytes(code, codec.ContentType(typ), body)
}

// NoContent writes an empty 204 response.
func (c *Ctx) NoContent() {
	c.status = 204
	c.resp = proto.AppendHead(c.resp[:0], 204, "", 0)
}

// Error writes an error response with a JSON body. 503 responses carry
// Retry-After: backpressure is an explicit, retryable signal.
func (c *Ctx) Error(code int, msg string) {
	c.status = code
	c.resp = appendErrorResponse(c.resp[:0], code, msg)
}

// Fail writes the error response for a failure, mapped through the
// taxonomy in StatusFor.
func (c *Ctx) Fail(err error) {
	code := StatusFor(err)
	msg := proto.StatusText(code)
	var he *HandlerError
	if errors.As(err, &he) && he.Err != nil && code < 500 {
		msg = he.Err.Error()
	}
	c.Error(code, msg)
}

func appendErrorResponse(dst []byte, code int, msg string) []byte {
	// The message is server-chosen, never echoed client input, so the
	// body can be assembled without JSON escaping.
	dst = proto.AppendStatusLine(dst, code)
	dst = proto.AppendHeader(dst, "Content-Type", "application/json")
	if code == 503 {
		dst = proto.AppendHeader(dst, "Retry-After", "1")
	}
	dst = append(dst, "Content-Length: "...)
	dst = proto.AppendInt(dst, len(msg)+len(`{"error":""}`))
	dst = append(dst, "\r\n\r\n"...)
	dst = append(dst, `{"error":"`...)
	dst = append(dst, msg...)
	return append(dst, `"}`...)
}

func errorResponse(code int, msg string) []byte {
	return appendErrorResponse(nil, code, msg)
}

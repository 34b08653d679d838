package core

import (
	"golang.org/x/sys/unix"

	"github.com/searchktools/reactor-server/core/proto"
)

// Connection states
type connState uint8

const (
	StateReading connState = iota
	StateDispatching
	StateWriting
	StateClosing
	StateClosed
)

// Conn is one accepted client connection, driven by exactly one task.
// Within a connection, reads, decodes, dispatches, and writes are
// strictly sequential; pipelined requests are answered in order.
type Conn struct {
	s     *Server
	fd    int
	state connState

	dec        *proto.Decoder
	out        [][]byte // ordered pending response spans
	closeAfter bool
}

func newConn(s *Server, fd int) *Conn {
	return &Conn{
		s:   s,
		fd:  fd,
		dec: proto.NewDecoder(s.opts.MaxRequestBytes),
	}
}

// run is the connection task body: await readability, pull bytes into
// the decoder, dispatch every complete request, flush responses, and
// loop. It exits on EOF, error, malformed input, Connection: close, or
// server drain; the deferred close runs in every case, including
// cancellation unwind.
func (c *Conn) run(t *Task) {
	defer c.close()

	buf := make([]byte, c.s.opts.ReadBufCap)
	for {
		c.state = StateReading
		ev, err := t.AwaitReadable(c.fd)
		if err != nil {
			return
		}
		if ev.Hup && !ev.Readable {
			return
		}

		alive := c.fill(buf)
		ok := c.process(t)

		if len(c.out) > 0 && !c.flush(t) {
			return
		}
		if !ok || !alive || c.closeAfter || c.s.draining {
			c.state = StateClosing
			return
		}
	}
}

// fill reads until the socket would block, feeding the decoder. Returns
// false on EOF or a read error.
func (c *Conn) fill(buf []byte) bool {
	for {
		n, err := unix.Read(c.fd, buf)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return true
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return false
		}
		c.dec.Feed(buf[:n])
	}
}

// process dispatches every complete buffered request. Returns false on
// malformed input, with an error response already queued.
func (c *Conn) process(t *Task) bool {
	for {
		req, err := c.dec.Next()
		if err != nil {
			c.s.stats.DecodeErrors.Add(1)
			c.s.stats.ResponsesError.Add(1)
			c.out = append(c.out, errorResponse(400, "malformed request"))
			return false
		}
		if req == nil {
			return true
		}

		c.state = StateDispatching
		c.s.stats.Requests.Add(1)
		c.s.dispatch(t, c, req)

		if req.WantsClose() {
			// Anything pipelined after an explicit close is dead input.
			c.closeAfter = true
			return true
		}
	}
}

// flush writes the output queue until empty, suspending on writability
// whenever the OS refuses bytes. Returns false on a write error.
func (c *Conn) flush(t *Task) bool {
	c.state = StateWriting
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out[0])
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			if _, werr := t.AwaitWritable(c.fd); werr != nil {
				return false
			}
		case err == unix.EINTR:
		case err != nil:
			return false
		case n < len(c.out[0]):
			c.out[0] = c.out[0][n:]
		default:
			c.out = c.out[1:]
		}
	}
	return true
}

func (c *Conn) close() {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	// A cancellation unwind may leave the armed interest behind.
	if in := c.s.reactor.interests[c.fd]; in != nil {
		delete(c.s.reactor.interests, c.fd)
		c.s.reactor.poller.Disarm(c.fd)
	}
	unix.Close(c.fd)
	c.s.stats.ConnsClosed.Add(1)
}

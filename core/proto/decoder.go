package proto

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"unsafe"
)

var (
	// ErrMalformed reports protocol input that can never become a valid
	// request. The connection must be closed, no retry.
	ErrMalformed = errors.New("malformed request")

	// ErrTooLarge is a malformed-input condition for requests exceeding
	// the decoder's accumulation cap.
	ErrTooLarge = fmt.Errorf("%w: exceeds buffer cap", ErrMalformed)
)

// unsafeString converts a byte slice to a string without allocation.
// WARNING: the returned string shares memory with the byte slice.
func unsafeString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// Decoder incrementally decodes requests from a byte stream. Bytes are
// accumulated across Feed calls until a complete message (head plus
// Content-Length body) is available; partial input at any split point is
// not an error.
type Decoder struct {
	buf []byte
	max int
}

// NewDecoder creates a decoder with the given accumulation cap.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = 1 << 20
	}
	return &Decoder{max: max}
}

// Feed appends bytes received from the connection.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes awaiting a complete message.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete request, or (nil, nil) when more input
// is needed. Errors wrap ErrMalformed and are fatal to the connection.
func (d *Decoder) Next() (*Request, error) {
	headEnd, sepLen := findHeadEnd(d.buf)
	if headEnd < 0 {
		if len(d.buf) > d.max {
			return nil, ErrTooLarge
		}
		return nil, nil
	}

	bodyLen, err := peekBodyLength(d.buf[:headEnd])
	if err != nil {
		return nil, err
	}

	total := headEnd + sepLen + bodyLen
	if total > d.max {
		return nil, ErrTooLarge
	}
	if len(d.buf) < total {
		return nil, nil
	}

	// Cut the complete frame out of the accumulation buffer. The frame
	// slice is never written again, so the request may alias it.
	frame := d.buf[:total:total]
	d.buf = d.buf[total:]
	if len(d.buf) == 0 {
		d.buf = nil
	}

	return parseFrame(frame, headEnd, sepLen)
}

// findHeadEnd locates the end of the request head. Returns the head
// length and the separator length, or (-1, 0) if incomplete.
func findHeadEnd(data []byte) (int, int) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i != -1 {
		return i, 4
	}
	if i := bytes.Index(data, []byte("\n\n")); i != -1 {
		return i, 2
	}
	return -1, 0
}

// peekBodyLength extracts Content-Length from a raw head without
// building a Request.
func peekBodyLength(head []byte) (int, error) {
	i := bytes.Index(head, []byte("Content-Length:"))
	if i == -1 {
		return 0, nil
	}

	v := head[i+len("Content-Length:"):]
	if j := bytes.IndexByte(v, '\n'); j != -1 {
		v = v[:j]
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(v)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad Content-Length", ErrMalformed)
	}
	return n, nil
}

// parseFrame parses one complete frame into a Request.
func parseFrame(frame []byte, headEnd, sepLen int) (*Request, error) {
	req := &Request{}

	head := frame[:headEnd]
	lineEnd := bytes.IndexByte(head, '\n')
	if lineEnd == -1 {
		lineEnd = len(head)
	}

	line := head[:lineEnd]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}

	// Parse METHOD PATH PROTO (zero-allocation: avoid SplitN)
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return nil, ErrMalformed
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 == -1 {
		return nil, ErrMalformed
	}
	sp2 += sp1 + 1

	// These strings point into the frame.
	req.Method = unsafeString(line[:sp1])
	req.Path = unsafeString(line[sp1+1 : sp2])
	req.Proto = unsafeString(line[sp2+1:])

	if req.Path == "" || req.Path[0] != '/' {
		return nil, ErrMalformed
	}

	if idx := bytes.IndexByte([]byte(req.Path), '?'); idx != -1 {
		req.Path = parseQuery(req, req.Path, idx)
	}

	if lineEnd < len(head) {
		parseHeaders(req, head[lineEnd+1:])
	}

	req.Body = frame[headEnd+sepLen:]
	return req, nil
}

// parseHeaders parses the header block.
func parseHeaders(req *Request, data []byte) {
	for len(data) > 0 {
		lineEnd := bytes.IndexByte(data, '\n')
		if lineEnd == -1 {
			lineEnd = len(data)
		}

		line := data[:lineEnd]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}

		if len(line) == 0 {
			break
		}

		colon := bytes.IndexByte(line, ':')
		if colon > 0 {
			key := string(bytes.TrimSpace(line[:colon]))
			value := string(bytes.TrimSpace(line[colon+1:]))
			req.SetHeader(key, value)
		}

		if lineEnd == len(data) {
			break
		}
		data = data[lineEnd+1:]
	}
}

// parseQuery parses query parameters off the path.
func parseQuery(req *Request, path string, idx int) string {
	queryStr := path[idx+1:]
	path = path[:idx]

	if req.Query == nil {
		req.Query = make(map[string]string)
	}

	pairs := bytes.Split([]byte(queryStr), []byte("&"))
	for _, pair := range pairs {
		kv := bytes.SplitN(pair, []byte("="), 2)
		if len(kv) == 2 {
			req.Query[string(kv[0])] = string(kv[1])
		} else if len(kv) == 1 && len(kv[0]) > 0 {
			req.Query[string(kv[0])] = ""
		}
	}

	return path
}

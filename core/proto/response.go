package proto

// AppendHead appends a response status line and headers to dst,
// terminated by the blank line. Content-Length is always set so clients
// can frame pipelined responses.
func AppendHead(dst []byte, code int, contentType string, contentLength int) []byte {
	dst = AppendStatusLine(dst, code)
	if contentType != "" {
		dst = AppendHeader(dst, "Content-Type", contentType)
	}
	dst = append(dst, "Content-Length: "...)
	dst = AppendInt(dst, contentLength)
	dst = append(dst, "\r\n\r\n"...)
	return dst
}

// AppendStatusLine appends "HTTP/1.1 <code> <text>\r\n" to dst.
func AppendStatusLine(dst []byte, code int) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = AppendInt(dst, code)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(code)...)
	return append(dst, "\r\n"...)
}

// AppendHeader appends one "key: value\r\n" header line to dst.
func AppendHeader(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, "\r\n"...)
}

// AppendInt appends the decimal form of i to b without allocation.
func AppendInt(b []byte, i int) []byte {
	if i == 0 {
		return append(b, '0')
	}

	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	var digits [20]byte
	n := 0
	for i > 0 {
		digits[n] = byte('0' + i%10)
		i /= 10
		n++
	}

	for n > 0 {
		n--
		b = append(b, digits[n])
	}

	return b
}

// StatusText returns the reason phrase for the response codes the
// server emits.
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Status"
	}
}

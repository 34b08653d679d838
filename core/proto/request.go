package proto

// Request is a decoded protocol request. Its strings and Body alias the
// decoded frame, which is owned by the request and never reused, so the
// request stays valid for as long as the handler needs it.
type Request struct {
	Method string
	Path   string
	Proto  string

	// Predefined common header fields (zero-allocation)
	ContentType   string
	ContentLength string
	UserAgent     string
	Accept        string
	Host          string
	Connection    string

	// Extra headers (allocated only when needed)
	ExtraHeaders map[string]string

	// Query parameters
	Query map[string]string

	// Request body
	Body []byte
}

// SetHeader sets a header (prioritizes predefined fields).
func (r *Request) SetHeader(key, value string) {
	switch key {
	case "Content-Type":
		r.ContentType = value
	case "Content-Length":
		r.ContentLength = value
	case "User-Agent":
		r.UserAgent = value
	case "Accept":
		r.Accept = value
	case "Host":
		r.Host = value
	case "Connection":
		r.Connection = value
	default:
		if r.ExtraHeaders == nil {
			r.ExtraHeaders = make(map[string]string)
		}
		r.ExtraHeaders[key] = value
	}
}

// Header returns a request header value.
func (r *Request) Header(key string) string {
	switch key {
	case "Content-Type":
		return r.ContentType
	case "Content-Length":
		return r.ContentLength
	case "User-Agent":
		return r.UserAgent
	case "Accept":
		return r.Accept
	case "Host":
		return r.Host
	case "Connection":
		return r.Connection
	}
	if r.ExtraHeaders != nil {
		return r.ExtraHeaders[key]
	}
	return ""
}

// WantsClose reports whether the client asked for the connection to be
// closed after this request.
func (r *Request) WantsClose() bool {
	return r.Connection == "close" || r.Proto == "HTTP/1.0"
}

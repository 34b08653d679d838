package router

// Mode is a handler's execution context, fixed at registration time.
// The dispatcher never infers it from the handler at call time.
type Mode uint8

const (
	// Cooperative handlers run on the reactor as a continuation of the
	// current task and must never block the OS thread.
	Cooperative Mode = iota

	// Blocking handlers are packaged as worker jobs and may block.
	Blocking
)

// HandlerFunc is the handler function type (the engine passes its own
// request context as ctx).
type HandlerFunc func(ctx any)

// Route is one registered handler with its execution mode.
type Route struct {
	Handler HandlerFunc
	Mode    Mode
	Name    string
}

// Table is a radix-tree routing table with parameter support. It is
// built at startup and read-only afterwards: Find is a pure lookup.
type Table struct {
	root *node
}

type nodeType uint8

const (
	static   nodeType = iota // default
	param                    // :param
	catchAll                 // *param
)

type node struct {
	path      string
	indices   string
	children  []*node
	routes    map[string]*Route // method -> route
	priority  uint32
	nType     nodeType
	paramName string // parameter name for :param or *param nodes
}

// New creates an empty routing table.
func New() *Table {
	return &Table{
		root: &node{
			routes: make(map[string]*Route),
		},
	}
}

// Add registers a route.
func (t *Table) Add(method, path string, route *Route) {
	if path == "" || path[0] != '/' {
		panic("path must begin with '/'")
	}
	if route.Name == "" {
		route.Name = method + " " + path
	}
	t.root.addRoute(method, path, route)
}

// Find returns the route for the given method and path, or nil.
func (t *Table) Find(method, path string) (*Route, map[string]string) {
	if t.root == nil {
		return nil, nil
	}
	return t.root.getValue(method, path)
}

func (n *node) addRoute(method, path string, route *Route) {
	// Empty tree
	if n.path == "" && len(n.children) == 0 {
		n.insertChild(method, path, route)
		n.nType = static
		return
	}

	for {
		// Find the longest common prefix
		i := longestCommonPrefix(path, n.path)

		// Split edge
		if i < len(n.path) {
			child := &node{
				path:     n.path[i:],
				indices:  n.indices,
				children: n.children,
				routes:   n.routes,
				priority: n.priority - 1,
				nType:    n.nType,
			}

			n.children = []*node{child}
			n.indices = string([]byte{n.path[i]})
			n.path = path[:i]
			n.routes = make(map[string]*Route)
			n.nType = static
		}

		// Make new node a child of this node
		if i < len(path) {
			path = path[i:]

			if n.nType == param {
				n.priority++
				continue
			}

			idxc := path[0]

			// Check if a child with the next path byte exists
			childFound := false
			for i, c := range []byte(n.indices) {
				if c == idxc {
					n.priority++
					n = n.children[i]
					childFound = true
					break
				}
			}
			if childFound {
				continue
			}

			// Otherwise insert it
			if idxc != ':' && idxc != '*' {
				n.indices += string([]byte{idxc})
				child := &node{}
				n.addChild(child)
				n = child
			}
			n.insertChild(method, path, route)
			return
		}

		// Otherwise add route to current node
		if n.routes == nil {
			n.routes = make(map[string]*Route)
		}
		n.routes[method] = route
		return
	}
}

func (n *node) insertChild(method, path string, route *Route) {
	for {
		// Find wildcard
		wildcard, i, valid := findWildcard(path)
		if i < 0 { // No wildcard found
			break
		}

		// The wildcard name must not contain ':' and '*'
		if !valid {
			panic("only one wildcard per path segment is allowed")
		}

		if len(wildcard) < 2 {
			panic("wildcards must be named")
		}

		// param
		if wildcard[0] == ':' {
			// Insert prefix before the current wildcard
			if i > 0 {
				n.path = path[:i]
				path = path[i:]
			}

			child := &node{
				nType:     param,
				path:      wildcard,
				paramName: wildcard[1:],
			}
			n.addChild(child)
			n = child
			n.priority++

			// If the path doesn't end with the wildcard, there is
			// another non-wildcard subpath starting with '/'
			if len(wildcard) < len(path) {
				path = path[len(wildcard):]
				child := &node{
					priority: 1,
				}
				n.addChild(child)
				n = child
				continue
			}

			if n.routes == nil {
				n.routes = make(map[string]*Route)
			}
			n.routes[method] = route
			return
		}

		// catchAll
		if i+len(wildcard) != len(path) {
			panic("catch-all routes are only allowed at the end of the path")
		}

		if len(n.path) > 0 && n.path[len(n.path)-1] == '/' {
			// Insert prefix before the current wildcard
			n.path = path[:i]

			child := &node{
				nType:     catchAll,
				path:      wildcard,
				paramName: wildcard[1:],
				routes:    map[string]*Route{method: route},
				priority:  1,
			}
			n.addChild(child)
			return
		}

		panic("catch-all conflicts with existing handle for the path segment")
	}

	// If no wildcard was found, simply insert the path and route
	n.path = path
	if n.routes == nil {
		n.routes = make(map[string]*Route)
	}
	n.routes[method] = route
}

func (n *node) addChild(child *node) {
	if n.children == nil {
		n.children = make([]*node, 0, 1)
	}
	n.children = append(n.children, child)
}

func (n *node) getValue(method, path string) (*Route, map[string]string) {
	var params map[string]string

	for {
		prefix := n.path

		if len(path) > len(prefix) {
			if path[:len(prefix)] == prefix {
				path = path[len(prefix):]

				// Try all the non-wildcard children
				idxc := path[0]
				childFound := false
				for i, c := range []byte(n.indices) {
					if c == idxc {
						n = n.children[i]
						childFound = true
						break
					}
				}
				if childFound {
					continue
				}

				// Check if we have wildcard children
				if len(n.children) > 0 {
					lastChild := n.children[len(n.children)-1]

					if lastChild.nType != static {
						n = lastChild

						if params == nil {
							params = make(map[string]string)
						}

						switch n.nType {
						case param:
							// Find end (either '/' or path end)
							end := 0
							for end < len(path) && path[end] != '/' {
								end++
							}

							params[n.paramName] = path[:end]

							if end < len(path) {
								if len(n.children) > 0 {
									path = path[end:]
									n = n.children[0]
									continue
								}

								return nil, nil
							}

							if route := n.routes[method]; route != nil {
								return route, params
							}

							return nil, nil

						case catchAll:
							params[n.paramName] = path

							if route := n.routes[method]; route != nil {
								return route, params
							}

							return nil, nil

						default:
							panic("invalid node type")
						}
					}
				}

				// No wildcard children either
				return nil, nil
			}
		}

		// No match
		if path != prefix {
			return nil, nil
		}

		// We should have reached the node containing the route
		if route := n.routes[method]; route != nil {
			return route, params
		}

		return nil, nil
	}
}

// Find the wildcard and check validation
func findWildcard(path string) (wildcard string, i int, valid bool) {
	for start, c := range []byte(path) {
		// A wildcard starts with ':' (param) or '*' (catch-all)
		if c != ':' && c != '*' {
			continue
		}

		valid = true
		for end, c := range []byte(path[start+1:]) {
			switch c {
			case '/':
				return path[start : start+1+end], start, valid
			case ':', '*':
				valid = false
			}
		}
		return path[start:], start, valid
	}
	return "", -1, false
}

func longestCommonPrefix(a, b string) int {
	i := 0
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for i < max && a[i] == b[i] {
		i++
	}
	return i
}

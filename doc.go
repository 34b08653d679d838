// Package reactorserver is a single-process cooperative server runtime:
// an epoll/kqueue driven reactor that accepts connections, incrementally
// decodes requests, and dispatches each handler either on the reactor
// itself (cooperative handlers) or onto a bounded worker pool (blocking
// handlers), with handlers borrowing backend connections from a fixed-size
// resource pool.
//
// Layout:
//
//	app/                 application bootstrap and lifecycle
//	config/              startup-time configuration (flags + env)
//	core/                reactor, tasks, dispatcher, acceptor, connections
//	core/poller/         OS readiness multiplexer (epoll, kqueue)
//	core/workers/        fixed worker pool for blocking handlers
//	core/dbpool/         bounded backend connection pool
//	core/router/         radix-tree routing table
//	core/proto/          incremental request decoder and response builder
//	core/backend/        backend connection driver and payload codecs
//	core/observability/  counters and the ops endpoint
package reactorserver

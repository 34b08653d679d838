// Package observability carries the server's runtime counters and the
// ops endpoint that exposes them. Counters are plain atomics: they are
// written from the reactor and worker threads and read from the ops
// listener without coordination.
package observability

import "sync/atomic"

// Stats is the set of server-wide counters.
type Stats struct {
	Accepted    atomic.Uint64
	ConnsClosed atomic.Uint64
	Requests    atomic.Uint64

	CooperativeDispatches atomic.Uint64
	BlockingDispatches    atomic.Uint64
	SubmitWaits           atomic.Uint64

	DecodeErrors   atomic.Uint64
	HandlerErrors  atomic.Uint64
	ResponsesOK    atomic.Uint64
	ResponsesError atomic.Uint64
}

// Snapshot is a point-in-time copy, shaped for the ops endpoint.
type Snapshot struct {
	Accepted    uint64 `json:"accepted"`
	ConnsClosed uint64 `json:"conns_closed"`
	Requests    uint64 `json:"requests"`

	CooperativeDispatches uint64 `json:"cooperative_dispatches"`
	BlockingDispatches    uint64 `json:"blocking_dispatches"`
	SubmitWaits           uint64 `json:"submit_waits"`

	DecodeErrors   uint64 `json:"decode_errors"`
	HandlerErrors  uint64 `json:"handler_errors"`
	ResponsesOK    uint64 `json:"responses_ok"`
	ResponsesError uint64 `json:"responses_error"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Accepted:    s.Accepted.Load(),
		ConnsClosed: s.ConnsClosed.Load(),
		Requests:    s.Requests.Load(),

		CooperativeDispatches: s.CooperativeDispatches.Load(),
		BlockingDispatches:    s.BlockingDispatches.Load(),
		SubmitWaits:           s.SubmitWaits.Load(),

		DecodeErrors:   s.DecodeErrors.Load(),
		HandlerErrors:  s.HandlerErrors.Load(),
		ResponsesOK:    s.ResponsesOK.Load(),
		ResponsesError: s.ResponsesError.Load(),
	}
}

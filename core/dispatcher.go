package core

import (
	"fmt"
	"runtime/debug"

	"github.com/searchktools/reactor-server/core/proto"
	"github.com/searchktools/reactor-server/core/router"
)

// dispatch routes one decoded request and runs its handler in the
// route's fixed execution mode. The mode was decided at registration;
// nothing here inspects the handler. Exactly one response span is
// queued on the connection.
func (s *Server) dispatch(t *Task, c *Conn, req *proto.Request) {
	route, params := s.routes.Find(req.Method, req.Path)
	if route == nil {
		s.stats.ResponsesError.Add(1)
		c.out = append(c.out, errorResponse(404, "not found"))
		return
	}

	ctx := &Ctx{s: s, task: t, req: req, mode: route.Mode, params: params}

	switch route.Mode {
	case router.Cooperative:
		s.stats.CooperativeDispatches.Add(1)
		s.invokeCooperative(ctx, route)
	default:
		s.stats.BlockingDispatches.Add(1)
		_, err := s.runJob(t, func() (any, error) {
			defer ctx.cleanupFromWorker()
			route.Handler(ctx)
			return nil, nil
		})
		if err != nil {
			// Job-level failure: a worker panic or shutdown. Whatever
			// the handler managed to write is superseded.
			s.stats.HandlerErrors.Add(1)
			s.log.Error().Err(err).Str("route", route.Name).Msg("blocking handler failed")
			ctx.Fail(err)
		}
	}

	if len(ctx.resp) == 0 {
		ctx.Error(500, "empty response")
	}
	if ctx.status >= 400 {
		s.stats.ResponsesError.Add(1)
	} else {
		s.stats.ResponsesOK.Add(1)
	}
	c.out = append(c.out, ctx.resp)
}

// invokeCooperative runs a handler on the reactor thread. A panic is
// contained to this request: the connection survives and gets an error
// response. The cancellation unwind is not a panic to catch; it must
// keep going.
func (s *Server) invokeCooperative(ctx *Ctx, route *router.Route) {
	defer ctx.cleanup()
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == errTaskCancelled { //nolint:errorlint // sentinel identity
			panic(rec)
		}
		s.stats.HandlerErrors.Add(1)
		s.log.Error().
			Str("route", route.Name).
			Str("panic", fmt.Sprint(rec)).
			Bytes("stack", debug.Stack()).
			Msg("handler panicked")
		ctx.Fail(Fail(500, fmt.Errorf("%v", rec)))
	}()
	route.Handler(ctx)
}

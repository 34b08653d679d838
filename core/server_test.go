package core

import (
	"bufio"
	"encoding/gob"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/reactor-server/core/backend"
	"github.com/searchktools/reactor-server/core/dbpool"
	"github.com/searchktools/reactor-server/core/router"
	"github.com/searchktools/reactor-server/core/workers"
)

// newTestServer starts a server on a loopback port and tears it down
// with the test.
func newTestServer(t *testing.T, opts Options, register func(*Server)) *Server {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Driver == nil {
		opts.Driver = backend.NewMemDriver()
	}
	if opts.Pool.MaxSize == 0 {
		opts.Pool = dbpool.Config{MinSize: 1, MaxSize: 4}
	}
	if opts.DrainWindow == 0 {
		opts.DrainWindow = 200 * time.Millisecond
	}
	opts.Logger = zerolog.Nop()

	s := NewServer(opts)
	register(s)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()
	t.Cleanup(func() {
		s.Stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

type testClient struct {
	c  net.Conn
	br *bufio.Reader
}

func dialServer(t *testing.T, s *Server) *testClient {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &testClient{c: c, br: bufio.NewReader(c)}
}

func (tc *testClient) send(t *testing.T, raw string) {
	t.Helper()
	if _, err := tc.c.Write([]byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readResponse reads one Content-Length framed response.
func (tc *testClient) readResponse(t *testing.T) string {
	t.Helper()
	tc.c.SetReadDeadline(time.Now().Add(5 * time.Second))

	var head strings.Builder
	contentLength := 0
	for {
		line, err := tc.br.ReadString('\n')
		if err != nil {
			t.Fatalf("read head: %v", err)
		}
		head.WriteString(line)
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if v, ok := strings.CutPrefix(trimmed, "Content-Length: "); ok {
			contentLength, _ = strconv.Atoi(v)
		}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(tc.br, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return head.String() + string(body)
}

func (tc *testClient) expectEOF(t *testing.T) {
	t.Helper()
	tc.c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := tc.br.ReadByte(); err != io.EOF {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func get(path string) string {
	return "GET " + path + " HTTP/1.1\r\nHost: test\r\n\r\n"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestServer_CooperativeRoundTrip is the first scenario: a registered
// cooperative route answers with the handler's pure output and no
// worker pool activity.
func TestServer_CooperativeRoundTrip(t *testing.T) {
	s := newTestServer(t, Options{}, func(s *Server) {
		s.GET("/hello", router.Cooperative, func(ctx *Ctx) {
			ctx.String(200, "hello world")
		})
	})

	tc := dialServer(t, s)
	tc.send(t, get("/hello"))
	resp := tc.readResponse(t)

	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("bad status line in %q", resp)
	}
	if !strings.HasSuffix(resp, "hello world") {
		t.Errorf("bad body in %q", resp)
	}
	if n := s.workers.Stats().Executed; n != 0 {
		t.Errorf("Expected no worker activity, %d jobs executed", n)
	}
}

// TestServer_BlockingMatchesCooperative is the second scenario: the
// same handler logic behind a blocking-tagged route yields a
// byte-identical response, with at least one worker job completed.
func TestServer_BlockingMatchesCooperative(t *testing.T) {
	driver := backend.NewMemDriver()
	driver.Seed("games", "catan", []byte(`{"id":"catan"}`))

	logic := func(ctx *Ctx) {
		res, err := ctx.Exec(backend.Query{Op: "get", Table: "games", Key: "catan"})
		if err != nil {
			ctx.Fail(err)
			return
		}
		ctx.Bytes(200, "application/json", res.Value)
	}

	s := newTestServer(t, Options{Driver: driver}, func(s *Server) {
		s.GET("/co", router.Cooperative, logic)
		s.GET("/bl", router.Blocking, logic)
	})

	tc := dialServer(t, s)
	tc.send(t, get("/co"))
	coResp := tc.readResponse(t)
	if n := s.workers.Stats().Executed; n != 0 {
		t.Fatalf("cooperative request touched the worker pool: %d jobs", n)
	}

	tc.send(t, get("/bl"))
	blResp := tc.readResponse(t)

	if coResp != blResp {
		t.Errorf("responses differ:\ncooperative: %q\nblocking:    %q", coResp, blResp)
	}
	if n := s.workers.Stats().Executed; n < 1 {
		t.Error("blocking request never became a worker job")
	}
}

func TestServer_NotFound(t *testing.T) {
	s := newTestServer(t, Options{}, func(s *Server) {})

	tc := dialServer(t, s)
	tc.send(t, get("/nope"))
	resp := tc.readResponse(t)
	if !strings.HasPrefix(resp, "HTTP/1.1 404 ") {
		t.Errorf("Expected 404, got %q", resp)
	}
}

// TestServer_Pipelining verifies multiple requests in one write are
// answered in order on one connection.
func TestServer_Pipelining(t *testing.T) {
	s := newTestServer(t, Options{}, func(s *Server) {
		s.GET("/echo/:word", router.Cooperative, func(ctx *Ctx) {
			ctx.String(200, ctx.Param("word"))
		})
	})

	tc := dialServer(t, s)
	tc.send(t, get("/echo/one")+get("/echo/two")+get("/echo/three"))

	for _, want := range []string{"one", "two", "three"} {
		resp := tc.readResponse(t)
		if !strings.HasSuffix(resp, want) {
			t.Errorf("Expected body %q, got %q", want, resp)
		}
	}
}

// TestServer_MalformedClosesConnection verifies a decode error yields
// one 400 response and then a close, no retry.
func TestServer_MalformedClosesConnection(t *testing.T) {
	s := newTestServer(t, Options{}, func(s *Server) {})

	tc := dialServer(t, s)
	tc.send(t, "GET no-slash HTTP/1.1\r\n\r\n")
	resp := tc.readResponse(t)
	if !strings.HasPrefix(resp, "HTTP/1.1 400 ") {
		t.Errorf("Expected 400, got %q", resp)
	}
	tc.expectEOF(t)
}

// TestServer_ConnectionClose verifies Connection: close is honored
// after the response is written.
func TestServer_ConnectionClose(t *testing.T) {
	s := newTestServer(t, Options{}, func(s *Server) {
		s.GET("/", router.Cooperative, func(ctx *Ctx) {
			ctx.String(200, "bye")
		})
	})

	tc := dialServer(t, s)
	tc.send(t, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	resp := tc.readResponse(t)
	if !strings.HasSuffix(resp, "bye") {
		t.Errorf("bad response %q", resp)
	}
	tc.expectEOF(t)
}

// TestServer_Backpressure is the literal admission scenario: queue
// capacity 10, 15 concurrent blocking requests. Exactly 10 jobs run
// immediately; the other 5 tasks stay suspended on submission until
// completions free capacity, and every request is answered.
func TestServer_Backpressure(t *testing.T) {
	gate := make(chan struct{})
	var entered atomic.Int64

	s := newTestServer(t, Options{Workers: 10, JobQueueCap: 10}, func(s *Server) {
		s.GET("/work", router.Blocking, func(ctx *Ctx) {
			entered.Add(1)
			<-gate
			ctx.String(200, "done")
		})
	})

	clients := make([]*testClient, 15)
	for i := range clients {
		clients[i] = dialServer(t, s)
		clients[i].send(t, get("/work"))
	}

	// 10 admitted and running, 5 suspended at the submission gate.
	waitFor(t, "10 jobs admitted", func() bool { return entered.Load() == 10 })
	waitFor(t, "5 tasks suspended on submit", func() bool {
		return s.stats.SubmitWaits.Load() == 5
	})
	// Hold long enough for an 11th job to show up if admission leaked.
	time.Sleep(50 * time.Millisecond)
	if n := entered.Load(); n != 10 {
		t.Fatalf("Expected exactly 10 jobs running, got %d", n)
	}
	if n := s.workers.Stats().Executed; n != 0 {
		t.Fatalf("jobs finished prematurely: %d", n)
	}

	close(gate)
	for i, tc := range clients {
		resp := tc.readResponse(t)
		if !strings.HasSuffix(resp, "done") {
			t.Errorf("client %d: bad response %q", i, resp)
		}
	}

	if n := entered.Load(); n != 15 {
		t.Errorf("Expected all 15 jobs to run, got %d", n)
	}
}

// TestServer_BlockingSubmitOrder verifies a capacity unit freed by a
// completion is granted to the longest-waiting submitter: a task that
// dispatches in the same cycle, ahead of the woken waiter in the ready
// queue, cannot overtake it.
func TestServer_BlockingSubmitOrder(t *testing.T) {
	r, err := NewReactor(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(Options{Logger: zerolog.Nop()})
	s.reactor = r

	// The first completion is held back so the test can replay it in the
	// same cycle as the racer's wakeup; later ones flow normally.
	completions := make(chan workers.Result, 1)
	var intercept atomic.Bool
	intercept.Store(true)
	s.workers = workers.NewPool(1, 1, func(res workers.Result) {
		if intercept.CompareAndSwap(true, false) {
			completions <- res
			return
		}
		r.Defer(func() { s.finishJob(res) })
	})
	defer s.workers.Close()

	order := make(chan string, 3)
	job := func(name string) workers.JobFunc {
		return func() (any, error) {
			order <- name
			return nil, nil
		}
	}

	r.Spawn("first", func(t *Task) {
		s.runJob(t, job("first"))
	})
	r.Spawn("second", func(t *Task) {
		s.runJob(t, job("second"))
	})
	racer := r.Spawn("racer", func(t *Task) {
		t.park(SuspendResult)
		s.runJob(t, job("racer"))
	})
	// Spawned after the racer, so its body running means every earlier
	// task has parked.
	settled := make(chan struct{})
	r.Spawn("sentinel", func(t *Task) { close(settled) })

	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	res := <-completions
	<-settled

	// One cycle: the racer becomes runnable ahead of the waiter the
	// completion unblocks.
	r.Defer(func() {
		r.makeRunnable(racer, resume{})
		s.finishJob(res)
	})

	for i, want := range []string{"first", "second", "racer"} {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("job %d: expected %q, got %q", i, want, got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("job %d never ran", i)
		}
	}

	r.Defer(r.RequestStop)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reactor did not stop")
	}
}

// TestServer_ContentNegotiation verifies Encode serves the codec the
// client asked for: JSON by default, gob when requested, with the
// matching Content-Type.
func TestServer_ContentNegotiation(t *testing.T) {
	type game struct {
		ID   string
		Rank int
	}
	s := newTestServer(t, Options{}, func(s *Server) {
		s.GET("/g", router.Cooperative, func(ctx *Ctx) {
			ctx.Encode(200, game{ID: "catan", Rank: 1})
		})
	})

	tc := dialServer(t, s)
	tc.send(t, get("/g"))
	resp := tc.readResponse(t)
	if !strings.Contains(resp, "Content-Type: application/json\r\n") {
		t.Errorf("Expected JSON by default, got %q", resp)
	}
	if !strings.HasSuffix(resp, `{"ID":"catan","Rank":1}`) {
		t.Errorf("bad JSON body in %q", resp)
	}

	tc.send(t, "GET /g HTTP/1.1\r\nHost: test\r\nAccept: application/x-gob\r\n\r\n")
	resp = tc.readResponse(t)
	if !strings.Contains(resp, "Content-Type: application/x-gob\r\n") {
		t.Errorf("Expected gob content type, got %q", resp)
	}
	body := resp[strings.Index(resp, "\r\n\r\n")+4:]
	var g game
	if err := gob.NewDecoder(strings.NewReader(body)).Decode(&g); err != nil {
		t.Fatalf("gob decode: %v", err)
	}
	if g.ID != "catan" || g.Rank != 1 {
		t.Errorf("gob round trip mangled record: %+v", g)
	}
}

// TestServer_PoolExhausted verifies an acquire timeout surfaces as an
// explicit retryable 503, never a silent drop.
func TestServer_PoolExhausted(t *testing.T) {
	driver := backend.NewMemDriver()
	driver.Latency = 400 * time.Millisecond

	s := newTestServer(t, Options{
		Driver: driver,
		Pool:   dbpool.Config{MinSize: 0, MaxSize: 1, AcquireTimeout: 50 * time.Millisecond},
	}, func(s *Server) {
		s.GET("/q", router.Cooperative, func(ctx *Ctx) {
			if _, err := ctx.Exec(backend.Query{Op: "ping"}); err != nil {
				ctx.Fail(err)
				return
			}
			ctx.String(200, "pong")
		})
	})

	holder := dialServer(t, s)
	holder.send(t, get("/q"))
	time.Sleep(50 * time.Millisecond) // let it take the only slot

	waiter := dialServer(t, s)
	waiter.send(t, get("/q"))
	resp := waiter.readResponse(t)
	if !strings.HasPrefix(resp, "HTTP/1.1 503 ") {
		t.Errorf("Expected 503, got %q", resp)
	}
	if !strings.Contains(resp, "Retry-After: 1\r\n") {
		t.Errorf("503 without Retry-After: %q", resp)
	}

	if resp := holder.readResponse(t); !strings.HasSuffix(resp, "pong") {
		t.Errorf("slot holder failed: %q", resp)
	}
}

// TestServer_Liveness verifies one slow connection never stalls the
// others: the reactor thread stays free while the slow backend call is
// in flight.
func TestServer_Liveness(t *testing.T) {
	driver := backend.NewMemDriver()
	driver.Latency = 500 * time.Millisecond

	s := newTestServer(t, Options{Driver: driver}, func(s *Server) {
		s.GET("/slow", router.Cooperative, func(ctx *Ctx) {
			if _, err := ctx.Exec(backend.Query{Op: "ping"}); err != nil {
				ctx.Fail(err)
				return
			}
			ctx.String(200, "slow")
		})
		s.GET("/fast", router.Cooperative, func(ctx *Ctx) {
			ctx.String(200, "fast")
		})
	})

	slow := dialServer(t, s)
	slow.send(t, get("/slow"))
	time.Sleep(20 * time.Millisecond)

	fast := dialServer(t, s)
	start := time.Now()
	for i := 0; i < 20; i++ {
		fast.send(t, get("/fast"))
		if resp := fast.readResponse(t); !strings.HasSuffix(resp, "fast") {
			t.Fatalf("bad response %q", resp)
		}
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("fast requests stalled behind the slow one: %v for 20 round trips", elapsed)
	}

	if resp := slow.readResponse(t); !strings.HasSuffix(resp, "slow") {
		t.Errorf("slow request failed: %q", resp)
	}
}

// TestServer_HandlerPanic verifies a panicking cooperative handler
// produces a 500 and leaves the connection usable, and a panicking
// blocking handler is isolated to its job.
func TestServer_HandlerPanic(t *testing.T) {
	s := newTestServer(t, Options{}, func(s *Server) {
		s.GET("/boom", router.Cooperative, func(ctx *Ctx) {
			panic("cooperative boom")
		})
		s.GET("/boomb", router.Blocking, func(ctx *Ctx) {
			panic("blocking boom")
		})
		s.GET("/ok", router.Cooperative, func(ctx *Ctx) {
			ctx.String(200, "ok")
		})
	})

	tc := dialServer(t, s)
	for _, path := range []string{"/boom", "/boomb"} {
		tc.send(t, get(path))
		resp := tc.readResponse(t)
		if !strings.HasPrefix(resp, "HTTP/1.1 500 ") {
			t.Errorf("%s: expected 500, got %q", path, resp)
		}
	}

	tc.send(t, get("/ok"))
	if resp := tc.readResponse(t); !strings.HasSuffix(resp, "ok") {
		t.Errorf("connection unusable after panics: %q", resp)
	}

	if n := s.workers.Stats().Panics; n != 1 {
		t.Errorf("Expected 1 worker panic recorded, got %d", n)
	}
}

// TestServer_BackendFailure verifies a connection that fails mid-use
// maps to 502 and the slot is closed, not recycled.
func TestServer_BackendFailure(t *testing.T) {
	driver := backend.NewMemDriver()

	s := newTestServer(t, Options{
		Driver: driver,
		Pool:   dbpool.Config{MinSize: 0, MaxSize: 2},
	}, func(s *Server) {
		s.GET("/q", router.Cooperative, func(ctx *Ctx) {
			if err := ctx.Acquire(); err != nil {
				ctx.Fail(err)
				return
			}
			if _, err := ctx.Exec(backend.Query{Op: "ping"}); err != nil {
				ctx.Fail(err)
				return
			}
			ctx.String(200, "pong")
		})
		s.GET("/poison", router.Cooperative, func(ctx *Ctx) {
			if err := ctx.Acquire(); err != nil {
				ctx.Fail(err)
				return
			}
			ctx.slot.Conn().(interface{ FailNext() }).FailNext()
			if _, err := ctx.Exec(backend.Query{Op: "ping"}); err != nil {
				ctx.Fail(err)
				return
			}
			ctx.String(200, "pong")
		})
	})

	tc := dialServer(t, s)
	tc.send(t, get("/poison"))
	resp := tc.readResponse(t)
	if !strings.HasPrefix(resp, "HTTP/1.1 502 ") {
		t.Errorf("Expected 502, got %q", resp)
	}

	// The poisoned connection was closed; a fresh one serves the next
	// request.
	tc.send(t, get("/q"))
	if resp := tc.readResponse(t); !strings.HasSuffix(resp, "pong") {
		t.Errorf("pool did not recover: %q", resp)
	}
	waitFor(t, "poisoned connection closed", func() bool {
		return driver.Opened()-driver.Active() == 1
	})
}

// TestServer_GracefulStop verifies shutdown drains and then drops idle
// connections within the drain window.
func TestServer_GracefulStop(t *testing.T) {
	s := newTestServer(t, Options{DrainWindow: 100 * time.Millisecond}, func(s *Server) {
		s.GET("/", router.Cooperative, func(ctx *Ctx) {
			ctx.String(200, "hi")
		})
	})

	tc := dialServer(t, s)
	tc.send(t, get("/"))
	tc.readResponse(t)

	start := time.Now()
	s.Stop()
	tc.expectEOF(t)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("idle connection not dropped within drain window: %v", elapsed)
	}
}

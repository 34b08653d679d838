package observability

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Collector returns the stats document served at /debug/stats. It is
// called from ops-listener goroutines and must only read atomics or
// other thread-safe state.
type Collector func() map[string]any

// OpsServer serves runtime statistics on a side listener, away from
// the reactor's data path. Cleartext HTTP/2 (h2c) with HTTP/1.1
// fallback, since ops traffic is local.
type OpsServer struct {
	addr   string
	log    zerolog.Logger
	server *http.Server

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewOpsServer creates an ops server exposing collect at /debug/stats.
func NewOpsServer(addr string, collect Collector, log zerolog.Logger) *OpsServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(collect())
	})
	mux.HandleFunc("/debug/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	h2 := &http2.Server{
		MaxConcurrentStreams: 16,
		IdleTimeout:          120 * time.Second,
	}

	return &OpsServer{
		addr: addr,
		log:  log.With().Str("component", "ops").Logger(),
		server: &http.Server{
			Addr:    addr,
			Handler: h2c.NewHandler(mux, h2),
		},
	}
}

// Start begins listening and serving in the background. Returns the
// bound address, so addr may use port 0.
func (s *OpsServer) Start() (string, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("ops endpoint listening")
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("ops server stopped")
		}
	}()
	return ln.Addr().String(), nil
}

// Close stops the listener and any in-flight ops requests.
func (s *OpsServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.server.Close()
}

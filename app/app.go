// Package app wires configuration, logging, the backend driver, and
// the server together, and handles process signals.
package app

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/reactor-server/config"
	"github.com/searchktools/reactor-server/core"
	"github.com/searchktools/reactor-server/core/backend"
	"github.com/searchktools/reactor-server/core/dbpool"
)

// App is the application instance.
type App struct {
	cfg    *config.Config
	log    zerolog.Logger
	server *core.Server
}

// New creates an application with the in-memory backend driver.
func New(cfg *config.Config) *App {
	return NewWithDriver(cfg, backend.NewMemDriver())
}

// NewWithDriver creates an application against a specific backend.
func NewWithDriver(cfg *config.Config, driver backend.Driver) *App {
	log := newLogger(cfg.Env)

	server := core.NewServer(core.Options{
		Addr:        cfg.Addr,
		OpsAddr:     cfg.OpsAddr,
		Workers:     cfg.Workers,
		JobQueueCap: cfg.JobQueueCap,
		Pool: dbpool.Config{
			MinSize:        cfg.PoolMinSize,
			MaxSize:        cfg.PoolMaxSize,
			AcquireTimeout: cfg.AcquireTimeout,
			IdleTimeout:    cfg.IdleTimeout,
		},
		Driver:          driver,
		ReadBufCap:      cfg.ReadBufCap,
		MaxRequestBytes: cfg.MaxRequestBytes,
		DrainWindow:     cfg.DrainWindow,
		Logger:          log,
	})

	return &App{cfg: cfg, log: log, server: server}
}

// Server returns the underlying server for route registration.
func (a *App) Server() *core.Server {
	return a.server
}

// Run starts the server and blocks until shutdown completes.
func (a *App) Run() error {
	if err := a.server.Start(); err != nil {
		return err
	}
	go a.awaitSignal()

	a.log.Info().Str("env", a.cfg.Env).Msg("application started")
	return a.server.Serve()
}

func (a *App) awaitSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	a.log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")
	a.server.Stop()
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
}

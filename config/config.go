// Package config holds startup-time configuration. Values come from
// flags with environment-variable overrides; nothing is mutated after
// startup.
package config

import (
	"flag"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Addr    string
	OpsAddr string
	Env     string

	Workers     int
	JobQueueCap int

	PoolMinSize    int
	PoolMaxSize    int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration

	ReadBufCap      int
	MaxRequestBytes int
	DrainWindow     time.Duration
}

// New loads configuration from flags, then applies env overrides.
func New() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Addr, "addr", ":8080", "listen address")
	flag.StringVar(&cfg.OpsAddr, "ops-addr", "", "ops endpoint address (empty disables)")
	flag.StringVar(&cfg.Env, "env", "development", "environment (development/production)")
	flag.IntVar(&cfg.Workers, "workers", runtime.NumCPU(), "worker pool thread count")
	flag.IntVar(&cfg.JobQueueCap, "job-queue", 64, "worker job queue capacity")
	flag.IntVar(&cfg.PoolMinSize, "pool-min", 2, "backend connections kept open")
	flag.IntVar(&cfg.PoolMaxSize, "pool-max", 5, "backend connection ceiling")
	flag.DurationVar(&cfg.AcquireTimeout, "pool-acquire-timeout", 30*time.Second, "wait for a backend connection before failing")
	flag.DurationVar(&cfg.IdleTimeout, "pool-idle-timeout", 60*time.Second, "close idle backend connections beyond pool-min after this")
	flag.IntVar(&cfg.ReadBufCap, "read-buf", 8192, "per-connection read buffer bytes")
	flag.IntVar(&cfg.MaxRequestBytes, "max-request", 1<<20, "request accumulation cap in bytes")
	flag.DurationVar(&cfg.DrainWindow, "drain-window", 5*time.Second, "shutdown drain window before dropping connections")

	flag.Parse()
	cfg.applyEnv()

	return cfg
}

func (c *Config) applyEnv() {
	envString("SERVER_ADDR", &c.Addr)
	envString("SERVER_OPS_ADDR", &c.OpsAddr)
	envString("SERVER_ENV", &c.Env)
	envInt("SERVER_WORKERS", &c.Workers)
	envInt("SERVER_JOB_QUEUE", &c.JobQueueCap)
	envInt("SERVER_POOL_MIN", &c.PoolMinSize)
	envInt("SERVER_POOL_MAX", &c.PoolMaxSize)
	envDuration("SERVER_POOL_ACQUIRE_TIMEOUT", &c.AcquireTimeout)
	envDuration("SERVER_POOL_IDLE_TIMEOUT", &c.IdleTimeout)
	envDuration("SERVER_DRAIN_WINDOW", &c.DrainWindow)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

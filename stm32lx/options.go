package stm32lx

import (
	"time"

	"github.com/via/blackmagic/target"
)

// Config holds the driver configuration.
type Config struct {
	// Logger is used for logging operations (optional)
	Logger target.Logger

	// Progress is called during long erase operations to report liveness
	// (optional). Only full-region erases drive progress reporting; partial
	// erases are near-instantaneous and not worth the overhead.
	Progress func()

	// WatchdogKick is called from long-running polling loops when the
	// device's watchdog cannot be frozen (optional). The STM32L families
	// freeze their WDTs through DBGMCU, so this is normally nil.
	WatchdogKick func()

	// OpTimeout bounds every busy-wait when the caller's context carries no
	// deadline of its own.
	OpTimeout time.Duration

	// ProgressInterval is the re-arm interval for progress reporting.
	ProgressInterval time.Duration
}

func newConfig(opts []Option) Config {
	cfg := Config{
		OpTimeout:        5 * time.Second,
		ProgressInterval: target.DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option is a functional option for configuring the driver.
type Option func(*Config)

// WithLogger sets a logger for driver operations.
func WithLogger(logger target.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithProgress sets a liveness callback for full-region erases.
func WithProgress(report func()) Option {
	return func(c *Config) {
		c.Progress = report
	}
}

// WithWatchdogKick sets a keepalive callback invoked from long polling loops.
func WithWatchdogKick(kick func()) Option {
	return func(c *Config) {
		c.WatchdogKick = kick
	}
}

// WithTimeout sets the default per-operation busy-wait bound.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.OpTimeout = timeout
		}
	}
}

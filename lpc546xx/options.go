package lpc546xx

import (
	"time"

	"github.com/via/blackmagic/target"
)

// Config holds the driver configuration.
type Config struct {
	// Logger is used for logging operations (optional)
	Logger target.Logger

	// Progress is called during long erase operations to report liveness
	// (optional).
	Progress func()

	// CallTimeout bounds the execution of a single injected IAP call when
	// the caller's context carries no deadline. A hang here is fatal to the
	// operation: it is reported, never retried.
	CallTimeout time.Duration

	// CPUFreqKHz is the system clock handed to the IAP routines for flash
	// timing. flashInit forces the 12 MHz FRO, so the default matches that.
	CPUFreqKHz uint32
}

func newConfig(opts []Option) Config {
	cfg := Config{
		CallTimeout: 10 * time.Second,
		CPUFreqKHz:  12000,
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

// WithProgress sets a liveness callback for long erase operations.
func WithProgress(report func()) Option {
	return func(c *Config) {
		c.Progress = report
	}
}

// WithCallTimeout bounds each injected IAP call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.CallTimeout = timeout
		}
	}
}

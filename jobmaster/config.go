package jobmaster

import (
	"time"

	"github.com/tributary-io/tributary/pipeline"
)

const (
	defaultStoreRetryInterval = time.Second
	defaultStopTimeout        = 10 * time.Second
)

// RetryConfig governs retries of result-store operations during a runner's
// terminal transition. A failed write is never skipped: the outcome must be
// durable before any resource is released.
type RetryConfig struct {
	// MaxRetries caps how often a failed operation is retried after the
	// first attempt. Zero retries indefinitely, preferring a stuck terminal
	// transition over the risk of executing a finished job again.
	MaxRetries int

	// Interval is the delay between attempts.
	Interval time.Duration
}

// Config carries the per-runner knobs that are not part of the execution
// graph itself.
type Config struct {
	// SchedulerMode and SchedulerType are the effective scheduling options
	// the job was submitted with. The runner only validates them: reactive
	// mode requires the adaptive scheduler type.
	SchedulerMode pipeline.SchedulerMode
	SchedulerType pipeline.SchedulerType

	Retry RetryConfig

	// StopTimeout bounds Stop calls issued to a master during close and
	// during teardown of masters whose leadership term has already ended.
	StopTimeout time.Duration
}

// DefaultConfig returns the runner defaults: the default scheduler,
// unbounded store retries at one second intervals, and a ten second stop
// timeout.
func DefaultConfig() Config {
	return Config{
		Retry:       RetryConfig{Interval: defaultStoreRetryInterval},
		StopTimeout: defaultStopTimeout,
	}
}

func (c *Config) adjust() {
	if c.Retry.Interval <= 0 {
		c.Retry.Interval = defaultStoreRetryInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
}

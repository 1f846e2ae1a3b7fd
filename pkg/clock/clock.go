package clock

import (
	bclock "github.com/benbjohnson/clock"
)

type (
	// Clock defines an interface that combines a source of current time
	// with timer and ticker factories, so that tests can substitute a mock.
	Clock = bclock.Clock

	// Mock is a mock clock whose current time can be advanced manually.
	Mock = bclock.Mock

	// Timer see time.Timer.
	Timer = bclock.Timer

	// Ticker see time.Ticker.
	Ticker = bclock.Ticker
)

// New returns an instance of a real-time clock.
func New() Clock {
	return bclock.New()
}

// NewMock returns an instance of a mock clock. The current time of the mock
// clock on initialization is the Unix epoch.
func NewMock() *Mock {
	return bclock.NewMock()
}

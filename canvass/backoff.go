package canvass

import (
	"sync"
	"time"
)

// retry schedule for the background reconnect loop
// the delay grows geometrically up to a cap and never gives up:
// after `attemptCeiling` consecutive failures the attempt counter
// resets but the delay stays pinned at the cap

type Backoff struct {
	initialDelay   time.Duration
	maxDelay       time.Duration
	multiplier     float64
	attemptCeiling int

	mutex   sync.Mutex
	attempt int
	delay   time.Duration
}

func NewBackoff(
	initialDelay time.Duration,
	maxDelay time.Duration,
	multiplier float64,
	attemptCeiling int,
) *Backoff {
	return &Backoff{
		initialDelay:   initialDelay,
		maxDelay:       maxDelay,
		multiplier:     multiplier,
		attemptCeiling: attemptCeiling,
		delay:          initialDelay,
	}
}

// Delay is the wait before the next connect attempt.
func (self *Backoff) Delay() time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.delay
}

func (self *Backoff) Attempt() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.attempt
}

// Fail records a failed attempt and returns the delay before the next one.
func (self *Backoff) Fail() time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.attempt += 1
	nextDelay := time.Duration(float64(self.delay) * self.multiplier)
	if self.maxDelay < nextDelay {
		nextDelay = self.maxDelay
	}
	self.delay = nextDelay

	if self.attemptCeiling <= self.attempt {
		// keep the delay pinned at the cap
		self.attempt = 0
	}

	return self.delay
}

func (self *Backoff) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.attempt = 0
	self.delay = self.initialDelay
}

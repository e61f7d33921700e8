package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker trips after a run of consecutive failures and stays open for a
// cooldown period, after which it closes again on the next check. With a
// single shared upstream account one breaker is enough: when the provider
// is down, requests fail fast instead of stacking up on a dead socket.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool

	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// IsOpen reports whether calls should be short-circuited. An open breaker
// whose cooldown has elapsed closes itself and lets traffic through again.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return false
	}

	if time.Since(b.lastFailure) > b.cooldown {
		b.open = false
		b.failures = 0
		return false
	}

	return true
}

// RecordSuccess closes the breaker and clears the failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
}

// RecordFailure counts one failure and opens the breaker once the run
// reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.failures >= b.threshold {
		b.open = true
	}
}

// Reset closes the breaker unconditionally.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
}

// GetState returns the current state for monitoring.
func (b *Breaker) GetState() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.open, b.failures
}

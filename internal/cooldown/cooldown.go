// Package cooldown tracks the availability of the external PII analyzer.
// Consecutive failures put it on an exponentially growing cooldown so
// requests fail fast instead of re-dialing a dead service.
package cooldown

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	baseCooldown = 15 * time.Second
	maxCooldown  = 5 * time.Minute
)

// Tracker holds the cooldown state for one dependency.
type Tracker struct {
	mu                  sync.Mutex
	until               time.Time
	consecutiveFailures int
	log                 *zap.Logger
	now                 func() time.Time
}

// New returns a tracker with no active cooldown.
func New(log *zap.Logger) *Tracker {
	return &Tracker{log: log, now: time.Now}
}

// Fail records a failure and extends the cooldown: base * 2^(failures-1),
// capped at maxCooldown.
func (t *Tracker) Fail(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures++
	d := baseCooldown
	for i := 1; i < t.consecutiveFailures && d < maxCooldown; i++ {
		d *= 2
	}
	if d > maxCooldown {
		d = maxCooldown
	}
	t.until = t.now().Add(d)

	if t.log != nil {
		t.log.Warn("analyzer cooled down",
			zap.String("reason", reason),
			zap.Duration("for", d),
			zap.Int("consecutive_failures", t.consecutiveFailures))
	}
}

// Clear resets the tracker after a success.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until = time.Time{}
	t.consecutiveFailures = 0
}

// Active reports whether the dependency is currently cooled down.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Before(t.until)
}

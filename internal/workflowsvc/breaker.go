package workflowsvc

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/requisition/internal/config"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("workflowsvc: circuit breaker is open")

// BreakerState is the position of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// rateFloor is how many calls a window needs before its error rate counts.
const rateFloor = 10

// Breaker guards the workflow service. It opens on a run of consecutive
// failures or on a high error rate within a tumbling window, and probes again
// once the cool-down elapses.
type Breaker struct {
	mu  sync.Mutex
	cfg config.CircuitBreakerConfig
	now func() time.Time

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowCalls    int
	windowFailures int

	onChange func(BreakerState)
}

// NewBreaker builds a breaker from configuration, filling zero thresholds
// with defaults.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.windowStart = b.now()
	return b
}

// OnStateChange registers fn to be called, under the breaker lock, whenever
// the state moves.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow returns ErrBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldown()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess notes a call that reached the service and got a non-5xx answer.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.count(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.moveTo(BreakerClosed)
		}
	}
}

// RecordFailure notes a transport failure or a 5xx answer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.count(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateTripped() {
			b.moveTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.moveTo(BreakerOpen)
	}
}

// State returns the current state, applying any elapsed cool-down.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldown()
	return b.state
}

// ErrorRate reports the failure ratio and call count of the current window.
func (b *Breaker) ErrorRate() (float64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	if b.windowCalls == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowCalls), b.windowCalls
}

func (b *Breaker) cooldown() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.moveTo(BreakerHalfOpen)
	}
}

func (b *Breaker) moveTo(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	b.failures = 0
	b.successes = 0
	if s == BreakerOpen {
		b.openedAt = b.now()
	}
	if s != BreakerHalfOpen {
		b.windowStart = b.now()
		b.windowCalls = 0
		b.windowFailures = 0
	}
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) count(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	b.rollWindow()
	b.windowCalls++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) rollWindow() {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.windowStart = b.now()
		b.windowCalls = 0
		b.windowFailures = 0
	}
}

func (b *Breaker) rateTripped() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 || b.windowCalls < rateFloor {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCalls) >= b.cfg.ErrorRateThreshold
}

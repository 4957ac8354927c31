// Package circuit protects the settlement backend with a circuit
// breaker. When the ledger database starts failing, transfers are
// rejected fast instead of piling up on a dead connection.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker thresholds.
type Config struct {
	// MaxFailures consecutive failures trip the breaker open.
	MaxFailures int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// ProbeSuccesses closes the breaker again after this many
	// consecutive half-open successes.
	ProbeSuccesses int
	// OnStateChange, if set, observes transitions.
	OnStateChange func(from, to State)
}

// Breaker is a consecutive-failure circuit breaker. A single probe at a
// time is let through while half-open.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probing     bool
	lastFailure time.Time
}

// NewBreaker creates a breaker with sane defaults for zero values.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = 1
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn under the breaker. A context error from ctx is not
// counted against the backend.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		// The caller gave up; that says nothing about backend health.
		b.release(true)
		return err
	}

	b.release(err == nil)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.transition(StateClosed)
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.successes = 0
		b.probing = true
		b.transition(StateHalfOpen)
		return nil
	default: // StateHalfOpen
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) release(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if !ok {
			b.lastFailure = time.Now()
			b.transition(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.ProbeSuccesses {
			b.failures = 0
			b.transition(StateClosed)
		}
		return
	}

	if ok {
		b.failures = 0
		return
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.cfg.MaxFailures {
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

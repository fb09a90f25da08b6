// Package circuit implements a three-state circuit breaker for calls to the
// broker, the SQL store and the cache.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/poolcore/pkg/errors"
)

// State is the breaker's position.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets calls through to probe for recovery.
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

// Config tunes a Breaker.
type Config struct {
	Name            string
	MaxFailures     int           // consecutive-window failures that open the breaker
	SuccessRequired int           // half-open successes needed to close
	CoolDown        time.Duration // time spent open before probing
	FailureWindow   time.Duration // closed-state failure counter reset period
}

// DefaultConfig returns the settings used for the store.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:            name,
		MaxFailures:     5,
		SuccessRequired: 3,
		CoolDown:        30 * time.Second,
		FailureWindow:   60 * time.Second,
	}
}

// Breaker guards a collaborator. Only failures that say something about the
// collaborator's health count against it: decode, auth, protocol and
// validation errors pass through without tripping the breaker.
type Breaker struct {
	cfg *Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	windowStart time.Time
}

// New creates a closed breaker.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	b := &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
	b.windowStart = b.now()
	return b
}

// Execute runs fn if the breaker admits it.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn if the breaker admits it and returns its value.
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if !b.admit() {
		return zero, errors.New(errors.ErrorTypeTransport, "circuit_breaker", "circuit open").
			WithContext("breaker", b.cfg.Name)
	}
	res, err := fn()
	b.record(err)
	return res, err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		if now.Sub(b.windowStart) > b.cfg.FailureWindow {
			b.failures = 0
			b.windowStart = now
		}
		return true
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.CoolDown {
			return false
		}
		b.state = StateHalfOpen
		b.successes = 0
		return true
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && countsAsFailure(err) {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
		return
	}

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessRequired {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.windowStart = b.now()
		}
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
}

func countsAsFailure(err error) bool {
	for _, t := range []errors.ErrorType{
		errors.ErrorTypeDecode,
		errors.ErrorTypeAuth,
		errors.ErrorTypeProtocol,
		errors.ErrorTypeValidation,
	} {
		if errors.IsType(err, t) {
			return false
		}
	}
	return true
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of a Breaker.
type Stats struct {
	Name      string
	State     State
	Failures  int
	Successes int
	OpenedAt  time.Time
}

// Stats returns a snapshot for logging.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:      b.cfg.Name,
		State:     b.state,
		Failures:  b.failures,
		Successes: b.successes,
		OpenedAt:  b.openedAt,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.windowStart = b.now()
}

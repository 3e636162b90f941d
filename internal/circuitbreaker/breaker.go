// Package circuitbreaker wraps storage provider calls with the circuit
// breaker pattern, so a profile whose backend is failing fast gets its
// calls short-circuited instead of piling up retries against a dead
// endpoint. internal/client.exec wraps its retryer in a *CircuitBreaker;
// internal/assembly hands out one per profile from a shared Manager, so
// a failing backend on one profile never trips the breaker guarding an
// unrelated profile's calls.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/objectfs/objectfs/pkg/logging"
)

// State is one of a circuit breaker's three states.
type State int

const (
	// StateClosed lets requests through, counting failures toward a trip.
	StateClosed State = iota
	// StateOpen rejects every request until Timeout elapses.
	StateOpen
	// StateHalfOpen lets up to MaxRequests through to probe recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpenState is returned when a call is rejected because the
	// breaker is open.
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when a half-open breaker has already
	// admitted MaxRequests probes.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Counts tallies requests within the breaker's current window; it resets
// whenever the window rolls over or the breaker changes state.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	LastActivity         time.Time
}

func (c *Counts) request() {
	c.Requests++
	c.LastActivity = time.Now()
}

// record folds one call's outcome into the tally, resetting whichever
// consecutive streak the outcome broke.
func (c *Counts) record(success bool) {
	if success {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) reset() { *c = Counts{} }

// Config tunes a CircuitBreaker's trip/recovery thresholds.
type Config struct {
	// MaxRequests bounds how many calls a half-open breaker admits before
	// rejecting further probes until one of them resolves.
	MaxRequests uint32
	// Interval is how long the closed-state window stays open before its
	// Counts resets, bounding how far back a failure rate is measured.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// ReadyToTrip decides whether the current window's Counts should open
	// the breaker. Defaults to a 50%-failure-rate-over-20-requests rule.
	ReadyToTrip func(Counts) bool
	// IsSuccessful classifies a call's error as breaker-success or
	// breaker-failure; not every error should count against the breaker
	// (see NewForProvider). Defaults to "err == nil".
	IsSuccessful func(error) bool
	// OnStateChange, if set, is invoked after every transition, in
	// addition to this package's own state-change log line.
	OnStateChange func(name string, from, to State)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRequests == 0 {
		out.MaxRequests = 1
	}
	if out.Interval <= 0 {
		out.Interval = 60 * time.Second
	}
	if out.Timeout <= 0 {
		out.Timeout = 60 * time.Second
	}
	if out.ReadyToTrip == nil {
		out.ReadyToTrip = func(c Counts) bool {
			return c.Requests >= 20 && float64(c.TotalFailures)/float64(c.Requests) >= 0.5
		}
	}
	if out.IsSuccessful == nil {
		out.IsSuccessful = func(err error) bool { return err == nil }
	}
	return out
}

// CircuitBreaker guards one named stream of calls (one profile's backend
// calls, in this module). Safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config Config
	log    *logging.Logger

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewCircuitBreaker constructs a standalone breaker, outside a Manager.
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	return newCircuitBreaker(name, config, logging.Nop())
}

func newCircuitBreaker(name string, config Config, log *logging.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
		log:    log.WithComponent("circuitbreaker").With(logging.F("breaker", name)),
	}
	cb.expiry = time.Now().Add(cb.config.Interval)
	return cb
}

// Execute runs fn if the breaker currently admits calls, recording its
// outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	err, _ := cb.ExecuteWithFallback(fn, nil)
	return err
}

// ExecuteWithFallback runs fn if admitted; otherwise it runs fallback (if
// non-nil) and reports usedFallback=true.
func (cb *CircuitBreaker) ExecuteWithFallback(fn func() error, fallback func() error) (err error, usedFallback bool) {
	if admitErr := cb.admit(); admitErr != nil {
		if fallback == nil {
			return admitErr, false
		}
		return fallback(), true
	}
	err = fn()
	cb.report(err)
	return err, false
}

// ExecuteWithContext runs fn with ctx if the breaker currently admits
// calls.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.report(err)
	return err
}

// admit decides whether a call may proceed, counting it against the
// current window if so.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.stateLocked(time.Now())
	switch {
	case state == StateOpen:
		return ErrOpenState
	case state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests:
		return ErrTooManyRequests
	}
	cb.counts.request()
	return nil
}

// report folds a completed call's outcome into the window and, in the
// closed/half-open states, decides whether that outcome should change
// the breaker's state.
func (cb *CircuitBreaker) report(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.stateLocked(now)
	success := cb.config.IsSuccessful(err)
	cb.counts.record(success)

	switch {
	case success && state == StateHalfOpen:
		cb.transition(StateClosed, now)
	case !success && state == StateClosed && cb.config.ReadyToTrip(cb.counts):
		cb.transition(StateOpen, now)
	case !success && state == StateHalfOpen:
		cb.transition(StateOpen, now)
	}
}

// stateLocked returns the breaker's state as of now, first applying any
// window rollover (closed) or timeout-elapsed probe transition (open).
// Callers must hold cb.mu.
func (cb *CircuitBreaker) stateLocked(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.counts.reset()
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state
}

// transition moves the breaker to state, resetting its window and
// logging the change. Callers must hold cb.mu.
func (cb *CircuitBreaker) transition(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.counts.reset()

	switch state {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	case StateHalfOpen:
		cb.expiry = time.Time{}
	}

	if state == StateOpen {
		cb.log.Warn("circuit breaker opened", logging.F("from", prev.String()))
	} else {
		cb.log.Info("circuit breaker state change", logging.F("from", prev.String()), logging.F("to", state.String()))
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState returns the breaker's current state, applying any pending
// rollover/probe transition first.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked(time.Now())
}

// GetCounts returns a copy of the current window's tally.
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset forces the breaker back to closed with an empty window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.counts.reset()
	cb.transition(StateClosed, time.Now())
}

// Name returns the breaker's name, as given to NewCircuitBreaker or the
// Manager that created it.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Manager hands out one named CircuitBreaker per profile. The first
// caller for a given name supplies its Config; later callers for that
// same name receive the existing breaker regardless of the Config they
// pass, since a profile's components are immutable once assembled
// (spec §3) — there is no reconfiguration path for a live breaker.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	log      *logging.Logger
}

// NewManager constructs an empty Manager. A nil logger defaults to
// logging.Nop().
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), log: logger}
}

// GetOrCreate returns the named breaker, constructing it from cfg on
// first call.
func (m *Manager) GetOrCreate(name string, cfg Config) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := newCircuitBreaker(name, cfg, m.log)
	m.breakers[name] = cb
	return cb
}

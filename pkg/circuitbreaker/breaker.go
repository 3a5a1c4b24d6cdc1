package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// HalfOpenRequests is how many probes may run while half-open.
	HalfOpenRequests uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout      time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	// IsFailure decides whether an error counts against the breaker.
	// By default caller cancellation does not.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
	Logger        *zap.Logger
}

type CircuitBreaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	generation           uint64
	inFlight             uint32
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	openedAt             time.Time
	now                  func() time.Time
}

func New(name string, cfg Config) *CircuitBreaker {
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the breaker is open. The error from fn is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, err := cb.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.after(generation, true)
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.after(generation, cb.cfg.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) before() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	switch state {
	case StateOpen:
		return cb.generation, ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.HalfOpenRequests {
			return cb.generation, ErrTooManyRequests
		}
	}

	cb.inFlight++
	return cb.generation, nil
}

func (cb *CircuitBreaker) after(generation uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation != cb.generation {
		return
	}
	if cb.inFlight > 0 {
		cb.inFlight--
	}

	state := cb.currentState()
	if failed {
		cb.consecutiveSuccesses = 0
		cb.consecutiveFailures++
		if state == StateHalfOpen || cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
		return
	}

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++
	if state == StateHalfOpen && cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
		cb.transition(StateClosed)
	}
}

// currentState must be called with mu held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.generation++
	cb.inFlight = 0
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}

	cb.cfg.Logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

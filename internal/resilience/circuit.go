// Package resilience provides retry, failure classification and circuit
// breaking for calls to the remote generation service.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/llm-factory/internal/config"
	"github.com/sells-group/llm-factory/internal/model"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets a single probe through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures before
	// the circuit opens. Default: 10.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open. Default: 30s.
	ResetTimeout time.Duration

	// MaxWaits is how many times ExecuteWait waits out an open circuit
	// before giving up with ErrCircuitOpen. Negative disables waiting.
	// Default: 3.
	MaxWaits int

	// ShouldTrip decides which errors count toward the threshold. If nil,
	// transient failures and auth rejections trip; bad requests and
	// malformed replies do not, since they are specific to one unit.
	ShouldTrip func(err error) bool
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 10,
		ResetTimeout:     30 * time.Second,
		MaxWaits:         3,
	}
}

// CircuitFromConfig converts the circuit section of the application config.
func CircuitFromConfig(c config.CircuitConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	if c.MaxWaits != 0 {
		cfg.MaxWaits = c.MaxWaits
	}
	return cfg
}

func defaultShouldTrip(err error) bool {
	kind := Classify(err)
	return kind.Transient() || kind == model.FailureAuth
}

// CircuitBreaker guards one remote service. Safe for concurrent use.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for the named service.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.MaxWaits == 0 {
		cfg.MaxWaits = 3
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = defaultShouldTrip
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// ExecuteVal runs fn through the breaker. It returns ErrCircuitOpen without
// calling fn while the circuit is open.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}
	recorded := false
	defer func() {
		// fn panicked; free the half-open slot.
		if !recorded {
			cb.release()
		}
	}()
	val, err := fn(ctx)
	recorded = true
	cb.record(err)
	return val, err
}

// ExecuteWait is like ExecuteVal, but while the circuit is open it waits for
// the breaker to admit a call instead of failing. After MaxWaits waits, or
// when ctx is done, it returns ErrCircuitOpen.
func ExecuteWait[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	for waits := 0; ; waits++ {
		val, err := ExecuteVal(ctx, cb, fn)
		if !errors.Is(err, ErrCircuitOpen) || waits >= cb.cfg.MaxWaits {
			return val, err
		}
		if werr := cb.Wait(ctx); werr != nil {
			return val, err
		}
	}
}

// Wait blocks until the breaker would admit a call or ctx is done.
func (cb *CircuitBreaker) Wait(ctx context.Context) error {
	d := cb.retryAfter()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryAfter reports how long until the breaker admits a call. While a
// half-open probe is in flight it returns a fraction of the reset timeout.
func (cb *CircuitBreaker) retryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitOpen:
		return cb.cfg.ResetTimeout - cb.nowFunc().Sub(cb.openedAt)
	case CircuitHalfOpen:
		if cb.probing {
			return max(cb.cfg.ResetTimeout/10, time.Millisecond)
		}
	}
	return 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		cb.transition(CircuitHalfOpen)
		cb.probing = true
		return nil
	case CircuitHalfOpen:
		// One probe at a time.
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	tripped := err != nil && cb.cfg.ShouldTrip(err)
	if cb.state == CircuitHalfOpen {
		cb.probing = false
		if tripped {
			cb.openedAt = cb.nowFunc()
			cb.transition(CircuitOpen)
			return
		}
		cb.consecutiveFailures = 0
		cb.transition(CircuitClosed)
		return
	}

	if !tripped {
		cb.consecutiveFailures = 0
		return
	}
	cb.consecutiveFailures++
	if cb.state == CircuitClosed && cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.nowFunc()
		cb.transition(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	zap.L().Warn("circuit breaker state change",
		zap.String("service", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

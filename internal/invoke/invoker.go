// Package invoke sends work units to a remote text service and turns every
// outcome, including panics, into a model.InvocationResult.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/llm-factory/internal/cost"
	"github.com/sells-group/llm-factory/internal/model"
	"github.com/sells-group/llm-factory/internal/resilience"
)

// ErrEmptyReply is the failure cause of a reply with no text.
var ErrEmptyReply = eris.New("invoke: empty reply")

// DefaultTimeout bounds a single remote call.
const DefaultTimeout = 120 * time.Second

// Params are passed through to every call without validation.
type Params struct {
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int64
	Timeout     time.Duration
}

// DefaultParams returns the sampling parameters the shipped tasks use.
func DefaultParams() Params {
	return Params{
		Model:       "gpt-4o",
		Temperature: 0.9,
		TopP:        0.7,
		MaxTokens:   2000,
		Timeout:     DefaultTimeout,
	}
}

// Invoker performs remote calls for work units. Safe for concurrent use.
type Invoker struct {
	backend Backend
	params  Params
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	tracker *cost.Tracker
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRetry sets the retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(inv *Invoker) { inv.retry = cfg }
}

// WithCircuitBreaker replaces the default circuit breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(inv *Invoker) { inv.breaker = cb }
}

// WithRateLimit caps calls per second across all workers. rps <= 0 disables
// the limit.
func WithRateLimit(rps float64) Option {
	return func(inv *Invoker) {
		if rps <= 0 {
			inv.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		inv.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTracker records token usage of successful calls.
func WithTracker(t *cost.Tracker) Option {
	return func(inv *Invoker) { inv.tracker = t }
}

// New creates an Invoker for backend.
func New(backend Backend, params Params, opts ...Option) *Invoker {
	if params.Timeout <= 0 {
		params.Timeout = DefaultTimeout
	}
	inv := &Invoker{
		backend: backend,
		params:  params,
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(backend.Name(), resilience.DefaultCircuitBreakerConfig()),
	}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

// Params returns the call parameters.
func (inv *Invoker) Params() Params { return inv.params }

// Invoke performs the remote call for unit. It never returns an error and
// never panics; failures are described by the result.
func (inv *Invoker) Invoke(ctx context.Context, unit model.WorkUnit) (res model.InvocationResult) {
	log := zap.L().With(
		zap.String("backend", inv.backend.Name()),
		zap.String("unit", unit.ID()),
	)

	attempts := 0
	defer func() {
		if r := recover(); r != nil {
			log.Error("invoke: recovered panic", zap.Any("panic", r))
			res = model.FailureResult(model.FailureUnknown, fmt.Errorf("panic: %v", r))
			res.Failure.Attempts = max(attempts, 1)
		}
	}()

	if err := ctx.Err(); err != nil {
		return model.FailureResult(model.FailureCanceled, err)
	}

	rc := inv.retry
	rc.OnRetry = resilience.RetryLogger(inv.backend.Name(), unit.ID())

	var (
		comp *Completion
		err  error
	)
	comp, attempts, err = resilience.DoCount(ctx, rc, func(ctx context.Context) (*Completion, error) {
		return inv.attempt(ctx, unit)
	})
	if err != nil {
		kind := resilience.Classify(err)
		if ctx.Err() != nil {
			kind = model.FailureCanceled
		}
		log.Warn("invoke: unit failed",
			zap.String("kind", string(kind)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		res = model.FailureResult(kind, err)
		res.Failure.Attempts = attempts
		return res
	}

	modelID := comp.Model
	if modelID == "" {
		modelID = inv.params.Model
	}
	if inv.tracker != nil {
		inv.tracker.Record(modelID, comp.Usage)
	}

	res = model.Success(comp.Text)
	res.Model = modelID
	res.Usage = comp.Usage
	return res
}

// attempt performs one rate-limited, breaker-guarded call bounded by the
// call timeout. While the breaker is open it waits for the reset instead of
// failing the unit.
func (inv *Invoker) attempt(ctx context.Context, unit model.WorkUnit) (*Completion, error) {
	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "invoke: rate limit wait")
		}
	}

	req := Request{
		Model:       inv.params.Model,
		System:      unit.Prompt.System,
		User:        unit.Prompt.User,
		Temperature: inv.params.Temperature,
		TopP:        inv.params.TopP,
		MaxTokens:   inv.params.MaxTokens,
	}

	call := func(ctx context.Context) (*Completion, error) {
		callCtx, cancel := context.WithTimeout(ctx, inv.params.Timeout)
		defer cancel()

		comp, err := inv.backend.Complete(callCtx, req)
		if err != nil {
			if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, resilience.NewKindError(model.FailureTimeout, 0,
					eris.Wrapf(err, "invoke: no reply within %s", inv.params.Timeout))
			}
			return nil, err
		}
		if comp == nil || strings.TrimSpace(comp.Text) == "" {
			return nil, resilience.NewKindError(model.FailureMalformedResponse, 0, ErrEmptyReply)
		}
		return comp, nil
	}

	if inv.breaker == nil {
		return call(ctx)
	}
	return resilience.ExecuteWait(ctx, inv.breaker, call)
}

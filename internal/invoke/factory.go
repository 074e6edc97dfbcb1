package invoke

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/llm-factory/internal/config"
	"github.com/sells-group/llm-factory/internal/cost"
	"github.com/sells-group/llm-factory/internal/model"
	"github.com/sells-group/llm-factory/internal/resilience"
	"github.com/sells-group/llm-factory/pkg/anthropic"
	"github.com/sells-group/llm-factory/pkg/openai"
)

// NewBackend builds the backend named by cfg.Invoke.Provider.
func NewBackend(cfg *config.Config) (Backend, error) {
	switch cfg.Invoke.Provider {
	case "openai":
		if cfg.OpenAI.Key == "" {
			return nil, eris.Wrap(model.ErrConfiguration, "invoke: openai key is not set")
		}
		return NewOpenAIBackend(openai.NewClient(cfg.OpenAI.Key, cfg.OpenAI.BaseURL)), nil
	case "anthropic":
		if cfg.Anthropic.Key == "" {
			return nil, eris.Wrap(model.ErrConfiguration, "invoke: anthropic key is not set")
		}
		return NewAnthropicBackend(anthropic.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL)), nil
	default:
		return nil, eris.Wrapf(model.ErrConfiguration, "invoke: unknown provider %q", cfg.Invoke.Provider)
	}
}

// ParamsFromConfig converts the invoke section of the application config.
func ParamsFromConfig(c config.InvokeConfig) Params {
	return Params{
		Model:       c.Model,
		Temperature: c.Temperature,
		TopP:        c.TopP,
		MaxTokens:   c.MaxTokens,
		Timeout:     time.Duration(c.TimeoutSecs) * time.Second,
	}
}

// NewFromConfig builds an Invoker with the configured backend, retry policy,
// circuit breaker and rate limit.
func NewFromConfig(cfg *config.Config, tracker *cost.Tracker) (*Invoker, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	return New(backend, ParamsFromConfig(cfg.Invoke),
		WithRetry(resilience.FromConfig(cfg.Retry)),
		WithCircuitBreaker(resilience.NewCircuitBreaker(backend.Name(), resilience.CircuitFromConfig(cfg.Circuit))),
		WithRateLimit(cfg.Invoke.RateLimitRPS),
		WithTracker(tracker),
	), nil
}

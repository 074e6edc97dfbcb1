// Package cost estimates the spend of a run from token usage.
package cost

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/llm-factory/internal/config"
	"github.com/sells-group/llm-factory/internal/model"
)

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model IDs to their pricing.
type Rates map[string]ModelRate

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Cost computes the cost of usage on model. Unknown models cost 0.
func (c *Calculator) Cost(modelID string, u model.Usage) float64 {
	rate, ok := c.rates[modelID]
	if !ok {
		return 0
	}
	inCost := (float64(u.InputTokens) / 1e6) * rate.Input
	outCost := (float64(u.OutputTokens) / 1e6) * rate.Output
	return inCost + outCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"gpt-4o":                     {Input: 2.50, Output: 10.00},
		"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
		"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
	}
}

// RatesFromConfig overlays configured pricing onto the defaults.
func RatesFromConfig(p config.PricingConfig) Rates {
	rates := DefaultRates()
	for id, m := range p.Models {
		rates[id] = ModelRate{Input: m.Input, Output: m.Output}
	}
	return rates
}

// Tracker accumulates usage per model across concurrent workers.
type Tracker struct {
	calc *Calculator

	mu    sync.Mutex
	usage map[string]model.Usage
	calls map[string]int
}

// NewTracker creates a Tracker pricing usage with calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{
		calc:  calc,
		usage: make(map[string]model.Usage),
		calls: make(map[string]int),
	}
}

// Record adds the usage of one call.
func (t *Tracker) Record(modelID string, u model.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage[modelID] = t.usage[modelID].Add(u)
	t.calls[modelID]++
}

// Summary is a point-in-time view of tracked usage.
type Summary struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Summary totals usage and estimated cost over all models.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Summary
	for id, u := range t.usage {
		s.Calls += t.calls[id]
		s.InputTokens += u.InputTokens
		s.OutputTokens += u.OutputTokens
		s.CostUSD += t.calc.Cost(id, u)
	}
	return s
}

// LogCost logs per-model usage and estimated cost with structured zap fields.
func (t *Tracker) LogCost(task string) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.usage))
	for id := range t.usage {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		t.mu.Lock()
		u, calls := t.usage[id], t.calls[id]
		t.mu.Unlock()
		zap.L().Info("cost attribution",
			zap.String("model", id),
			zap.String("task", task),
			zap.Int("calls", calls),
			zap.Int64("input_tokens", u.InputTokens),
			zap.Int64("output_tokens", u.OutputTokens),
			zap.Float64("estimated_cost_usd", t.calc.Cost(id, u)),
		)
	}
}

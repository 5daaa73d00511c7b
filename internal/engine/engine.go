// Package engine evaluates raw measurement samples against a measurement
// point schema: it resolves variables, runs pre-processing formulas, applies
// the point's evaluation strategy and folds item verdicts into a batch
// verdict. Evaluation is synchronous and holds no state between calls.
package engine

import (
	"log/slog"

	"measurecore/pkg/expr"
)

// Engine is the measurement evaluation pipeline. The zero value is not
// usable; construct with New. An Engine is safe for concurrent use.
type Engine struct {
	logger    *slog.Logger
	functions expr.Functions
	legacyAvg *float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for compatibility warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithFunctions registers additional expression functions. They take
// precedence over the built-ins.
func WithFunctions(fns expr.Functions) Option {
	return func(e *Engine) {
		for name, fn := range fns {
			e.functions[name] = fn
		}
	}
}

// WithLegacyAverageFallback makes an AVG reference to an item without data
// evaluate to value instead of failing. This reproduces a placeholder
// behaviour some migrated data depends on and is off unless set explicitly.
func WithLegacyAverageFallback(value float64) Option {
	return func(e *Engine) {
		v := value
		e.legacyAvg = &v
	}
}

// New constructs an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:    slog.New(slog.DiscardHandler),
		functions: expr.Functions{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LegacyAverageFallback reports whether the compatibility fallback is on.
func (e *Engine) LegacyAverageFallback() (float64, bool) {
	if e.legacyAvg == nil {
		return 0, false
	}
	return *e.legacyAvg, true
}

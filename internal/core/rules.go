package core

import "measurecore/pkg/domain"

// NewRulesEngine constructs an empty rules engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in batch policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(LifecycleTransitionRule())
	engine.Register(ResultIntegrityRule())
	return engine
}

func batchPayload(v any) (domain.Batch, bool) {
	switch b := v.(type) {
	case domain.Batch:
		return b, true
	case *domain.Batch:
		if b == nil {
			return domain.Batch{}, false
		}
		return *b, true
	default:
		return domain.Batch{}, false
	}
}

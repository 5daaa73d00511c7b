package engine

import (
	"math"

	"measurecore/pkg/domain"
)

// boundEpsilon is the relative slack applied to BETWEEN bounds so that
// decimal thresholds such as 14.4-0.3 accept 14.1.
const boundEpsilon = 1e-9

// EvaluateRule applies an acceptance rule to a value. It is total: a nil,
// NaN or infinite value, a nil rule or an unknown rule kind yields false.
func EvaluateRule(value *float64, rule *domain.RuleSetting) bool {
	if value == nil || rule == nil {
		return false
	}
	v := *value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	switch rule.Rule {
	case domain.RuleMin:
		return v >= rule.Value
	case domain.RuleMax:
		return v <= rule.Value
	case domain.RuleBetween:
		if rule.ToleranceMinus == nil || rule.TolerancePlus == nil {
			return false
		}
		lo := rule.Value - *rule.ToleranceMinus
		hi := rule.Value + *rule.TolerancePlus
		return v >= lo-slack(lo) && v <= hi+slack(hi)
	default:
		return false
	}
}

func slack(bound float64) float64 {
	return boundEpsilon * math.Max(1, math.Abs(bound))
}

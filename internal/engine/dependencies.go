package engine

import (
	"measurecore/pkg/domain"
	"measurecore/pkg/expr"
)

// Dependencies returns the ids of other measurement items the point reads
// through AVG, in declaration order: variable formulas first, then joint
// formulas. Inside joint formulas the item's own id, its pre-processing
// formula names and earlier joint formula names are local and excluded.
func Dependencies(mp domain.MeasurementPoint) []string {
	out := domain.AverageReferences(mp)
	if mp.EvaluationType != domain.EvaluationJoint || mp.EvaluationSetting.Joint == nil {
		return out
	}
	seen := make(map[string]struct{}, len(out))
	for _, id := range out {
		seen[id] = struct{}{}
	}
	for _, local := range jointLocals(mp) {
		seen[local] = struct{}{}
	}
	for _, f := range mp.EvaluationSetting.Joint.Formulas {
		prog, err := expr.Compile(f.Formula)
		if err != nil {
			continue
		}
		for _, ref := range prog.Calls("AVG") {
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}
	return out
}

func jointLocals(mp domain.MeasurementPoint) []string {
	locals := []string{mp.NameID()}
	for _, f := range mp.PreProcessingFormulas {
		locals = append(locals, f.Name)
	}
	if mp.EvaluationSetting.Joint != nil {
		for _, f := range mp.EvaluationSetting.Joint.Formulas {
			locals = append(locals, f.Name)
		}
	}
	return locals
}

// CheckDependencies returns the dependencies of mp that lookup has no
// numeric data for. An empty result means the item can be evaluated.
func (e *Engine) CheckDependencies(mp domain.MeasurementPoint, lookup BatchLookup) []string {
	if lookup == nil {
		lookup = NoData
	}
	var missing []string
	for _, id := range Dependencies(mp) {
		if _, ok := lookup.LookupSamples(id); !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

package domain

import (
	"errors"
	"fmt"
	"sort"

	"measurecore/pkg/expr"
)

// Raw sample bindings exposed to pre-processing formulas.
const (
	BindingSingleValue = "single_value"
	BindingBefore      = "before"
	BindingAfter       = "after"
)

// UngroupedName and UngroupedOrder label points not listed in any group.
const (
	UngroupedName  = "Ungrouped"
	UngroupedOrder = 999
)

// RawBindings lists the raw identifiers available to pre-processing
// formulas for a setup type.
func RawBindings(t SetupType) []string {
	switch t {
	case SetupSingle:
		return []string{BindingSingleValue}
	case SetupBeforeAfter:
		return []string{BindingBefore, BindingAfter}
	default:
		return nil
	}
}

// ValidateProduct checks every measurement point of a product plus the
// product level constraints. All failures are joined; each is a *SchemaError.
func ValidateProduct(p Product) error {
	var errs []error
	if p.ProductID == "" {
		errs = append(errs, &SchemaError{Problems: []string{"product_id is required"}})
	}
	seen := make(map[string]struct{}, len(p.MeasurementPoints))
	for i, mp := range p.MeasurementPoints {
		problems := ValidatePoint(mp)
		id := mp.NameID()
		if id != "" {
			if _, dup := seen[id]; dup {
				problems = append(problems, "duplicate name_id")
			}
			seen[id] = struct{}{}
		}
		if mp.Setup.Source == SourceDerived && mp.Setup.SourceDerivedNameID != "" {
			if _, ok := p.Point(mp.Setup.SourceDerivedNameID); !ok {
				problems = append(problems, fmt.Sprintf("source_derived_name_id %q is not a measurement point of this product", mp.Setup.SourceDerivedNameID))
			}
		}
		if len(problems) > 0 {
			item := id
			if item == "" {
				item = fmt.Sprintf("measurement_points.%d", i)
			}
			errs = append(errs, &SchemaError{ProductID: p.ProductID, Item: item, Problems: problems})
		}
	}
	for _, g := range p.MeasurementGroups {
		var problems []string
		if g.GroupName == "" {
			problems = append(problems, "group_name is required")
		}
		for _, item := range g.MeasurementItems {
			if _, ok := seen[item]; !ok {
				problems = append(problems, fmt.Sprintf("group %q lists unknown item %q", g.GroupName, item))
			}
		}
		if len(problems) > 0 {
			errs = append(errs, &SchemaError{ProductID: p.ProductID, Problems: problems})
		}
	}
	return errors.Join(errs...)
}

// ValidatePoint returns the schema problems of a single measurement point.
// It checks what evaluation needs: enum values, the nature/rule invariant,
// strategy settings and the linear dependency order of formulas.
func ValidatePoint(mp MeasurementPoint) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	s := mp.Setup
	if s.Name == "" {
		add("setup name is required")
	}
	if s.NameID == "" {
		add("setup name_id is required")
	}
	if s.SampleAmount < 1 {
		add("sample amount must be at least 1")
	}
	if !s.Type.Valid() {
		add("unknown setup type %q", s.Type)
	}
	if !s.Source.Valid() {
		add("unknown source %q", s.Source)
	}
	if s.Source == SourceDerived && s.SourceDerivedNameID == "" {
		add("source_derived_name_id is required for DERIVED source")
	}
	if !mp.EvaluationType.Valid() {
		add("unknown evaluation type %q", mp.EvaluationType)
	}

	switch s.Nature {
	case NatureQuantitative:
		if mp.RuleEvaluation == nil {
			add("rule evaluation setting is required for QUANTITATIVE nature")
		} else {
			problems = append(problems, validateRule(*mp.RuleEvaluation)...)
		}
		if mp.EvaluationSetting.Qualitative != nil {
			add("qualitative setting must be null for QUANTITATIVE nature")
		}
		if mp.EvaluationType == EvaluationSkipCheck {
			add("evaluation type SKIP_CHECK is reserved for QUALITATIVE nature")
		}
	case NatureQualitative:
		if mp.EvaluationSetting.Qualitative == nil {
			add("qualitative setting is required for QUALITATIVE nature")
		} else if mp.EvaluationSetting.Qualitative.Label == "" {
			add("qualitative label is required")
		}
		if mp.RuleEvaluation != nil {
			add("rule evaluation setting must be null for QUALITATIVE nature")
		}
		if mp.EvaluationType != EvaluationSkipCheck {
			add("evaluation type must be SKIP_CHECK for QUALITATIVE nature")
		}
	default:
		add("unknown nature %q", s.Nature)
	}

	problems = append(problems, validateFormulas(mp)...)
	problems = append(problems, validateStrategy(mp)...)
	return problems
}

func validateRule(r RuleSetting) []string {
	var problems []string
	switch r.Rule {
	case RuleBetween:
		if r.ToleranceMinus == nil || r.TolerancePlus == nil {
			problems = append(problems, "tolerance_minus and tolerance_plus are required for BETWEEN rule")
		}
		if (r.ToleranceMinus != nil && *r.ToleranceMinus < 0) || (r.TolerancePlus != nil && *r.TolerancePlus < 0) {
			problems = append(problems, "tolerances must not be negative")
		}
	case RuleMin, RuleMax:
		if r.ToleranceMinus != nil || r.TolerancePlus != nil {
			problems = append(problems, fmt.Sprintf("tolerances are only allowed for BETWEEN rule, not %s", r.Rule))
		}
	default:
		problems = append(problems, fmt.Sprintf("rule must be one of: MIN, MAX, BETWEEN (got %q)", r.Rule))
	}
	return problems
}

func validateStrategy(mp MeasurementPoint) []string {
	var problems []string
	switch mp.EvaluationType {
	case EvaluationPerSample:
		ps := mp.EvaluationSetting.PerSample
		if ps == nil {
			return append(problems, "per_sample_setting is required for PER_SAMPLE evaluation")
		}
		if ps.IsRawData {
			if mp.Setup.Type != SetupSingle {
				problems = append(problems, "raw data evaluation requires SINGLE setup type")
			}
			return problems
		}
		if ps.PreProcessingFormulaName == "" {
			return append(problems, "pre_processing_formula_name is required when is_raw_data is false")
		}
		for _, f := range mp.PreProcessingFormulas {
			if f.Name == ps.PreProcessingFormulaName {
				return problems
			}
		}
		problems = append(problems, fmt.Sprintf("pre_processing_formula_name %q does not name a pre-processing formula", ps.PreProcessingFormulaName))
	case EvaluationJoint:
		js := mp.EvaluationSetting.Joint
		if js == nil || len(js.Formulas) == 0 {
			return append(problems, "joint_setting with at least one formula is required for JOINT evaluation")
		}
		finals := 0
		for _, f := range js.Formulas {
			if f.IsFinalValue {
				finals++
			}
		}
		// zero finals is reported at evaluation time as MissingFinalValueError
		if finals > 1 {
			problems = append(problems, "exactly one joint formula may be marked is_final_value")
		}
	case EvaluationSkipCheck:
	}
	return problems
}

// validateFormulas enforces the linear dependency contract: every identifier
// a formula reads must be declared earlier. A formula referring to itself or
// to a later declaration is reported as a cycle or forward reference.
func validateFormulas(mp MeasurementPoint) []string {
	var problems []string
	declared := map[string]struct{}{}
	position := map[string]int{}
	for i, v := range mp.Variables {
		if _, dup := position[v.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate variable %q", v.Name))
			continue
		}
		position[v.Name] = i
	}

	for i, v := range mp.Variables {
		if v.Name == "" {
			problems = append(problems, fmt.Sprintf("variables.%d: name is required", i))
		}
		switch v.Type {
		case VariableFixed:
			if v.Value == nil {
				problems = append(problems, fmt.Sprintf("variable %q: FIXED variable needs a value", v.Name))
			}
		case VariableManual:
		case VariableFormula:
			prog, err := expr.Compile(v.Formula)
			if err != nil {
				problems = append(problems, fmt.Sprintf("variable %q: %v", v.Name, err))
				break
			}
			for _, id := range plainIdentifiers(prog) {
				if _, ok := declared[id]; ok {
					continue
				}
				switch at, later := position[id]; {
				case id == v.Name:
					problems = append(problems, fmt.Sprintf("variable %q: formula references itself", v.Name))
				case later && at > i:
					problems = append(problems, fmt.Sprintf("variable %q: forward reference to %q declared later", v.Name, id))
				default:
					problems = append(problems, fmt.Sprintf("variable %q: unknown identifier %q", v.Name, id))
				}
			}
		default:
			problems = append(problems, fmt.Sprintf("variable %q: unknown type %q", v.Name, v.Type))
		}
		declared[v.Name] = struct{}{}
	}

	for _, raw := range RawBindings(mp.Setup.Type) {
		declared[raw] = struct{}{}
	}
	for _, f := range mp.PreProcessingFormulas {
		if f.Name == "" {
			problems = append(problems, "pre-processing formula name is required")
			continue
		}
		prog, err := expr.Compile(f.Formula)
		if err != nil {
			problems = append(problems, fmt.Sprintf("pre-processing formula %q: %v", f.Name, err))
			declared[f.Name] = struct{}{}
			continue
		}
		if len(prog.Calls("AVG")) > 0 {
			problems = append(problems, fmt.Sprintf("pre-processing formula %q: AVG is only available to variables and joint formulas", f.Name))
		}
		for _, id := range plainIdentifiers(prog) {
			if _, ok := declared[id]; !ok {
				problems = append(problems, fmt.Sprintf("pre-processing formula %q: %q is not a raw value, variable or earlier formula", f.Name, id))
			}
		}
		if _, dup := declared[f.Name]; dup {
			problems = append(problems, fmt.Sprintf("pre-processing formula %q shadows an existing name", f.Name))
		}
		declared[f.Name] = struct{}{}
	}

	if mp.EvaluationType == EvaluationJoint && mp.EvaluationSetting.Joint != nil {
		declared[mp.NameID()] = struct{}{}
		for _, f := range mp.EvaluationSetting.Joint.Formulas {
			prog, err := expr.Compile(f.Formula)
			if err != nil {
				problems = append(problems, fmt.Sprintf("joint formula %q: %v", f.Name, err))
				declared[f.Name] = struct{}{}
				continue
			}
			for _, id := range plainIdentifiers(prog) {
				if _, ok := declared[id]; !ok {
					problems = append(problems, fmt.Sprintf("joint formula %q: %q is not declared before it", f.Name, id))
				}
			}
			declared[f.Name] = struct{}{}
		}
	}
	return problems
}

// plainIdentifiers returns identifiers read outside AVG(...) arguments. AVG
// arguments name measurement items and are checked against batch data.
func plainIdentifiers(p *expr.Program) []string {
	avg := map[string]struct{}{}
	for _, id := range p.Calls("AVG") {
		avg[id] = struct{}{}
	}
	var out []string
	for _, id := range p.Identifiers() {
		if _, ok := avg[id]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

// AverageReferences returns the distinct item ids referenced through AVG by
// the point's FORMULA variables, in declaration order. Formulas that fail to
// parse contribute nothing.
func AverageReferences(mp MeasurementPoint) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, v := range mp.Variables {
		if v.Type != VariableFormula {
			continue
		}
		prog, err := expr.Compile(v.Formula)
		if err != nil {
			continue
		}
		for _, id := range prog.Calls("AVG") {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// OrderedPoints returns the product's points ordered by measurement group.
// Points listed in a group get its name and order; the rest follow, in
// declaration order, under UngroupedName. Without groups the declaration
// order is kept untouched.
func OrderedPoints(p Product) []MeasurementPoint {
	if len(p.MeasurementGroups) == 0 {
		out := make([]MeasurementPoint, len(p.MeasurementPoints))
		copy(out, p.MeasurementPoints)
		return out
	}
	groups := make([]MeasurementGroup, len(p.MeasurementGroups))
	copy(groups, p.MeasurementGroups)
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Order < groups[j].Order })

	placed := make(map[string]bool, len(p.MeasurementPoints))
	out := make([]MeasurementPoint, 0, len(p.MeasurementPoints))
	for _, g := range groups {
		for _, item := range g.MeasurementItems {
			if placed[item] {
				continue
			}
			mp, ok := p.Point(item)
			if !ok {
				continue
			}
			mp.GroupName = g.GroupName
			mp.GroupOrder = g.Order
			out = append(out, mp)
			placed[item] = true
		}
	}
	for _, mp := range p.MeasurementPoints {
		if placed[mp.NameID()] {
			continue
		}
		mp.GroupName = UngroupedName
		mp.GroupOrder = UngroupedOrder
		out = append(out, mp)
	}
	return out
}
